// Package app assembles the gateway: one task loop, one cassandra
// session, the archive connector, the render pool and the HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/maxiv-kitscontrols/hdbppgw/archive"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver/cassandra"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/pool"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/taskloop"
	"github.com/maxiv-kitscontrols/hdbppgw/server"
)

const shutdownGrace = 5 * time.Second

type App struct {
	cfg    Config
	logger log.Logger

	loop *taskloop.Loop
	conn *archive.Connection
	pool *pool.Pool
	http *http.Server
}

func New(cfg Config, logger log.Logger) (*App, error) {
	loop := taskloop.New()

	sess, err := cassandra.New(cfg.Archive.Cassandra)
	if err != nil {
		loop.Stop()
		return nil, err
	}

	conn, err := archive.New(cfg.Archive, sess, loop, logger)
	if err != nil {
		sess.Close()
		loop.Stop()
		return nil, errors.Wrap(err, "initialising archive connector")
	}

	renderPool := pool.NewPool(&cfg.Pool)
	srv := server.New(cfg.Server, conn, renderPool, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		loop:   loop,
		conn:   conn,
		pool:   renderPool,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPListenPort),
			Handler: srv.Handler(),
		},
	}, nil
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "server listening", "addr", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.stop()
		return err
	case sig := <-sigCh:
		level.Info(a.logger).Log("msg", "shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := a.http.Shutdown(ctx)
		a.stop()
		return err
	}
}

func (a *App) stop() {
	a.pool.Shutdown()
	a.conn.Shutdown()
	a.loop.Stop()
}
