// Package server is the HTTP face of the archive gateway: attribute
// discovery, Grafana-style data queries and raw CSV/JSON exports, plus
// metrics and the static viewer UI.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxiv-kitscontrols/hdbppgw/archive"
	"github.com/maxiv-kitscontrols/hdbppgw/archive/series"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/pool"
)

// Store is the part of the archive connector the handlers consume.
type Store interface {
	GetAttributes(ctx context.Context) (map[string][]archive.AttributeInfo, error)
	GetAttConfigs(ctx context.Context) (map[string]map[string]archive.AttributeConfig, error)
	GetAttributeData(ctx context.Context, attr string, t0, t1 time.Time) (*series.Series, error)
}

type Server struct {
	cfg    Config
	store  Store
	pool   *pool.Pool
	logger log.Logger
}

func New(cfg Config, store Store, p *pool.Pool, logger log.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:    cfg,
		store:  store,
		pool:   p,
		logger: logger,
	}
}

// Handler builds the router. The query and search routes carry permissive
// CORS so that Grafana can reach them from the browser.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/controlsystems", s.ControlSystemsHandler).Methods(http.MethodGet)
	r.HandleFunc("/attributes", s.AttributesHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Handle("/search", cors(http.HandlerFunc(s.SearchHandler))).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/query", cors(http.HandlerFunc(s.QueryHandler))).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/httpquery", cors(http.HandlerFunc(s.HTTPQueryHandler))).Methods(http.MethodPost, http.MethodOptions)

	if s.cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(cors(indexFallback(http.FileServer(http.Dir(s.cfg.StaticDir)))))
	}

	return r
}
