package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log/level"

	"github.com/maxiv-kitscontrols/hdbppgw/cmd/hdbppgw/app"
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/util/log"
)

const appName = "hdbppgw"

// set at build time with -ldflags
var version = "dev"

func main() {
	configFile := flag.String("config.file", "hdbppgw.yaml", "Path to the configuration file")
	printVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("%s, version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := app.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(cfg.LogLevel)

	a, err := app.New(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising "+appName, "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting "+appName, "version", version)

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "error running "+appName, "err", err)
		os.Exit(1)
	}
}
