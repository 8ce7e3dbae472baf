package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydro78704/invalidation-client/client"
	"github.com/hydro78704/invalidation-client/internal/logger"
	"github.com/hydro78704/invalidation-client/internal/wire"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr)

	c, err := client.Dial(ctx, client.Config{
		ServerAddr: cfg.ServerAddr,
		ExternalID: client.ExternalID{
			ClientType:          int32(cfg.ClientType),
			ApplicationClientID: []byte(cfg.AppName),
		},
		ClientType:  int32(cfg.ClientType),
		Listener:    demoListener{},
		PersistPath: cfg.DataPath,
		OnFatalError: func(err error) {
			logger.Error("connection to invalidation service failed, shutting down", "error", err)
			stop()
		},
	})
	if err != nil {
		return fmt.Errorf("connect:\n%w", err)
	}
	defer c.Close()

	printStartupInfo(cfg)

	for _, name := range cfg.Objects {
		c.Register(wire.NewObjectID(1, []byte(name)))
	}

	if cfg.RunFor > 0 {
		timer := time.NewTimer(cfg.RunFor)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	} else {
		<-ctx.Done()
	}

	return nil
}

// serveMetrics runs a minimal HTTP server exposing the client's Prometheus
// counters, matching the default registry client.Dial registers against
// when Config.Registerer is left unset.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// printStartupInfo displays the demo's configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("connected to invalidation service",
		"server", cfg.ServerAddr,
		"app_name", cfg.AppName,
		"data", cfg.DataPath,
		"objects", cfg.Objects,
		"metrics", cfg.MetricsAddr,
	)
}
