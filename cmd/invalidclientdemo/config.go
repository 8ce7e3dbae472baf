package main

import (
	"flag"
	"strings"
	"time"
)

// Config holds the demo command's configuration.
type Config struct {
	// ServerAddr is the invalidation service's QUIC address.
	ServerAddr string

	// AppName is this client's external identity.
	AppName    string
	ClientType int

	// DataPath, if set, enables a warm start across runs.
	DataPath string

	// Objects is the set of object names to register interest in at
	// startup, source 1 for all of them.
	Objects []string

	// RunFor is how long to stay connected before exiting; zero means
	// run until interrupted.
	RunFor time.Duration

	MetricsAddr string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	var objects string

	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:9443", "Invalidation service QUIC address")
	flag.StringVar(&cfg.AppName, "app-name", "invalidclientdemo", "External client identity")
	flag.IntVar(&cfg.ClientType, "client-type", 1, "Application client type tag")
	flag.StringVar(&cfg.DataPath, "data", "", "Persisted-state directory (empty disables warm starts)")
	flag.StringVar(&objects, "objects", "BOOKMARKS,HISTORY", "Comma-separated object names to register")
	flag.DurationVar(&cfg.RunFor, "run-for", 0, "Exit after this long (0 = run until interrupted)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":2112", "Prometheus /metrics listen address")
	flag.Parse()

	cfg.Objects = splitObjects(objects)

	return cfg
}

func splitObjects(raw string) []string {
	var out []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
