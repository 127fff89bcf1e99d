package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zulfikawr/ferry/internal/config"
	"github.com/zulfikawr/ferry/internal/logging"
	"github.com/zulfikawr/ferry/internal/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("ferry", flag.ExitOnError)
	host := fs.String("host", cfg.Host, "listen address")
	port := fs.Int("port", cfg.Port, "listen port")
	rootPath := fs.String("path", cfg.Root, "sandbox root directory")
	debug := fs.Bool("debug", cfg.Debug, "enable debug logging")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "optional Prometheus listen address (e.g. :9090)")
	rateLimit := fs.Float64("rate-limit", cfg.RateLimitMbps, "per-client bandwidth limit in Mbps (0 = unlimited)")
	noSeed := fs.Bool("no-seed", !cfg.Seed, "skip creating sample fixtures")
	_ = fs.Parse(os.Args[1:])

	cfg.Host = *host
	cfg.Port = *port
	cfg.Root = *rootPath
	cfg.Debug = *debug
	cfg.MetricsAddr = *metricsAddr
	cfg.RateLimitMbps = *rateLimit
	cfg.Seed = !*noSeed

	logging.SetDebug(cfg.Debug)
	defer logging.Sync()

	srv, err := server.New(cfg)
	if err != nil {
		logging.Error("Server setup failed", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Seed {
		if err := server.Seed(srv.Ops()); err != nil {
			logging.Warn("Fixture seeding failed", zap.Error(err))
		}
	}

	if err := srv.Start(); err != nil {
		logging.Error("Bind failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "ferry listening on %s (root %s)\n", srv.Addr(), cfg.Root)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logging.Info("Metrics listener started", zap.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.Warn("Metrics listener failed", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")

	if err := srv.Shutdown(); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
