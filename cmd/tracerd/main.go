// tracerd is the measurement producer. It watches the machine's
// connection table, keeps a traceroute loop running per active remote
// host, enriches the measured hops, and publishes the observation
// backlog over the WebSocket feed pathvisd consumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/cnames"
	"github.com/SIDN/pathvis/internal/config"
	"github.com/SIDN/pathvis/internal/conntrack"
	"github.com/SIDN/pathvis/internal/enrich"
	"github.com/SIDN/pathvis/internal/feed"
	"github.com/SIDN/pathvis/internal/logger"
	"github.com/SIDN/pathvis/internal/rpki"
	"github.com/SIDN/pathvis/internal/tracer"
)

// mockRotateInterval paces the canned host rotation in mock mode
const mockRotateInterval = 30 * time.Second

func main() {
	// Command line flags
	configPath := flag.String("config", "", "config file path")
	mock := flag.Bool("mock", false, "trace canned destinations instead of the connection table")
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracerd: %v\n", err)
		os.Exit(1)
	}
	if *mock {
		cfg.Tracer.Mock = true
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "tracerd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Logger

	log.Info("starting tracerd",
		zap.String("config", path),
		zap.String("feed_listen", cfg.Feed.Listen),
		zap.Bool("mock", cfg.Tracer.Mock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Destination discovery
	var source conntrack.Source
	if cfg.Tracer.Mock {
		source = conntrack.NewMock(nil, mockRotateInterval)
	} else {
		source = conntrack.NewSystem(cfg.Tracer.IPv4Only, log)
	}

	// Measurement runner: an SSH vantage point when configured,
	// otherwise the local traceroute binary
	var runner tracer.Runner
	if cfg.Vantage.Addr != "" {
		vantage, err := tracer.NewVantage(cfg.Vantage.Addr, cfg.Vantage.User,
			cfg.Vantage.SSHKeyPath, cfg.Tracer.GiveUp, log)
		if err != nil {
			log.Fatal("vantage setup failed", zap.Error(err))
		}
		defer vantage.Close()
		runner = vantage
	} else {
		system, err := tracer.NewSystemRunner(cfg.Tracer.GiveUp, log)
		if err != nil {
			log.Fatal("traceroute unavailable", zap.Error(err))
		}
		runner = system
	}

	// Hop enrichment with its persistent cache and, when a VRP set can
	// be kept, route origin validation
	cache, err := enrich.NewCache(cfg.Enrich.CachePath)
	if err != nil {
		log.Warn("enrichment cache unavailable, lookups will not persist", zap.Error(err))
	} else {
		defer cache.Close()
		if n, err := cache.Prune(ctx, cfg.Enrich.CacheTTL.Duration()); err == nil && n > 0 {
			log.Info("pruned enrichment cache", zap.Int64("removed", n))
		}
	}

	var roa enrich.ROAChecker
	checker, err := rpki.New(cfg.RPKI.DBPath, rpki.Options{
		URL:    cfg.RPKI.URL,
		MaxAge: cfg.RPKI.MaxAge.Duration(),
	}, log)
	if err != nil {
		log.Warn("route origin validation unavailable", zap.Error(err))
	} else {
		defer checker.Close()
		go checker.Run(ctx)
		roa = checker
	}

	enricher := enrich.New(cache, roa, enrich.Options{
		TTL:     cfg.Enrich.CacheTTL.Duration(),
		Workers: cfg.Enrich.Workers,
		RDAPURL: cfg.Enrich.RDAPURL,
	}, log)

	mcfg := tracer.ManagerConfig{
		Source:   source,
		Runner:   runner,
		Enricher: enricher,
		Tracer: tracer.Options{
			Interval:   cfg.Tracer.TraceInterval.Duration(),
			MaxBackoff: cfg.Tracer.MaxBackoff.Duration(),
			Proto:      cfg.Tracer.Proto,
		},
		UpdateInterval: cfg.Tracer.UpdateInterval.Duration(),
		PushInterval:   cfg.Feed.PublishInterval.Duration(),
	}

	// DNS name attribution from the resolver's query log
	if cfg.CNames.LogPath != "" {
		table, err := cnames.New(cfg.CNames.LogPath, log)
		if err != nil {
			log.Warn("query log unavailable, traces carry no names", zap.Error(err))
		} else {
			defer table.Close()
			mcfg.Resolver = table
		}
	}

	// The feed server doubles as the manager's publisher
	feedSrv := feed.NewServer(cfg.Feed.PublishInterval.Duration(), log)
	mcfg.Publisher = feedSrv

	manager := tracer.NewManager(mcfg, log)
	runErr := make(chan error, 1)
	go func() { runErr <- manager.Run(ctx) }()

	// No timeouts; feed connections are long-lived WebSocket streams
	feedServer := &http.Server{Addr: cfg.Feed.Listen, Handler: feedSrv}
	go func() {
		log.Info("feed listening", zap.String("addr", cfg.Feed.Listen))
		if err := feedServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("feed server failed", zap.Error(err))
		}
	}()

	// Operational endpoints
	ops := mux.NewRouter()
	ops.Handle("/metrics", promhttp.Handler()).Methods("GET")
	ops.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	}).Methods("GET")

	opsServer := &http.Server{
		Addr:         cfg.Tracer.Listen,
		Handler:      ops,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.Tracer.Listen))
		if err := opsServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	// The manager publishes each destination's final expiry before
	// returning; closing the feed after that flushes them to clients
	<-runErr
	feedSrv.Close()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := feedServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("feed shutdown failed", zap.Error(err))
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown failed", zap.Error(err))
	}

	log.Info("stopped")
}

// loadConfig loads the explicit path when given, otherwise searches
// the usual locations
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
