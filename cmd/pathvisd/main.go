// pathvisd is the path graph engine. It consumes a producer's
// observation feed, maintains the merged multi-destination graph and
// its change ledger, and serves the REST API plus the SSE event
// stream that frontends subscribe to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SIDN/pathvis/internal/api"
	"github.com/SIDN/pathvis/internal/config"
	"github.com/SIDN/pathvis/internal/feed"
	"github.com/SIDN/pathvis/internal/graph"
	"github.com/SIDN/pathvis/internal/hub"
	"github.com/SIDN/pathvis/internal/logger"
	"github.com/SIDN/pathvis/internal/metrics"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "config file path")
	listen := flag.String("listen", "", "API listen address, overriding the config")
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pathvisd: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "pathvisd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Logger

	log.Info("starting pathvisd",
		zap.String("config", path),
		zap.String("feed", cfg.Feed.URL),
		zap.String("listen", cfg.API.Listen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session owns the graph, the trace table and the change ledger
	session := graph.NewSession(cfg.Engine.History, cfg.Engine.Destinations, log)

	// SSE hub; every new subscriber starts with a full snapshot
	events := hub.New(log)
	events.SnapshotFunc = func() interface{} {
		return graph.Event{Type: graph.EventGraphSnapshot, Payload: session.Snapshot()}
	}
	go events.Run(ctx)

	// Connect the engine's event bus to the SSE hub
	eventChan := make(chan graph.Event, 100)
	session.Events().Subscribe(eventChan)
	go func() {
		for event := range eventChan {
			events.Broadcast(event)
		}
	}()

	// Consume the producer feed. The client reconnects on its own; the
	// handler just applies frames in arrival order.
	var feedUp atomic.Bool
	client := feed.NewClient(cfg.Feed.URL, log)
	client.StateFunc = func(connected bool) {
		feedUp.Store(connected)
		if connected {
			metrics.FeedConnected.Set(1)
		} else {
			metrics.FeedConnected.Set(0)
		}
	}
	go func() {
		_ = client.Run(ctx, func(msg feed.Message) {
			if msg.Reset {
				session.Reset()
				return
			}
			session.Observe(msg.Observation.Destination, msg.Observation.ToTrace())
		})
	}()

	// HTTP surface
	handler := api.NewHandler(session, events, log)
	handler.FeedConnected = feedUp.Load

	server := &http.Server{
		Addr: cfg.API.Listen,
		Handler: api.Chain(handler.Routes(),
			api.Recover(log),
			api.CORS,
			api.Logging(log),
		),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout; /events streams for the life of the client
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("api listening", zap.String("addr", cfg.API.Listen))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown failed", zap.Error(err))
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
