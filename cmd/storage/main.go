// Command storage archives every analyzed frame published on eyed.archive
// and enforces the raw-image retention window.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hasbegun/eyed/internal/archive"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/objstore"
	"github.com/hasbegun/eyed/internal/retention"
)

func main() {
	cfg := config.LoadStorage()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, err := objstore.NewLocal(cfg.Root)
	if err != nil {
		log.Fatalf("archive root unusable: %v", err)
	}

	bc, err := bus.Connect(cfg.NATSURL, "eyed-storage", logger)
	if err != nil {
		log.Fatalf("NATS connect failed: %v", err)
	}
	defer bc.Close()

	met := metrics.NewStorage()
	handler := archive.NewHandler(store, logger, met)

	// Queue group so storage replicas share the stream instead of each
	// writing its own copy.
	if _, err := bc.QueueSubscribe(bus.SubjectArchive, "storage", handler.HandleMessage); err != nil {
		log.Fatalf("subscribe %s failed: %v", bus.SubjectArchive, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go retention.NewPurger(cfg.Root, cfg.RetentionDays, logger, met).Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/health/alive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"alive": true})
	}).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		archived, errCount := handler.Stats()
		ready := bc.IsConnected()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"alive":          true,
			"ready":          ready,
			"nats_connected": bc.IsConnected(),
			"archived":       archived,
			"errors":         errCount,
			"version":        config.Version,
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, release := context.WithTimeout(context.Background(), 30*time.Second)
		defer release()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
	}()

	logger.Info("storage up",
		"http_port", cfg.HTTPPort,
		"root", cfg.Root,
		"retention_days", cfg.RetentionDays,
		"version", config.Version)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	logger.Info("storage stopped")
}
