// Command keyservice is the only process holding the BFV secret key. It
// answers decrypt requests over the bus and never ships key material in a
// reply. Missing keys are generated on first start; a corrupt or partial
// key set is fatal.
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

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/he"
	"github.com/hasbegun/eyed/internal/keyservice"
)

func main() {
	cfg := config.LoadKeyService()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if !he.KeysExist(cfg.KeyDir) {
		logger.Info("no key set found, generating", "key_dir", cfg.KeyDir)
		start := time.Now()
		if err := he.Generate(cfg.KeyDir); err != nil {
			log.Fatalf("key generation failed: %v", err)
		}
		logger.Info("key set generated", "elapsed", time.Since(start).Round(time.Millisecond))
	}
	sec, err := he.NewSecretContext(cfg.KeyDir)
	if err != nil {
		log.Fatalf("key set unusable: %v", err)
	}
	logger.Info("secret context loaded",
		"key_dir", cfg.KeyDir, "ring_dimension", sec.RingDimension())

	// The key service usually starts alongside the NATS container, so it
	// retries for a minute before giving up.
	bc, err := bus.ConnectRetry(cfg.NATSURL, "eyed-keyservice", 30, 2*time.Second, logger)
	if err != nil {
		log.Fatalf("NATS connect failed: %v", err)
	}
	defer bc.Close()

	svc := keyservice.NewService(bc, sec, logger)
	if err := svc.Register(); err != nil {
		log.Fatalf("bus subscriptions failed: %v", err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health/alive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"alive": true})
	}).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		batches, errCount := svc.Stats()
		ready := bc.IsConnected()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"alive":          true,
			"ready":          ready,
			"nats_connected": bc.IsConnected(),
			"ring_dimension": sec.RingDimension(),
			"batches":        batches,
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
		shutdownCtx, release := context.WithTimeout(context.Background(), 30*time.Second)
		defer release()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
	}()

	logger.Info("key service up", "http_port", cfg.HTTPPort, "version", config.Version)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	logger.Info("key service stopped")
}
