// Command engine runs the matching core: it consumes analyze and enroll
// requests from the bus, drives the pipeline pool, matches against the
// in-memory gallery, and persists enrollments through the write-through
// cache. DB, Redis, template encryption, and homomorphic matching are all
// optional and selected by configuration.
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

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/cache"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/drain"
	"github.com/hasbegun/eyed/internal/engine"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/he"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/pipeline"
	"github.com/hasbegun/eyed/internal/store"
)

func main() {
	cfg := config.LoadEngine()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	bc, err := bus.Connect(cfg.NATSURL, "eyed-engine", logger)
	if err != nil {
		log.Fatalf("NATS connect failed: %v", err)
	}
	defer bc.Close()

	met := metrics.NewEngine()

	pool, err := pipeline.NewPool(cfg.PipelinePoolSize, pipeline.TextureFactory, logger)
	if err != nil {
		log.Fatalf("pipeline pool init failed: %v", err)
	}

	deps := engine.Deps{
		Bus:      bc,
		Pool:     pool,
		Gallery:  gallery.New(cfg.MatchThreshold, cfg.DedupThreshold, cfg.RotationShift),
		Datasets: engine.NewDatasets(cfg.DataRoot, cfg.ExtraDataDirs, logger),
		Logger:   logger,
		Metrics:  met,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *store.Postgres
	if cfg.InMemory() {
		logger.Warn("no database configured, templates live in memory only")
	} else {
		db, err = store.Open(cfg.DBURL, cfg.DBPoolMin, cfg.DBPoolMax, logger)
		if err != nil {
			log.Fatalf("database open failed: %v", err)
		}
		defer db.Close()
		schemaCtx, done := context.WithTimeout(ctx, 30*time.Second)
		err = db.EnsureSchema(schemaCtx)
		done()
		if err != nil {
			log.Fatalf("schema init failed: %v", err)
		}
		deps.DB = db
		deps.MatchLog = store.NewMatchLogWriter(db, logger)
	}

	var drainer *drain.Drainer
	if cfg.RedisURL != "" {
		queue, err := cache.NewQueue(cfg.RedisURL, logger)
		if err != nil {
			log.Fatalf("redis init failed: %v", err)
		}
		defer queue.Close()

		// A nil *store.Postgres must not end up inside the interface,
		// or the cache would call through it.
		var fallback cache.Fallback
		if db != nil {
			fallback = db
		}
		deps.Queue = queue
		deps.Cache = cache.New(queue, fallback, logger)

		if db != nil {
			drainer = drain.New(queue, db, drain.Config{
				BatchSize: cfg.BatchDBSize,
				Interval:  cfg.BatchDBInterval,
				Metrics:   met,
			}, logger)
		}
	}

	if cfg.EncryptionKey != "" || cfg.EncryptionPassphrase != "" {
		cipher, err := blobformat.NewCipher(cfg.EncryptionKey, cfg.EncryptionPassphrase)
		if err != nil {
			log.Fatalf("template cipher init failed: %v", err)
		}
		deps.Cipher = cipher
		logger.Info("template encryption at rest enabled")
	}

	if cfg.HEEnabled {
		pub, err := he.NewPublicContext(cfg.HEKeyDir)
		if err != nil {
			log.Fatalf("HE public context load failed: %v", err)
		}
		deps.HE = engine.NewHEMatcher(pub, bc, cfg.MatchThreshold, logger, met)
		logger.Info("homomorphic matching enabled", "key_dir", cfg.HEKeyDir)
	}

	eng := engine.New(cfg, deps)
	if err := eng.Register(); err != nil {
		log.Fatalf("bus subscriptions failed: %v", err)
	}
	if db != nil {
		loadCtx, done := context.WithTimeout(ctx, 30*time.Second)
		if err := eng.ReloadGallery(loadCtx); err != nil {
			logger.Error("initial gallery load failed", "error", err)
		}
		done()
	}

	if deps.MatchLog != nil {
		deps.MatchLog.Start()
	}
	if drainer != nil {
		drainer.Start()
	}

	runDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(runDone)
	}()

	r := mux.NewRouter()
	r.HandleFunc("/health/alive", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"alive": true})
	}).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		h := eng.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
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

		// Let in-flight analyze jobs finish before flushing the queues.
		select {
		case <-runDone:
		case <-time.After(30 * time.Second):
			logger.Warn("engine workers did not drain in time")
		}
		if drainer != nil {
			flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := drainer.Stop(flushCtx); err != nil {
				logger.Warn("final drain flush incomplete", "error", err)
			}
			done()
		}
		if deps.MatchLog != nil {
			flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			deps.MatchLog.Stop(flushCtx)
			done()
		}
		shutdownCtx, release := context.WithTimeout(context.Background(), 30*time.Second)
		defer release()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
	}()

	logger.Info("engine up",
		"node_id", eng.NodeID(),
		"http_port", cfg.HTTPPort,
		"pool_size", cfg.PipelinePoolSize,
		"in_memory", cfg.InMemory(),
		"he_enabled", cfg.HEEnabled,
		"version", config.Version)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	logger.Info("engine stopped")
}
