// Command gateway is the front door of the platform: capture agents submit
// frames over gRPC, browsers and tools use the REST/WebSocket surface, and
// everything behind it rides the NATS bus.
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/hasbegun/eyed/internal/breaker"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/gateway"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/ws"
	eyedpb "github.com/hasbegun/eyed/proto/eyed"
)

func main() {
	cfg := config.LoadGateway()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	bc, err := bus.Connect(cfg.NATSURL, "eyed-gateway", logger)
	if err != nil {
		log.Fatalf("NATS connect failed: %v", err)
	}
	defer bc.Close()

	met := metrics.NewGateway()
	brk := breaker.New(&breaker.Config{
		Name:             "publish",
		FailureThreshold: uint32(cfg.BreakerThreshold),
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			met.BreakerState.Set(breakerGauge(to))
			if to == breaker.StateOpen {
				met.BreakerTrips.Inc()
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trk := gateway.NewAckTracker(cfg.AnalyzeTimeout, logger)
	go trk.Run(ctx)

	hub := ws.NewHub(logger, met)
	sig := ws.NewSignalingHub(logger)

	fanout := gateway.NewResultFanout(hub, trk, logger, met)
	if _, err := bc.Subscribe(bus.SubjectResult, fanout.HandleMessage); err != nil {
		log.Fatalf("subscribe %s failed: %v", bus.SubjectResult, err)
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("gRPC listen on :%s failed: %v", cfg.GRPCPort, err)
	}
	grpcSrv := grpc.NewServer()
	eyedpb.RegisterCaptureServiceServer(grpcSrv, gateway.NewGRPCServer(bc, brk, trk, logger, met))
	go func() {
		logger.Info("gRPC capture endpoint up", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	rest := gateway.NewRESTServer(cfg, bc, brk, hub, sig, logger, met)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      rest.Router(),
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
		grpcSrv.GracefulStop()
		shutdownCtx, release := context.WithTimeout(context.Background(), 30*time.Second)
		defer release()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
	}()

	logger.Info("gateway up",
		"http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort, "version", config.Version)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	logger.Info("gateway stopped")
}

// breakerGauge maps states onto the 0/1/2 scale the metric documents.
func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
