// Command capture runs on the box next to the iris sensor: it pulls frames
// from a camera (ffmpeg MJPEG) or a directory replay, gates them on focus
// quality, and streams the survivors to the gateway over gRPC.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hasbegun/eyed/internal/capture"
	"github.com/hasbegun/eyed/internal/config"
)

func main() {
	configPath := flag.String("config", "", "capture config YAML (default $CAPTURE_CONFIG)")
	flag.Parse()

	cfg, err := config.LoadCapture(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	})).With("device_id", cfg.DeviceID)
	slog.SetDefault(logger)

	var src capture.Source
	switch cfg.Source {
	case "camera":
		src, err = capture.NewFFmpegSource(cfg.CameraDevice, cfg.FPS, logger)
	case "directory":
		src, err = capture.NewDirectorySource(cfg.ImageDir, cfg.FPS, logger)
	default:
		log.Fatalf("unknown source %q (want camera or directory)", cfg.Source)
	}
	if err != nil {
		log.Fatalf("source init failed: %v", err)
	}
	defer src.Close()

	agent, err := capture.NewAgent(cfg, src, logger)
	if err != nil {
		log.Fatalf("agent init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("capture agent up",
		"gateway", cfg.GatewayAddr,
		"source", cfg.Source,
		"eye_side", cfg.EyeSide,
		"fps", cfg.FPS,
		"quality_threshold", cfg.QualityThreshold)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("capture agent failed: %v", err)
	}

	stats := agent.Stats()
	logger.Info("capture agent stopped",
		"produced", stats.Produced,
		"sent", stats.Sent,
		"dropped_quality", stats.DroppedQuality,
		"dropped_ring", stats.DroppedRing,
		"rejected", stats.Rejected,
		"reconnects", stats.Reconnects)
}
