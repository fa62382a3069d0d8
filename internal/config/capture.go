package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// CaptureConfig configures a capture agent. Agents run on embedded boxes
// next to the sensor, so they take a YAML file (path in EYED_CAPTURE_CONFIG
// or passed explicitly) with environment overrides on top.
type CaptureConfig struct {
	GatewayAddr string `yaml:"gateway_addr"`
	DeviceID    string `yaml:"device_id"`

	// Source selects the frame producer: "camera" shells out to ffmpeg
	// against a V4L2 device, "directory" replays stills from ImageDir.
	Source       string `yaml:"source"`
	CameraDevice string `yaml:"camera_device"`
	ImageDir     string `yaml:"image_dir"`

	EyeSide string `yaml:"eye_side"`
	IsNIR   bool   `yaml:"is_nir"`

	FPS              float64 `yaml:"fps"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	JPEGQuality      int     `yaml:"jpeg_quality"`

	// RingCapacity must be a power of two; the ring drops the incoming
	// frame when full.
	RingCapacity int `yaml:"ring_capacity"`

	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	LogLevel string `yaml:"log_level"`
}

func defaultCapture() *CaptureConfig {
	return &CaptureConfig{
		GatewayAddr:      "localhost:50051",
		DeviceID:         "",
		Source:           "directory",
		CameraDevice:     "/dev/video0",
		ImageDir:         "",
		EyeSide:          "unknown",
		IsNIR:            false,
		FPS:              10,
		QualityThreshold: 0.30,
		JPEGQuality:      85,
		RingCapacity:     4,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		StatsInterval:    10 * time.Second,
		LogLevel:         "info",
	}
}

// LoadCapture builds the agent config: defaults, then the YAML file at path
// (or CAPTURE_CONFIG / EYED_CAPTURE_CONFIG when path is empty), then
// environment overrides.
func LoadCapture(path string) (*CaptureConfig, error) {
	LoadDotEnv()
	cfg := defaultCapture()

	if path == "" {
		path = os.Getenv("CAPTURE_CONFIG")
	}
	if path == "" {
		path = os.Getenv("EYED_CAPTURE_CONFIG")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open capture config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse capture config: %w", err)
		}
	}

	cfg.GatewayAddr = envOr("EYED_GATEWAY_ADDR", cfg.GatewayAddr)
	cfg.DeviceID = envOr("EYED_DEVICE_ID", cfg.DeviceID)
	cfg.Source = envOr("EYED_CAMERA_SOURCE", cfg.Source)
	cfg.CameraDevice = envOr("EYED_CAMERA_DEVICE", cfg.CameraDevice)
	cfg.ImageDir = envOr("EYED_IMAGE_DIR", cfg.ImageDir)
	cfg.EyeSide = envOr("EYED_EYE_SIDE", cfg.EyeSide)
	cfg.IsNIR = envBool("EYED_IS_NIR", cfg.IsNIR)
	cfg.FPS = envFloat("EYED_CAPTURE_FPS", cfg.FPS)
	cfg.QualityThreshold = envFloat("EYED_QUALITY_THRESHOLD", cfg.QualityThreshold)
	cfg.JPEGQuality = envInt("EYED_JPEG_QUALITY", cfg.JPEGQuality)
	cfg.RingCapacity = envInt("EYED_RING_CAPACITY", cfg.RingCapacity)
	cfg.ReconnectBase = envDuration("EYED_RECONNECT_BASE", cfg.ReconnectBase)
	cfg.ReconnectMax = envDuration("EYED_RECONNECT_MAX", cfg.ReconnectMax)
	cfg.StatsInterval = envDuration("EYED_STATS_INTERVAL", cfg.StatsInterval)
	cfg.LogLevel = envOr("EYED_LOG_LEVEL", cfg.LogLevel)

	if cfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "capture"
		}
		cfg.DeviceID = host
	}
	return cfg, nil
}
