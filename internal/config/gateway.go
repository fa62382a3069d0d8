package config

import "time"

// GatewayConfig configures the edge gateway: the gRPC capture ingest, the
// HTTP/WebSocket surface, and the NATS hop to the engine.
type GatewayConfig struct {
	NATSURL  string
	GRPCPort string
	HTTPPort string
	LogLevel string

	// AnalyzeTimeout bounds one analyze round trip over the bus.
	AnalyzeTimeout time.Duration
	// EnrollTimeout bounds one single-shot enrollment round trip.
	EnrollTimeout time.Duration
	// AdminTimeout bounds gallery/dataset/db relay calls.
	AdminTimeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// engine circuit; BreakerCooldown is how long it stays open before a
	// probe is admitted.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() *GatewayConfig {
	LoadDotEnv()
	return &GatewayConfig{
		NATSURL:          envOr("EYED_NATS_URL", "nats://nats:4222"),
		GRPCPort:         envOr("EYED_GRPC_PORT", "50051"),
		HTTPPort:         envOr("EYED_HTTP_PORT", "8080"),
		LogLevel:         envOr("EYED_LOG_LEVEL", "info"),
		AnalyzeTimeout:   envDuration("EYED_ANALYZE_TIMEOUT", 5*time.Second),
		EnrollTimeout:    envDuration("EYED_ENROLL_TIMEOUT", 10*time.Second),
		AdminTimeout:     envDuration("EYED_ADMIN_TIMEOUT", 10*time.Second),
		BreakerThreshold: envInt("EYED_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDuration("EYED_BREAKER_COOLDOWN", 30*time.Second),
	}
}
