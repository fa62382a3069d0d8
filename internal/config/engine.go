package config

import (
	"strings"
	"time"
)

// EngineConfig configures the recognition engine: matching thresholds, the
// pipeline pool, durability (Postgres + Redis), encrypted matching, and the
// dataset roots used by bulk enrollment.
type EngineConfig struct {
	NATSURL  string
	HTTPPort string
	LogLevel string
	NodeID   string

	// Runtime selects the pipeline backend; "auto" picks the best one
	// available on the host.
	Runtime string

	// DBURL empty means in-memory mode: no durability, gallery lives only
	// in RAM. DBPasswordFile points at a docker secret substituted into
	// the __DB_PASSWORD__ placeholder.
	DBURL          string
	DBPasswordFile string
	DBPoolMin      int
	DBPoolMax      int

	// RedisURL empty disables the cache tier; reads fall through to SQL.
	RedisURL string

	MatchThreshold float64
	DedupThreshold float64
	RotationShift  int

	PipelinePoolSize int
	BatchWorkers     int

	// BatchDBSize/BatchDBInterval shape the write-behind drainer: flush at
	// size B or age T, whichever first.
	BatchDBSize     int
	BatchDBInterval time.Duration

	// HE settings. Keys are loaded (or generated) from HEKeyDir by the key
	// service; the engine only ever sees the public and evaluation keys.
	HEEnabled bool
	HEKeyDir  string

	// Template-at-rest encryption. Key wins over passphrase when both are
	// set; both empty leaves templates in plaintext NPZ.
	EncryptionKey        string
	EncryptionPassphrase string

	// DataRoot plus ExtraDataDirs are scanned for enrollment datasets.
	DataRoot      string
	ExtraDataDirs []string
}

// LoadEngine reads engine configuration from the environment.
func LoadEngine() *EngineConfig {
	LoadDotEnv()
	cfg := &EngineConfig{
		NATSURL:              envOr("EYED_NATS_URL", "nats://nats:4222"),
		HTTPPort:             envOr("EYED_ENGINE_HTTP_PORT", "7000"),
		LogLevel:             envOr("EYED_LOG_LEVEL", "info"),
		NodeID:               envOr("EYED_NODE_ID", ""),
		Runtime:              envOr("EYED_RUNTIME", "auto"),
		DBURL:                envOr("EYED_DB_URL", ""),
		DBPasswordFile:       envOr("EYED_DB_PASSWORD_FILE", ""),
		DBPoolMin:            envInt("EYED_DB_POOL_MIN", 2),
		DBPoolMax:            envInt("EYED_DB_POOL_MAX", 5),
		RedisURL:             envOr("EYED_REDIS_URL", ""),
		MatchThreshold:       envFloat("EYED_MATCH_THRESHOLD", 0.39),
		DedupThreshold:       envFloat("EYED_DEDUP_THRESHOLD", 0.32),
		RotationShift:        envInt("EYED_ROTATION_SHIFT", 15),
		PipelinePoolSize:     envInt("EYED_PIPELINE_POOL_SIZE", 3),
		BatchWorkers:         envInt("EYED_BATCH_WORKERS", 3),
		BatchDBSize:          envInt("EYED_BATCH_DB_SIZE", 50),
		BatchDBInterval:      envDuration("EYED_BATCH_DB_INTERVAL", time.Second),
		HEEnabled:            envBool("EYED_HE_ENABLED", false),
		HEKeyDir:             envOr("EYED_HE_KEY_DIR", "/keys"),
		EncryptionKey:        envOr("EYED_ENCRYPTION_KEY", ""),
		EncryptionPassphrase: envOr("EYED_ENCRYPTION_PASSPHRASE", ""),
		DataRoot:             envOr("EYED_DATA_ROOT", "/data/Iris"),
	}
	cfg.DBURL = resolveSecret(cfg.DBURL, cfg.DBPasswordFile)
	if extra := envOr("EYED_EXTRA_DATA_DIRS", ""); extra != "" {
		for _, dir := range strings.Split(extra, ",") {
			if dir = strings.TrimSpace(dir); dir != "" {
				cfg.ExtraDataDirs = append(cfg.ExtraDataDirs, dir)
			}
		}
	}
	return cfg
}

// InMemory reports whether the engine runs without SQL durability.
func (c *EngineConfig) InMemory() bool { return c.DBURL == "" }
