package config

// StorageConfig configures the archive service: where raw frames land and
// how long they are kept.
type StorageConfig struct {
	NATSURL  string
	HTTPPort string
	Root     string
	LogLevel string

	// RetentionDays bounds the age of raw archive folders; the purger
	// removes older day-directories once per day. Zero disables purging.
	RetentionDays int
}

// LoadStorage reads storage-service configuration from the environment.
func LoadStorage() *StorageConfig {
	LoadDotEnv()
	return &StorageConfig{
		NATSURL:       envOr("EYED_NATS_URL", "nats://nats:4222"),
		HTTPPort:      envOr("EYED_STORAGE_HTTP_PORT", "7200"),
		Root:          envOr("EYED_ARCHIVE_ROOT", "/data/archive"),
		LogLevel:      envOr("EYED_LOG_LEVEL", "info"),
		RetentionDays: envInt("EYED_RETENTION_DAYS", 730),
	}
}
