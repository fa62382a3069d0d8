package config

// KeyServiceConfig configures the key-holding service. It is the only
// process that ever loads the HE secret key.
type KeyServiceConfig struct {
	NATSURL  string
	HTTPPort string
	KeyDir   string
	LogLevel string
}

// LoadKeyService reads key-service configuration from the environment.
func LoadKeyService() *KeyServiceConfig {
	LoadDotEnv()
	return &KeyServiceConfig{
		NATSURL:  envOr("EYED_NATS_URL", "nats://nats:4222"),
		HTTPPort: envOr("EYED_KEY_HTTP_PORT", "7100"),
		KeyDir:   envOr("EYED_HE_KEY_DIR", "/keys"),
		LogLevel: envOr("EYED_LOG_LEVEL", "info"),
	}
}
