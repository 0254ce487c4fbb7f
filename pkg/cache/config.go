package cache

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ManagerConfig controls manager-level behavior. Zero values fall back to
// the documented defaults when the manager is constructed.
type ManagerConfig struct {
	// DefaultTTL is applied to writes that do not specify their own TTL.
	DefaultTTL time.Duration `env:"VOICECACHE_DEFAULT_TTL" envDefault:"720h"`
	// OperationTimeout bounds each durable-backend call. A timeout is
	// treated identically to a backend failure.
	OperationTimeout time.Duration `env:"VOICECACHE_OPERATION_TIMEOUT" envDefault:"2s"`
	// RepromoteInterval enables periodic re-probing of a demoted backend
	// when greater than zero. When zero the manager keeps the original
	// behavior: once demoted, only a restart promotes a durable tier again.
	RepromoteInterval time.Duration `env:"VOICECACHE_REPROMOTE_INTERVAL" envDefault:"0"`
	// RepromoteAfter is the number of consecutive successful probes
	// required before promoting back, to avoid flapping.
	RepromoteAfter int `env:"VOICECACHE_REPROMOTE_AFTER" envDefault:"3"`
	// VolatileMaxEntries caps the fallback map, evicting the oldest entry
	// once full. Zero means unbounded.
	VolatileMaxEntries int `env:"VOICECACHE_VOLATILE_MAX_ENTRIES" envDefault:"0"`
}

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Addr         string        `env:"ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB" envDefault:"0"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"speaker_embedding:"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"2s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"2s"`
}

// FirestoreConfig holds the settings for the Firestore backend. An empty
// ProjectID disables the backend.
type FirestoreConfig struct {
	ProjectID  string `env:"PROJECT_ID"`
	Collection string `env:"COLLECTION" envDefault:"speaker_embeddings"`
}

// Config is the full tiered-cache configuration, typically parsed from the
// environment via LoadConfig.
type Config struct {
	ManagerConfig

	// PrimaryBackend selects the preferred durable store, "redis" or
	// "firestore". The other durable store becomes the secondary tier.
	PrimaryBackend string `env:"VOICECACHE_PRIMARY_BACKEND" envDefault:"redis"`

	Redis     RedisConfig     `envPrefix:"VOICECACHE_REDIS_"`
	Firestore FirestoreConfig `envPrefix:"VOICECACHE_FIRESTORE_"`
}

// LoadConfig parses the configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the cache cannot run with.
func (c *Config) Validate() error {
	switch c.PrimaryBackend {
	case LabelRedis, LabelFirestore:
	default:
		return fmt.Errorf("unsupported primary backend %q (want %q or %q)", c.PrimaryBackend, LabelRedis, LabelFirestore)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default TTL must not be negative, got %s", c.DefaultTTL)
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("operation timeout must not be negative, got %s", c.OperationTimeout)
	}
	if c.RepromoteInterval > 0 && c.RepromoteAfter <= 0 {
		return fmt.Errorf("repromote-after must be positive when re-promotion is enabled, got %d", c.RepromoteAfter)
	}
	return nil
}
