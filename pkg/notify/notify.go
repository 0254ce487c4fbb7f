// Package notify fans cache invalidations out to other replicas over
// Pub/Sub. Each replica's durable tiers are shared, but the volatile
// fallback tier is process-local: when one replica deletes a user's
// embedding, the others must drop any volatile copy they still hold.
package notify

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// OpInvalidate asks replicas to drop their volatile copy of a user's entry.
const OpInvalidate = "invalidate"

// originAttribute carries the publishing replica's ID so replicas can
// ignore their own events.
const originAttribute = "origin_replica"

// InvalidationEvent is the wire payload for a cache invalidation.
type InvalidationEvent struct {
	UserKey string    `json:"userKey"`
	Op      string    `json:"op"`
	At      time.Time `json:"at"`
}

// Config holds configuration for the invalidation fan-out.
type Config struct {
	// ProjectID selects the GCP project. Empty disables the fan-out.
	ProjectID      string `env:"VOICECACHE_NOTIFY_PROJECT_ID"`
	TopicID        string `env:"VOICECACHE_NOTIFY_TOPIC_ID" envDefault:"voicecache-invalidation"`
	SubscriptionID string `env:"VOICECACHE_NOTIFY_SUBSCRIPTION_ID"`
	// ReplicaID identifies this process in event attributes. Generated when
	// empty; set it explicitly only when replicas have stable identities.
	ReplicaID              string `env:"VOICECACHE_NOTIFY_REPLICA_ID"`
	MaxOutstandingMessages int    `env:"VOICECACHE_NOTIFY_MAX_OUTSTANDING" envDefault:"100"`
	NumGoroutines          int    `env:"VOICECACHE_NOTIFY_NUM_GOROUTINES" envDefault:"2"`
}

// LoadConfig parses the fan-out configuration from the environment and
// assigns a fresh replica ID if none is set.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse notify configuration: %w", err)
	}
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}
	return &cfg, nil
}
