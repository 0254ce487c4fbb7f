// Package cache provides the tiered speaker-embedding cache: two durable
// backend adapters, a volatile in-process fallback, and the manager that
// routes between them.
package cache

import (
	"context"
	"io"
	"time"

	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// Tier labels reported by Backend.Label and CacheInfo.ActiveBackend.
const (
	LabelRedis     = "redis"
	LabelFirestore = "firestore"
	LabelVolatile  = "volatile"
)

// Connection status values reported by CacheInfo.Status.
const (
	StatusConnected    = "connected"
	StatusFallbackOnly = "fallback_only"
)

// Backend is the capability set every durable store adapter provides. The
// manager treats both durable stores uniformly through this contract: expired
// entries read as absent regardless of when the backend physically removes
// them, and every write is an upsert keyed by the user.
type Backend interface {
	// Connect establishes connectivity and ensures any expiration-support
	// structures exist. It never returns an error; a failure is logged and
	// reported as false.
	Connect(ctx context.Context) bool
	// Healthy returns the last-known connectivity state without re-probing.
	Healthy() bool
	// Ping re-probes connectivity and updates the health state.
	Ping(ctx context.Context) error
	// Label identifies the adapter in diagnostics and metrics.
	Label() string
	// Set upserts the embedding for userKey, resetting its TTL.
	Set(ctx context.Context, userKey string, vec embedding.Vector, ttl time.Duration) error
	// Fetch returns the stored embedding, or (nil, nil) when the key is
	// absent or expired. A payload that fails to decode is removed and
	// reported via an error wrapping embedding.ErrCorruptPayload.
	Fetch(ctx context.Context, userKey string) (embedding.Vector, error)
	// Delete removes the entry, reporting whether one existed.
	Delete(ctx context.Context, userKey string) (bool, error)
	// Exists reports whether a live (non-expired) entry exists.
	Exists(ctx context.Context, userKey string) (bool, error)
	// SweepExpired eagerly purges expired entries, returning the number
	// removed. Backends with native TTL expiry return 0.
	SweepExpired(ctx context.Context) (int, error)
	// Info returns a diagnostic snapshot of the backend.
	Info(ctx context.Context) (BackendInfo, error)
	io.Closer
}

// BackendInfo is a point-in-time diagnostic snapshot of a single backend.
type BackendInfo struct {
	Label   string
	Healthy bool
	Entries int64
	// Details carries backend-specific fields, such as Redis memory usage.
	Details map[string]string
}
