package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// RedisBackend stores embeddings as binary payloads under a prefixed key,
// relying on Redis' native per-key TTL for expiration. Because the server
// removes expired keys itself, SweepExpired has nothing to do and returns 0.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	logger    zerolog.Logger
	healthy   atomic.Bool
}

// NewRedisBackend creates the backend without contacting the server.
// Connectivity is established by Connect, so an unreachable Redis at startup
// degrades instead of failing construction.
func NewRedisBackend(cfg *RedisConfig, logger zerolog.Logger) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisBackend{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With().Str("component", "RedisBackend").Logger(),
	}
}

// Connect pings the server. Redis expires prefixed keys natively, so no
// additional expiration structures are needed.
func (b *RedisBackend) Connect(ctx context.Context) bool {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.healthy.Store(false)
		b.logger.Warn().Err(err).Msg("Failed to connect to Redis.")
		return false
	}
	b.healthy.Store(true)
	b.logger.Info().Str("redis_address", b.client.Options().Addr).Msg("Successfully connected to Redis.")
	return true
}

// Healthy returns the last-known connectivity state.
func (b *RedisBackend) Healthy() bool {
	return b.healthy.Load()
}

// Ping re-probes the server and updates the health state.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.healthy.Store(false)
		return classifyBackendErr(LabelRedis, err)
	}
	b.healthy.Store(true)
	return nil
}

// Label identifies this adapter in diagnostics and metrics.
func (b *RedisBackend) Label() string {
	return LabelRedis
}

// Set upserts the embedding under the prefixed key with the given TTL. A
// repeated Set for the same key overwrites the payload and resets the TTL.
func (b *RedisBackend) Set(ctx context.Context, userKey string, vec embedding.Vector, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(userKey), embedding.Encode(vec), ttl).Err(); err != nil {
		b.healthy.Store(false)
		return classifyBackendErr(LabelRedis, err)
	}
	b.healthy.Store(true)
	return nil
}

// Fetch retrieves and decodes the embedding for userKey. A missing or
// expired key returns (nil, nil). A payload that fails to decode is deleted
// so the caller can recompute it, and the decode error is returned.
func (b *RedisBackend) Fetch(ctx context.Context, userKey string) (embedding.Vector, error) {
	payload, err := b.client.Get(ctx, b.key(userKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			b.healthy.Store(true)
			return nil, nil
		}
		b.healthy.Store(false)
		return nil, classifyBackendErr(LabelRedis, err)
	}
	b.healthy.Store(true)

	vec, err := embedding.Decode(payload)
	if err != nil {
		corruptPayloads.WithLabelValues(LabelRedis).Inc()
		b.logger.Warn().Err(err).Str("user_key", userKey).Msg("Removing embedding that failed to decode.")
		if delErr := b.client.Del(ctx, b.key(userKey)).Err(); delErr != nil {
			b.logger.Error().Err(delErr).Str("user_key", userKey).Msg("Failed to remove corrupt embedding.")
		}
		return nil, err
	}
	return vec, nil
}

// Delete removes the entry, reporting whether one existed.
func (b *RedisBackend) Delete(ctx context.Context, userKey string) (bool, error) {
	removed, err := b.client.Del(ctx, b.key(userKey)).Result()
	if err != nil {
		b.healthy.Store(false)
		return false, classifyBackendErr(LabelRedis, err)
	}
	b.healthy.Store(true)
	return removed > 0, nil
}

// Exists reports whether a live entry exists for userKey. Redis removes
// expired keys itself, so presence implies the TTL has not elapsed.
func (b *RedisBackend) Exists(ctx context.Context, userKey string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(userKey)).Result()
	if err != nil {
		b.healthy.Store(false)
		return false, classifyBackendErr(LabelRedis, err)
	}
	b.healthy.Store(true)
	return n > 0, nil
}

// SweepExpired is a no-op: Redis expires keys natively.
func (b *RedisBackend) SweepExpired(_ context.Context) (int, error) {
	return 0, nil
}

// Info counts the prefixed keys and attaches server details from INFO when
// available.
func (b *RedisBackend) Info(ctx context.Context) (BackendInfo, error) {
	info := BackendInfo{Label: LabelRedis, Healthy: b.healthy.Load()}

	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.keyPrefix+"*", 100).Result()
		if err != nil {
			b.healthy.Store(false)
			return info, classifyBackendErr(LabelRedis, err)
		}
		info.Entries += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	b.healthy.Store(true)
	info.Healthy = true

	// INFO output varies between servers; missing fields are not an error.
	if raw, err := b.client.Info(ctx).Result(); err == nil {
		details := make(map[string]string)
		for _, field := range []string{"used_memory_human", "connected_clients"} {
			if value := redisInfoField(raw, field); value != "" {
				details[field] = value
			}
		}
		if len(details) > 0 {
			info.Details = details
		}
	}
	return info, nil
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *RedisBackend) key(userKey string) string {
	return b.keyPrefix + userKey
}

// redisInfoField extracts a single "field:value" line from INFO output.
func redisInfoField(raw, field string) string {
	for _, line := range strings.Split(raw, "\n") {
		if rest, ok := strings.CutPrefix(line, field+":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
