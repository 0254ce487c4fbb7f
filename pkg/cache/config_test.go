package cache_test

import (
	"testing"
	"time"

	"github.com/stillhaven/go-voicecache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := cache.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, cache.LabelRedis, cfg.PrimaryBackend)
	assert.Equal(t, 720*time.Hour, cfg.DefaultTTL, "default TTL should be thirty days")
	assert.Equal(t, 2*time.Second, cfg.OperationTimeout)
	assert.Zero(t, cfg.RepromoteInterval, "re-promotion should be off by default")

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "speaker_embedding:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "speaker_embeddings", cfg.Firestore.Collection)
	assert.Empty(t, cfg.Firestore.ProjectID, "firestore should be disabled without a project")
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("VOICECACHE_PRIMARY_BACKEND", "firestore")
	t.Setenv("VOICECACHE_DEFAULT_TTL", "48h")
	t.Setenv("VOICECACHE_REPROMOTE_INTERVAL", "30s")
	t.Setenv("VOICECACHE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("VOICECACHE_REDIS_DB", "3")
	t.Setenv("VOICECACHE_FIRESTORE_PROJECT_ID", "voice-prod")

	cfg, err := cache.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, cache.LabelFirestore, cfg.PrimaryBackend)
	assert.Equal(t, 48*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.RepromoteInterval)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "voice-prod", cfg.Firestore.ProjectID)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("VOICECACHE_PRIMARY_BACKEND", "memcached")

	_, err := cache.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memcached")
}

func TestConfigValidate(t *testing.T) {
	t.Run("Re-promotion needs a positive success threshold", func(t *testing.T) {
		cfg := &cache.Config{PrimaryBackend: cache.LabelRedis}
		cfg.RepromoteInterval = time.Minute
		cfg.RepromoteAfter = 0

		require.Error(t, cfg.Validate())
	})

	t.Run("Negative TTL is rejected", func(t *testing.T) {
		cfg := &cache.Config{PrimaryBackend: cache.LabelRedis}
		cfg.DefaultTTL = -time.Hour

		require.Error(t, cfg.Validate())
	})
}
