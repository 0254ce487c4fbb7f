// Package enroll wires the voice-enrollment workflow onto the embedding
// cache: it resolves a user's voice sample, computes the speaker embedding,
// and stores it with a TTL appropriate to the user's tier. It is also the
// strict consumer surface synthesis callers use to fetch an embedding they
// cannot proceed without.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/stillhaven/go-voicecache/pkg/cache"
	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// User tiers recognized by the TTL policy.
const (
	TierPremium = "premium"
	TierFree    = "free"
)

// EmbeddingSource computes a speaker embedding from a stored voice sample.
// The conditioning model behind it is external to this module.
type EmbeddingSource interface {
	ComputeEmbedding(ctx context.Context, samplePath string) (embedding.Vector, error)
}

// ProfileDirectory resolves a user's enrollment profile from the user store.
type ProfileDirectory interface {
	// VoiceSamplePath returns the reference to the user's enrollment audio.
	VoiceSamplePath(ctx context.Context, userID string) (string, error)
	// UserTier returns the user's subscription tier.
	UserTier(ctx context.Context, userID string) (string, error)
}

// EmbeddingCache is the slice of the cache manager the service uses.
type EmbeddingCache interface {
	SetEmbeddingTTL(ctx context.Context, userKey string, vec embedding.Vector, ttl time.Duration) bool
	RequireEmbedding(ctx context.Context, userKey string) (embedding.Vector, error)
	ExistsEmbedding(ctx context.Context, userKey string) bool
	DeleteEmbedding(ctx context.Context, userKey string) bool
	CleanupExpired(ctx context.Context) int
	Info() cache.CacheInfo
}

// InvalidationNotifier publishes a withdrawal to other replicas so their
// volatile tiers drop the stale copy.
type InvalidationNotifier interface {
	NotifyInvalidation(ctx context.Context, userKey string) error
}

// Config holds the tier-based TTL policy. Both tiers default to the cache's
// thirty-day TTL.
type Config struct {
	PremiumTTL time.Duration `env:"VOICECACHE_ENROLL_PREMIUM_TTL" envDefault:"720h"`
	FreeTTL    time.Duration `env:"VOICECACHE_ENROLL_FREE_TTL" envDefault:"720h"`
}

// LoadConfig parses the enrollment configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse enrollment configuration: %w", err)
	}
	return &cfg, nil
}

// EnrollResult reports where an enrollment landed.
type EnrollResult struct {
	UserID        string
	ActiveBackend string
	TTL           time.Duration
}

// StatusReport is the per-user cache-status snapshot.
type StatusReport struct {
	UserID          string
	Cached          bool
	ActiveBackend   string
	Status          string
	FallbackEntries int
}

// Service implements the enrollment operations against the cache.
type Service struct {
	premiumTTL time.Duration
	freeTTL    time.Duration
	cache      EmbeddingCache
	source     EmbeddingSource
	profiles   ProfileDirectory
	notifier   InvalidationNotifier
	logger     zerolog.Logger
}

// NewService creates the enrollment service. The notifier may be nil when
// running a single replica.
func NewService(
	cfg *Config,
	embeddings EmbeddingCache,
	source EmbeddingSource,
	profiles ProfileDirectory,
	notifier InvalidationNotifier,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("enrollment config cannot be nil")
	}
	if embeddings == nil {
		return nil, errors.New("embedding cache cannot be nil")
	}
	if source == nil {
		return nil, errors.New("embedding source cannot be nil")
	}
	if profiles == nil {
		return nil, errors.New("profile directory cannot be nil")
	}
	s := &Service{
		premiumTTL: cfg.PremiumTTL,
		freeTTL:    cfg.FreeTTL,
		cache:      embeddings,
		source:     source,
		profiles:   profiles,
		notifier:   notifier,
		logger:     logger.With().Str("component", "EnrollService").Logger(),
	}
	if s.premiumTTL <= 0 {
		s.premiumTTL = cache.DefaultTTL
	}
	if s.freeTTL <= 0 {
		s.freeTTL = cache.DefaultTTL
	}
	return s, nil
}

// EnrollVoice resolves the user's voice sample, computes the speaker
// embedding, and caches it under the user's key. Computing the embedding is
// the expensive step; once cached, synthesis requests reuse it until the TTL
// elapses or the user withdraws.
func (s *Service) EnrollVoice(ctx context.Context, userID string) (*EnrollResult, error) {
	samplePath, err := s.profiles.VoiceSamplePath(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voice sample for user %s: %w", userID, err)
	}

	vec, err := s.source.ComputeEmbedding(ctx, samplePath)
	if err != nil {
		return nil, fmt.Errorf("failed to compute speaker embedding for user %s: %w", userID, err)
	}

	ttl := s.ttlFor(ctx, userID)
	s.cache.SetEmbeddingTTL(ctx, userID, vec, ttl)

	info := s.cache.Info()
	s.logger.Info().
		Str("user_id", userID).
		Str("backend", info.ActiveBackend).
		Dur("ttl", ttl).
		Msg("Cached speaker embedding for user.")

	return &EnrollResult{UserID: userID, ActiveBackend: info.ActiveBackend, TTL: ttl}, nil
}

// SpeakerEmbedding returns the cached embedding for synthesis, failing with
// the cache's NotFoundError when the user has not enrolled. Callers that can
// proceed without personalization should use the non-strict cache read
// instead.
func (s *Service) SpeakerEmbedding(ctx context.Context, userID string) (embedding.Vector, error) {
	return s.cache.RequireEmbedding(ctx, userID)
}

// Status reports whether the user's embedding is cached and where the cache
// is currently serving from.
func (s *Service) Status(ctx context.Context, userID string) StatusReport {
	info := s.cache.Info()
	return StatusReport{
		UserID:          userID,
		Cached:          s.cache.ExistsEmbedding(ctx, userID),
		ActiveBackend:   info.ActiveBackend,
		Status:          info.Status,
		FallbackEntries: info.FallbackEntries,
	}
}

// Withdraw removes the user's embedding from every tier and tells other
// replicas to drop their volatile copies. It reports whether an entry
// existed.
func (s *Service) Withdraw(ctx context.Context, userID string) bool {
	deleted := s.cache.DeleteEmbedding(ctx, userID)
	if deleted && s.notifier != nil {
		if err := s.notifier.NotifyInvalidation(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to notify other replicas of the withdrawal.")
		}
	}
	if deleted {
		s.logger.Info().Str("user_id", userID).Msg("Withdrew cached speaker embedding.")
	}
	return deleted
}

// Sweep eagerly removes expired entries, returning the number removed.
func (s *Service) Sweep(ctx context.Context) int {
	return s.cache.CleanupExpired(ctx)
}

// ttlFor applies the tier policy. A failed tier lookup falls back to the
// free-tier TTL rather than blocking enrollment.
func (s *Service) ttlFor(ctx context.Context, userID string) time.Duration {
	tier, err := s.profiles.UserTier(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Could not resolve user tier; using the free-tier TTL.")
		return s.freeTTL
	}
	if tier == TierPremium {
		return s.premiumTTL
	}
	return s.freeTTL
}
