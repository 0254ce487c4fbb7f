package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// DefaultTTL is applied to writes that do not carry their own TTL.
const DefaultTTL = 720 * time.Hour

const (
	defaultOperationTimeout = 2 * time.Second
	defaultRepromoteAfter   = 3
)

// OpRecord describes one completed manager operation for the
// conditioning-reuse journal.
type OpRecord struct {
	Op        string    `bigquery:"op" json:"op"`
	UserKey   string    `bigquery:"user_key" json:"user_key"`
	Tier      string    `bigquery:"tier" json:"tier"`
	Hit       bool      `bigquery:"hit" json:"hit"`
	ElapsedMS int64     `bigquery:"elapsed_ms" json:"elapsed_ms"`
	At        time.Time `bigquery:"at" json:"at"`
}

// OpRecorder receives operation records. Implementations must not block;
// cache operations never wait on analytics.
type OpRecorder interface {
	Record(rec OpRecord)
}

// CacheInfo is the diagnostic snapshot returned by Manager.Info.
type CacheInfo struct {
	ConfiguredBackend string
	ActiveBackend     string
	Status            string
	FallbackEntries   int
}

// Manager routes embedding operations across three tiers: the configured
// primary backend, the secondary durable backend, and the in-process
// volatile store. Durable failures are absorbed into tier demotion and
// best-effort continuation; they are never surfaced to callers. Construct
// one Manager at process start and share it by reference.
type Manager struct {
	defaultTTL        time.Duration
	opTimeout         time.Duration
	repromoteInterval time.Duration
	repromoteAfter    int

	primary   Backend
	secondary Backend
	volatile  *VolatileStore
	recorder  OpRecorder
	logger    zerolog.Logger

	mu     sync.RWMutex
	active Backend // nil while serving the volatile tier only

	stopOnce sync.Once
	stopCh   chan struct{}
	proberWG sync.WaitGroup
}

// NewManager connects the given backends and selects the active tier: the
// primary if reachable, otherwise the secondary, otherwise volatile-only
// operation. Either backend may be nil. The recorder may be nil to disable
// journaling. When cfg enables re-promotion, a background prober re-probes
// demoted backends and promotes back after the configured run of successes.
func NewManager(
	ctx context.Context,
	cfg *ManagerConfig,
	primary Backend,
	secondary Backend,
	recorder OpRecorder,
	logger zerolog.Logger,
) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("manager config cannot be nil")
	}

	m := &Manager{
		defaultTTL:        cfg.DefaultTTL,
		opTimeout:         cfg.OperationTimeout,
		repromoteInterval: cfg.RepromoteInterval,
		repromoteAfter:    cfg.RepromoteAfter,
		primary:           primary,
		secondary:         secondary,
		volatile:          NewVolatileStore(cfg.VolatileMaxEntries, logger),
		recorder:          recorder,
		logger:            logger.With().Str("component", "CacheManager").Logger(),
		stopCh:            make(chan struct{}),
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultTTL
	}
	if m.opTimeout <= 0 {
		m.opTimeout = defaultOperationTimeout
	}
	if m.repromoteAfter <= 0 {
		m.repromoteAfter = defaultRepromoteAfter
	}

	m.active = m.selectTier(ctx)
	if m.active == nil {
		m.logger.Warn().Msg("No durable backend is reachable; serving from the volatile tier only.")
	}

	if m.repromoteInterval > 0 {
		m.proberWG.Add(1)
		go m.probeLoop()
	}
	return m, nil
}

// NewFromConfig builds the durable backends described by cfg, orders them by
// the configured primary choice, and constructs the manager. An unreachable
// backend degrades tier selection rather than failing construction.
func NewFromConfig(ctx context.Context, cfg *Config, recorder OpRecorder, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var redisBackend Backend = NewRedisBackend(&cfg.Redis, logger)

	var firestoreBackend Backend
	if cfg.Firestore.ProjectID != "" {
		fb, err := NewFirestoreBackend(ctx, &cfg.Firestore, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create Firestore client; continuing without the Firestore backend.")
		} else {
			firestoreBackend = fb
		}
	}

	primary, secondary := redisBackend, firestoreBackend
	if cfg.PrimaryBackend == LabelFirestore {
		primary, secondary = firestoreBackend, redisBackend
	}
	return NewManager(ctx, &cfg.ManagerConfig, primary, secondary, recorder, logger)
}

// selectTier connects backends in priority order and returns the first
// reachable one, or nil for volatile-only operation.
func (m *Manager) selectTier(ctx context.Context) Backend {
	if m.primary != nil && m.primary.Connect(ctx) {
		return m.primary
	}
	if m.secondary != nil && m.secondary.Connect(ctx) {
		if m.primary != nil {
			cacheFailovers.WithLabelValues(m.primary.Label(), m.secondary.Label()).Inc()
			m.logger.Warn().Str("active", m.secondary.Label()).Msg("Primary backend unreachable; using the secondary backend.")
		}
		return m.secondary
	}
	return nil
}

// SetEmbedding stores the embedding with the default TTL. It never
// hard-fails: when no durable backend accepts the write, the embedding is
// captured in the volatile tier and the call still reports success.
func (m *Manager) SetEmbedding(ctx context.Context, userKey string, vec embedding.Vector) bool {
	return m.SetEmbeddingTTL(ctx, userKey, vec, m.defaultTTL)
}

// SetEmbeddingTTL stores the embedding with an explicit TTL. A repeated set
// for the same user overwrites the entry and resets its TTL. A non-positive
// ttl falls back to the default.
func (m *Manager) SetEmbeddingTTL(ctx context.Context, userKey string, vec embedding.Vector, ttl time.Duration) bool {
	start := time.Now()
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	if b := m.activeBackend(); b != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		err := b.Set(opCtx, userKey, vec, ttl)
		cancel()
		if err == nil {
			m.record("set", userKey, b.Label(), true, start)
			return true
		}
		m.demote(b, err)
	}

	m.volatile.Set(userKey, vec, ttl)
	m.record("set", userKey, LabelVolatile, true, start)
	return true
}

// GetEmbedding returns the embedding for userKey, or (nil, nil) when no tier
// holds one. The durable tier is consulted first; on a durable miss or
// failure the volatile tier may still serve an earlier fallback write. The
// only error returned is a corrupt stored payload, which has already been
// removed so the caller can recompute and re-set the embedding.
func (m *Manager) GetEmbedding(ctx context.Context, userKey string) (embedding.Vector, error) {
	start := time.Now()

	if b := m.activeBackend(); b != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		vec, err := b.Fetch(opCtx, userKey)
		cancel()
		switch {
		case err == nil && vec != nil:
			cacheHits.WithLabelValues(b.Label()).Inc()
			m.record("get", userKey, b.Label(), true, start)
			return vec, nil
		case err == nil:
			// A durable miss still falls through to the volatile tier.
		case errors.Is(err, embedding.ErrCorruptPayload):
			m.logger.Warn().Err(err).Str("user_key", userKey).Msg("Stored embedding was corrupt and has been removed.")
			m.record("get", userKey, b.Label(), false, start)
			return nil, err
		default:
			m.demote(b, err)
		}
	}

	if vec, ok := m.volatile.Fetch(userKey); ok {
		cacheHits.WithLabelValues(LabelVolatile).Inc()
		m.record("get", userKey, LabelVolatile, true, start)
		return vec, nil
	}

	cacheMisses.Inc()
	m.record("get", userKey, m.activeLabel(), false, start)
	return nil, nil
}

// RequireEmbedding returns the embedding or fails with a NotFoundError when
// no tier holds one. This is the fail-fast path for callers that cannot
// proceed without a cached embedding.
func (m *Manager) RequireEmbedding(ctx context.Context, userKey string) (embedding.Vector, error) {
	vec, err := m.GetEmbedding(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, &NotFoundError{UserKey: userKey}
	}
	return vec, nil
}

// DeleteEmbedding removes the entry from the durable and volatile tiers,
// reporting whether either held it.
func (m *Manager) DeleteEmbedding(ctx context.Context, userKey string) bool {
	start := time.Now()

	durable := false
	if b := m.activeBackend(); b != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		existed, err := b.Delete(opCtx, userKey)
		cancel()
		if err != nil {
			m.demote(b, err)
		} else {
			durable = existed
		}
	}

	inVolatile := m.volatile.Delete(userKey)
	deleted := durable || inVolatile
	m.record("delete", userKey, m.activeLabel(), deleted, start)
	return deleted
}

// ExistsEmbedding reports whether any tier holds a live entry for userKey.
func (m *Manager) ExistsEmbedding(ctx context.Context, userKey string) bool {
	start := time.Now()

	if b := m.activeBackend(); b != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		exists, err := b.Exists(opCtx, userKey)
		cancel()
		if err != nil {
			m.demote(b, err)
		} else if exists {
			m.record("exists", userKey, b.Label(), true, start)
			return true
		}
	}

	ok := m.volatile.Exists(userKey)
	m.record("exists", userKey, LabelVolatile, ok, start)
	return ok
}

// CleanupExpired eagerly removes expired entries from the active durable
// backend and the volatile tier, returning the total removed. Backends with
// native TTL expiry contribute zero. The durable sweep is bounded by the
// caller's context rather than the per-operation timeout, since it may touch
// many documents; a sweep failure is logged but does not demote the tier.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	start := time.Now()

	removed := 0
	if b := m.activeBackend(); b != nil {
		n, err := b.SweepExpired(ctx)
		removed += n
		if err != nil {
			m.logger.Error().Err(err).Str("backend", b.Label()).Msg("Eager expiration sweep failed partway.")
		}
	}

	if n := m.volatile.SweepExpired(); n > 0 {
		sweptEntries.WithLabelValues(LabelVolatile).Add(float64(n))
		removed += n
	}

	m.record("cleanup", "", m.activeLabel(), removed > 0, start)
	return removed
}

// Info reports the configured backend, the currently active tier, the
// connection status and the volatile entry count. It is a diagnostic
// snapshot, not a guarantee surface.
func (m *Manager) Info() CacheInfo {
	info := CacheInfo{
		ConfiguredBackend: labelFor(m.primary),
		ActiveBackend:     m.activeLabel(),
		Status:            StatusConnected,
		FallbackEntries:   m.volatile.Len(),
	}
	if info.ActiveBackend == LabelVolatile {
		info.Status = StatusFallbackOnly
	}
	return info
}

// BackendInfos returns diagnostic snapshots from each configured durable
// backend. An unreachable backend reports its last-known state.
func (m *Manager) BackendInfos(ctx context.Context) []BackendInfo {
	var infos []BackendInfo
	for _, b := range []Backend{m.primary, m.secondary} {
		if b == nil {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		info, err := b.Info(opCtx)
		cancel()
		if err != nil {
			m.logger.Debug().Err(err).Str("backend", b.Label()).Msg("Backend info unavailable.")
		}
		infos = append(infos, info)
	}
	return infos
}

// InvalidateVolatile drops only the local volatile copy for userKey. It is
// applied when another replica reports a deletion, so a stale fallback entry
// does not outlive the durable record.
func (m *Manager) InvalidateVolatile(userKey string) {
	if m.volatile.Delete(userKey) {
		m.logger.Debug().Str("user_key", userKey).Msg("Invalidated volatile entry.")
	}
}

// Close stops the re-promotion prober and closes both durable backends.
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.proberWG.Wait()
		for _, b := range []Backend{m.primary, m.secondary} {
			if b == nil {
				continue
			}
			if cerr := b.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (m *Manager) activeBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) activeLabel() string {
	return labelFor(m.activeBackend())
}

// demote moves the active tier down after a failed operation on `from`. The
// next-tier probe runs before the lock is taken; holding the lock across a
// network call would serialize unrelated requests.
func (m *Manager) demote(from Backend, cause error) {
	var to Backend
	if from == m.primary && m.secondary != nil {
		if m.secondary.Healthy() {
			to = m.secondary
		} else {
			probeCtx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
			if m.secondary.Connect(probeCtx) {
				to = m.secondary
			}
			cancel()
		}
	}

	m.mu.Lock()
	if m.active != from {
		// Another operation already changed the tier.
		m.mu.Unlock()
		return
	}
	m.active = to
	m.mu.Unlock()

	cacheFailovers.WithLabelValues(from.Label(), labelFor(to)).Inc()
	m.logger.Warn().
		Err(cause).
		Str("from", from.Label()).
		Str("to", labelFor(to)).
		Msg("Durable backend failed; demoting tier.")
}

// promote raises the active tier to `to`. It never lowers the tier, so a
// racing demotion cannot be undone by a stale probe result.
func (m *Manager) promote(to Backend) {
	m.mu.Lock()
	from := m.active
	if m.rank(to) >= m.rank(from) {
		m.mu.Unlock()
		return
	}
	m.active = to
	m.mu.Unlock()

	cacheFailovers.WithLabelValues(labelFor(from), to.Label()).Inc()
	m.logger.Info().
		Str("from", labelFor(from)).
		Str("to", to.Label()).
		Msg("Durable backend recovered; promoting tier.")
}

// rank orders tiers for promotion decisions: primary before secondary before
// volatile.
func (m *Manager) rank(b Backend) int {
	switch {
	case b == nil:
		return 2
	case b == m.primary:
		return 0
	default:
		return 1
	}
}

// probeLoop periodically pings demoted backends, promoting one back after
// the configured run of consecutive successes.
func (m *Manager) probeLoop() {
	defer m.proberWG.Done()
	ticker := time.NewTicker(m.repromoteInterval)
	defer ticker.Stop()

	consecutive := make(map[string]int)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(consecutive)
		}
	}
}

func (m *Manager) probeOnce(consecutive map[string]int) {
	active := m.activeBackend()
	if active == m.primary && m.primary != nil {
		clear(consecutive)
		return
	}

	var targets []Backend
	if m.primary != nil {
		targets = append(targets, m.primary)
	}
	if active == nil && m.secondary != nil {
		targets = append(targets, m.secondary)
	}

	for _, target := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		err := target.Ping(ctx)
		cancel()
		if err != nil {
			consecutive[target.Label()] = 0
			continue
		}
		consecutive[target.Label()]++
		if consecutive[target.Label()] >= m.repromoteAfter {
			m.promote(target)
			clear(consecutive)
			return
		}
	}
}

func (m *Manager) record(op, userKey, tier string, hit bool, start time.Time) {
	elapsed := time.Since(start)
	opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if m.recorder == nil {
		return
	}
	m.recorder.Record(OpRecord{
		Op:        op,
		UserKey:   userKey,
		Tier:      tier,
		Hit:       hit,
		ElapsedMS: elapsed.Milliseconds(),
		At:        start.UTC(),
	})
}

func labelFor(b Backend) string {
	if b == nil {
		return LabelVolatile
	}
	return b.Label()
}
