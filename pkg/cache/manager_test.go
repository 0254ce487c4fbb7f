package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stillhaven/go-voicecache/pkg/cache"
	"github.com/stillhaven/go-voicecache/pkg/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	vec       embedding.Vector
	expiresAt time.Time
}

// fakeBackend is an in-memory Backend double whose reachability can be
// toggled mid-test to simulate outages.
type fakeBackend struct {
	label string

	mu        sync.Mutex
	entries   map[string]fakeEntry
	corrupt   map[string]bool
	reachable bool
	healthy   bool
	pings     int
}

func newFakeBackend(label string, reachable bool) *fakeBackend {
	return &fakeBackend{
		label:     label,
		entries:   make(map[string]fakeEntry),
		corrupt:   make(map[string]bool),
		reachable: reachable,
	}
}

func (f *fakeBackend) setReachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable = v
}

func (f *fakeBackend) plantCorrupt(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[key] = true
	f.entries[key] = fakeEntry{vec: embedding.Vector{0}, expiresAt: time.Now().Add(time.Hour)}
}

func (f *fakeBackend) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *fakeBackend) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeBackend) errDown() error {
	return &cache.BackendError{Backend: f.label, Kind: cache.KindUnreachable, Err: errors.New("fake backend unreachable")}
}

func (f *fakeBackend) Connect(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = f.reachable
	return f.reachable
}

func (f *fakeBackend) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeBackend) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	f.healthy = f.reachable
	if !f.reachable {
		return f.errDown()
	}
	return nil
}

func (f *fakeBackend) Label() string { return f.label }

func (f *fakeBackend) Set(_ context.Context, key string, vec embedding.Vector, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		f.healthy = false
		return f.errDown()
	}
	f.entries[key] = fakeEntry{vec: vec.Clone(), expiresAt: time.Now().Add(ttl)}
	return nil
}

func (f *fakeBackend) Fetch(_ context.Context, key string) (embedding.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		f.healthy = false
		return nil, f.errDown()
	}
	if f.corrupt[key] {
		delete(f.corrupt, key)
		delete(f.entries, key)
		return nil, fmt.Errorf("%w: planted corruption", embedding.ErrCorruptPayload)
	}
	entry, ok := f.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(f.entries, key)
		return nil, nil
	}
	return entry.vec.Clone(), nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		f.healthy = false
		return false, f.errDown()
	}
	_, existed := f.entries[key]
	delete(f.entries, key)
	return existed, nil
}

func (f *fakeBackend) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		f.healthy = false
		return false, f.errDown()
	}
	entry, ok := f.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(f.entries, key)
		return false, nil
	}
	return true, nil
}

func (f *fakeBackend) SweepExpired(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		f.healthy = false
		return 0, f.errDown()
	}
	removed := 0
	for key, entry := range f.entries {
		if time.Now().After(entry.expiresAt) {
			delete(f.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeBackend) Info(_ context.Context) (cache.BackendInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reachable {
		return cache.BackendInfo{Label: f.label}, f.errDown()
	}
	return cache.BackendInfo{Label: f.label, Healthy: f.healthy, Entries: int64(len(f.entries))}, nil
}

func (f *fakeBackend) Close() error { return nil }

// captureRecorder collects operation records for assertions.
type captureRecorder struct {
	mu   sync.Mutex
	recs []cache.OpRecord
}

func (r *captureRecorder) Record(rec cache.OpRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *captureRecorder) records() []cache.OpRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cache.OpRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func testManagerConfig() *cache.ManagerConfig {
	return &cache.ManagerConfig{
		DefaultTTL:       time.Hour,
		OperationTimeout: time.Second,
	}
}

func TestManagerLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	vec := embedding.Vector{0.1, 0.2, 0.3}

	// Act and assert the full lifecycle for one user.
	require.True(t, mgr.SetEmbedding(ctx, "u1", vec))

	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, vec.Equal(got))
	assert.True(t, mgr.ExistsEmbedding(ctx, "u1"))

	assert.True(t, mgr.DeleteEmbedding(ctx, "u1"), "first delete should find the entry")

	got, err = mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "deleted entry should read as absent")
	assert.False(t, mgr.DeleteEmbedding(ctx, "u1"), "second delete should find nothing")
}

func TestManagerOverwriteKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	require.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{1}))
	require.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{2}))

	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, embedding.Vector{2}.Equal(got), "last write should win")

	info, err := primary.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Entries)
}

func TestManagerFailoverAtConstruction(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, false)
	secondary := newFakeBackend(cache.LabelFirestore, true)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, secondary, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	// Assert: the demotion is visible in diagnostics but not in behavior.
	info := mgr.Info()
	assert.Equal(t, cache.LabelRedis, info.ConfiguredBackend)
	assert.Equal(t, cache.LabelFirestore, info.ActiveBackend)
	assert.Equal(t, cache.StatusConnected, info.Status)

	vec := embedding.Vector{0.4, 0.5}
	require.True(t, mgr.SetEmbedding(ctx, "u1", vec))
	assert.True(t, secondary.has("u1"), "write should land on the secondary backend")

	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, vec.Equal(got))
}

func TestManagerVolatileOnlyMode(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, false)
	secondary := newFakeBackend(cache.LabelFirestore, false)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, secondary, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	vec := embedding.Vector{0.7}
	assert.True(t, mgr.SetEmbedding(ctx, "u2", vec), "set must not hard-fail with both backends down")

	info := mgr.Info()
	assert.Equal(t, cache.LabelVolatile, info.ActiveBackend)
	assert.Equal(t, cache.StatusFallbackOnly, info.Status)
	assert.Equal(t, 1, info.FallbackEntries)

	got, err := mgr.GetEmbedding(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, vec.Equal(got))
	assert.True(t, mgr.ExistsEmbedding(ctx, "u2"))
	assert.True(t, mgr.DeleteEmbedding(ctx, "u2"))
}

func TestManagerRuntimeDemotion(t *testing.T) {
	t.Run("Primary failure falls over to the secondary", func(t *testing.T) {
		ctx := context.Background()
		primary := newFakeBackend(cache.LabelRedis, true)
		secondary := newFakeBackend(cache.LabelFirestore, true)

		mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, secondary, nil, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })
		require.Equal(t, cache.LabelRedis, mgr.Info().ActiveBackend)

		// Act: the outage begins mid-run.
		primary.setReachable(false)

		// The failing write is still captured, then the tier switches.
		assert.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{1}))
		assert.Equal(t, cache.LabelFirestore, mgr.Info().ActiveBackend)

		// Subsequent writes land durably on the secondary.
		require.True(t, mgr.SetEmbedding(ctx, "u2", embedding.Vector{2}))
		assert.True(t, secondary.has("u2"))
	})

	t.Run("Primary failure with no secondary goes volatile", func(t *testing.T) {
		ctx := context.Background()
		primary := newFakeBackend(cache.LabelRedis, true)

		mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		primary.setReachable(false)

		vec := embedding.Vector{0.9}
		assert.True(t, mgr.SetEmbedding(ctx, "u1", vec))

		info := mgr.Info()
		assert.Equal(t, cache.LabelVolatile, info.ActiveBackend)
		assert.Equal(t, cache.StatusFallbackOnly, info.Status)

		got, err := mgr.GetEmbedding(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, vec.Equal(got), "entry captured in the volatile tier should be readable")
	})
}

func TestManagerRequireEmbedding(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	t.Run("Empty cache fails fast with the key named", func(t *testing.T) {
		_, err := mgr.RequireEmbedding(ctx, "missing-user")
		require.Error(t, err)

		var notFound *cache.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing-user", notFound.UserKey)
		assert.Contains(t, err.Error(), "missing-user")
		assert.Contains(t, err.Error(), "enroll", "error should carry the remediation hint")
	})

	t.Run("Populated cache returns the embedding", func(t *testing.T) {
		vec := embedding.Vector{0.1, 0.2}
		require.True(t, mgr.SetEmbedding(ctx, "u1", vec))

		got, err := mgr.RequireEmbedding(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, vec.Equal(got))
	})
}

func TestManagerCorruptPayloadSurfacesOnce(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	primary.plantCorrupt("u1")

	// First read surfaces the corruption rather than masking it.
	_, err = mgr.GetEmbedding(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrCorruptPayload)

	// The adapter removed the entry, so subsequent reads see absence and the
	// fail-fast path asks for re-enrollment.
	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = mgr.RequireEmbedding(ctx, "u1")
	var notFound *cache.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestManagerRepromotion(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, false)
	cfg := testManagerConfig()
	cfg.RepromoteInterval = 10 * time.Millisecond
	cfg.RepromoteAfter = 3

	mgr, err := cache.NewManager(ctx, cfg, primary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	require.Equal(t, cache.LabelVolatile, mgr.Info().ActiveBackend)

	// Arrange: an entry captured during the outage.
	vec := embedding.Vector{0.3}
	require.True(t, mgr.SetEmbedding(ctx, "u1", vec))

	// Act: the backend recovers; the prober promotes it back after a run of
	// consecutive successes.
	primary.setReachable(true)
	require.Eventually(t, func() bool {
		return mgr.Info().ActiveBackend == cache.LabelRedis
	}, 2*time.Second, 5*time.Millisecond, "manager should re-promote the recovered primary")
	assert.GreaterOrEqual(t, primary.pingCount(), 3, "promotion should wait for consecutive successful probes")

	// The durable store is empty for u1, so the volatile copy still serves.
	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, vec.Equal(got), "durable miss should fall back to the volatile entry")
}

func TestManagerCleanupExpired(t *testing.T) {
	t.Run("Durable sweep counts removed entries", func(t *testing.T) {
		ctx := context.Background()
		primary := newFakeBackend(cache.LabelFirestore, true)

		mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, nil, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		require.True(t, mgr.SetEmbeddingTTL(ctx, "stale-1", embedding.Vector{1}, 20*time.Millisecond))
		require.True(t, mgr.SetEmbeddingTTL(ctx, "stale-2", embedding.Vector{2}, 20*time.Millisecond))
		require.True(t, mgr.SetEmbeddingTTL(ctx, "live", embedding.Vector{3}, time.Hour))
		time.Sleep(40 * time.Millisecond)

		assert.Equal(t, 2, mgr.CleanupExpired(ctx))
		assert.True(t, mgr.ExistsEmbedding(ctx, "live"))
	})

	t.Run("Volatile entries expire and are swept too", func(t *testing.T) {
		ctx := context.Background()

		mgr, err := cache.NewManager(ctx, testManagerConfig(), nil, nil, nil, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = mgr.Close() })

		require.True(t, mgr.SetEmbeddingTTL(ctx, "stale", embedding.Vector{1}, 20*time.Millisecond))
		time.Sleep(40 * time.Millisecond)

		assert.Equal(t, 1, mgr.CleanupExpired(ctx))
		assert.Equal(t, 0, mgr.Info().FallbackEntries)
	})
}

func TestManagerInvalidateVolatile(t *testing.T) {
	ctx := context.Background()

	mgr, err := cache.NewManager(ctx, testManagerConfig(), nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	require.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{1}))
	mgr.InvalidateVolatile("u1")

	got, err := mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManagerRecordsOperations(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)
	recorder := &captureRecorder{}

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, nil, recorder, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	require.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{1}))
	_, err = mgr.GetEmbedding(ctx, "u1")
	require.NoError(t, err)
	_, err = mgr.GetEmbedding(ctx, "nobody")
	require.NoError(t, err)

	recs := recorder.records()
	require.Len(t, recs, 3)

	assert.Equal(t, "set", recs[0].Op)
	assert.Equal(t, cache.LabelRedis, recs[0].Tier)
	assert.True(t, recs[0].Hit)

	assert.Equal(t, "get", recs[1].Op)
	assert.Equal(t, "u1", recs[1].UserKey)
	assert.True(t, recs[1].Hit)

	assert.Equal(t, "get", recs[2].Op)
	assert.False(t, recs[2].Hit, "a miss should be recorded as such")
}

func TestManagerBackendInfos(t *testing.T) {
	ctx := context.Background()
	primary := newFakeBackend(cache.LabelRedis, true)
	secondary := newFakeBackend(cache.LabelFirestore, false)

	mgr, err := cache.NewManager(ctx, testManagerConfig(), primary, secondary, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	require.True(t, mgr.SetEmbedding(ctx, "u1", embedding.Vector{1}))

	infos := mgr.BackendInfos(ctx)
	require.Len(t, infos, 2)
	assert.Equal(t, cache.LabelRedis, infos[0].Label)
	assert.Equal(t, int64(1), infos[0].Entries)
	assert.Equal(t, cache.LabelFirestore, infos[1].Label)
	assert.False(t, infos[1].Healthy, "unreachable backend should report unhealthy")
}
