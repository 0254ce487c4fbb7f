package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// embeddingDoc is the stored layout of one cache entry. The document ID is
// the user key, which provides the uniqueness constraint upsert relies on.
type embeddingDoc struct {
	Payload   []byte    `firestore:"payload"`
	CreatedAt time.Time `firestore:"createdAt"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreBackend stores one document per user in a single collection.
// Firestore offers no client-visible per-document TTL, so expiration is
// enforced lazily on reads and eagerly by SweepExpired.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
	healthy    atomic.Bool
	ownsClient bool
}

// NewFirestoreBackend creates the backend and its own Firestore client.
// Client construction fails only on invalid credentials or project settings;
// connectivity is probed later by Connect.
func NewFirestoreBackend(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestoreBackend, error) {
	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	b := NewFirestoreBackendWithClient(client, cfg.Collection, logger)
	b.ownsClient = true
	return b, nil
}

// NewFirestoreBackendWithClient wraps an externally managed client. Close
// does not close the injected client.
func NewFirestoreBackendWithClient(client *firestore.Client, collection string, logger zerolog.Logger) *FirestoreBackend {
	return &FirestoreBackend{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreBackend").Logger(),
	}
}

// Connect probes connectivity with a single-document read. Firestore indexes
// single fields automatically, so the expiresAt queries used by SweepExpired
// need no setup here.
func (b *FirestoreBackend) Connect(ctx context.Context) bool {
	if err := b.probe(ctx); err != nil {
		b.healthy.Store(false)
		b.logger.Warn().Err(err).Msg("Failed to connect to Firestore.")
		return false
	}
	b.healthy.Store(true)
	b.logger.Info().Str("collection", b.collection).Msg("Successfully connected to Firestore.")
	return true
}

// Healthy returns the last-known connectivity state.
func (b *FirestoreBackend) Healthy() bool {
	return b.healthy.Load()
}

// Ping re-probes connectivity and updates the health state.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.probe(ctx); err != nil {
		b.healthy.Store(false)
		return classifyBackendErr(LabelFirestore, err)
	}
	b.healthy.Store(true)
	return nil
}

// Label identifies this adapter in diagnostics and metrics.
func (b *FirestoreBackend) Label() string {
	return LabelFirestore
}

// Set upserts the document for userKey, resetting createdAt and expiresAt.
func (b *FirestoreBackend) Set(ctx context.Context, userKey string, vec embedding.Vector, ttl time.Duration) error {
	now := time.Now().UTC()
	doc := embeddingDoc{
		Payload:   embedding.Encode(vec),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := b.col().Doc(userKey).Set(ctx, doc); err != nil {
		b.healthy.Store(false)
		return classifyBackendErr(LabelFirestore, err)
	}
	b.healthy.Store(true)
	return nil
}

// Fetch retrieves and decodes the embedding for userKey. A document past its
// TTL is deleted opportunistically and reported absent, so callers never see
// a value Firestore still physically holds. A payload that fails to decode
// is deleted and the decode error returned.
func (b *FirestoreBackend) Fetch(ctx context.Context, userKey string) (embedding.Vector, error) {
	snap, err := b.col().Doc(userKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			b.healthy.Store(true)
			return nil, nil
		}
		b.healthy.Store(false)
		return nil, classifyBackendErr(LabelFirestore, err)
	}
	b.healthy.Store(true)

	var doc embeddingDoc
	if err := snap.DataTo(&doc); err != nil {
		b.removeCorrupt(ctx, userKey, err)
		return nil, fmt.Errorf("%w: %v", embedding.ErrCorruptPayload, err)
	}
	if b.lazyExpire(ctx, userKey, doc) {
		return nil, nil
	}

	vec, err := embedding.Decode(doc.Payload)
	if err != nil {
		b.removeCorrupt(ctx, userKey, err)
		return nil, err
	}
	return vec, nil
}

// Delete removes the document, reporting whether one existed. The existence
// precondition makes the check-and-delete atomic on the server.
func (b *FirestoreBackend) Delete(ctx context.Context, userKey string) (bool, error) {
	if _, err := b.col().Doc(userKey).Delete(ctx, firestore.Exists); err != nil {
		switch status.Code(err) {
		case codes.NotFound, codes.FailedPrecondition:
			b.healthy.Store(true)
			return false, nil
		}
		b.healthy.Store(false)
		return false, classifyBackendErr(LabelFirestore, err)
	}
	b.healthy.Store(true)
	return true, nil
}

// Exists reports whether a live document exists for userKey, applying the
// same lazy expiration as Fetch.
func (b *FirestoreBackend) Exists(ctx context.Context, userKey string) (bool, error) {
	snap, err := b.col().Doc(userKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			b.healthy.Store(true)
			return false, nil
		}
		b.healthy.Store(false)
		return false, classifyBackendErr(LabelFirestore, err)
	}
	b.healthy.Store(true)

	var doc embeddingDoc
	if err := snap.DataTo(&doc); err != nil {
		b.removeCorrupt(ctx, userKey, err)
		return false, nil
	}
	if b.lazyExpire(ctx, userKey, doc) {
		return false, nil
	}
	return true, nil
}

// SweepExpired removes every document whose TTL has elapsed and returns the
// number removed.
func (b *FirestoreBackend) SweepExpired(ctx context.Context) (int, error) {
	iter := b.col().Where("expiresAt", "<", time.Now().UTC()).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			b.healthy.Store(false)
			return removed, classifyBackendErr(LabelFirestore, err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			b.logger.Error().Err(err).Str("user_key", snap.Ref.ID).Msg("Failed to delete expired embedding during sweep.")
			continue
		}
		removed++
	}
	b.healthy.Store(true)
	if removed > 0 {
		sweptEntries.WithLabelValues(LabelFirestore).Add(float64(removed))
		b.logger.Info().Int("removed", removed).Msg("Swept expired embeddings from Firestore.")
	}
	return removed, nil
}

// Info counts the collection's documents with a keys-only query.
func (b *FirestoreBackend) Info(ctx context.Context) (BackendInfo, error) {
	info := BackendInfo{Label: LabelFirestore, Healthy: b.healthy.Load()}

	iter := b.col().Select().Documents(ctx)
	defer iter.Stop()
	for {
		if _, err := iter.Next(); err != nil {
			if err == iterator.Done {
				break
			}
			b.healthy.Store(false)
			return info, classifyBackendErr(LabelFirestore, err)
		}
		info.Entries++
	}
	b.healthy.Store(true)
	info.Healthy = true
	info.Details = map[string]string{"collection": b.collection}
	return info, nil
}

// Close closes the Firestore client if this backend created it.
func (b *FirestoreBackend) Close() error {
	if b.ownsClient && b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *FirestoreBackend) col() *firestore.CollectionRef {
	return b.client.Collection(b.collection)
}

func (b *FirestoreBackend) probe(ctx context.Context) error {
	iter := b.col().Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

// lazyExpire deletes a document past its TTL best-effort and reports whether
// it should be treated as absent.
func (b *FirestoreBackend) lazyExpire(ctx context.Context, userKey string, doc embeddingDoc) bool {
	if time.Now().UTC().Before(doc.ExpiresAt) {
		return false
	}
	if _, err := b.col().Doc(userKey).Delete(ctx); err != nil {
		b.logger.Warn().Err(err).Str("user_key", userKey).Msg("Failed to delete expired embedding during read.")
	}
	return true
}

func (b *FirestoreBackend) removeCorrupt(ctx context.Context, userKey string, cause error) {
	corruptPayloads.WithLabelValues(LabelFirestore).Inc()
	b.logger.Warn().Err(cause).Str("user_key", userKey).Msg("Removing embedding that failed to decode.")
	if _, err := b.col().Doc(userKey).Delete(ctx); err != nil {
		b.logger.Error().Err(err).Str("user_key", userKey).Msg("Failed to remove corrupt embedding.")
	}
}
