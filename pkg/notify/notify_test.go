package notify_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stillhaven/go-voicecache/pkg/cache"
	"github.com/stillhaven/go-voicecache/pkg/enroll"
	"github.com/stillhaven/go-voicecache/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// The publisher plugs into the enrollment service, the manager into the
// listener.
var (
	_ enroll.InvalidationNotifier = (*notify.GooglePublisher)(nil)
	_ notify.VolatileInvalidator  = (*cache.Manager)(nil)
)

// fakeInvalidator records which user keys were invalidated.
type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) InvalidateVolatile(userKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, userKey)
}

func (f *fakeInvalidator) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// newTestPubsub starts a pstest server with one topic and subscription and
// returns a connected client.
func newTestPubsub(t *testing.T, ctx context.Context, topicID, subID string) *pubsub.Client {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client
}

// serialConfig keeps event handling single-threaded so tests can reason
// about ordering.
func serialConfig(topicID, subID, replicaID string) *notify.Config {
	return &notify.Config{
		TopicID:                topicID,
		SubscriptionID:         subID,
		ReplicaID:              replicaID,
		MaxOutstandingMessages: 1,
		NumGoroutines:          1,
	}
}

func TestInvalidationFanOut(t *testing.T) {
	// Arrange
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	client := newTestPubsub(t, testCtx, "invalidation-topic", "invalidation-sub")

	// Replica A publishes, replica B listens on the shared subscription.
	publisher, err := notify.NewGooglePublisher(testCtx, client, serialConfig("invalidation-topic", "invalidation-sub", "replica-a"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = publisher.Stop(stopCtx)
	})

	invalidator := &fakeInvalidator{}
	listener, err := notify.NewListener(serialConfig("invalidation-topic", "invalidation-sub", "replica-b"), client, invalidator, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, listener.Start(testCtx))
	t.Cleanup(func() { _ = listener.Stop() })

	// Act
	require.NoError(t, publisher.NotifyInvalidation(testCtx, "u1"))

	// Assert
	require.Eventually(t, func() bool {
		keys := invalidator.invalidated()
		return len(keys) == 1 && keys[0] == "u1"
	}, 5*time.Second, 50*time.Millisecond, "the listener should apply the invalidation")
}

func TestListenerIgnoresOwnEvents(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	client := newTestPubsub(t, testCtx, "invalidation-topic", "invalidation-sub")

	// Publisher and listener share the replica ID, as they would in one
	// process.
	selfPublisher, err := notify.NewGooglePublisher(testCtx, client, serialConfig("invalidation-topic", "invalidation-sub", "replica-a"), zerolog.Nop())
	require.NoError(t, err)
	otherPublisher, err := notify.NewGooglePublisher(testCtx, client, serialConfig("invalidation-topic", "invalidation-sub", "replica-b"), zerolog.Nop())
	require.NoError(t, err)

	invalidator := &fakeInvalidator{}
	listener, err := notify.NewListener(serialConfig("invalidation-topic", "invalidation-sub", "replica-a"), client, invalidator, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, listener.Start(testCtx))
	t.Cleanup(func() { _ = listener.Stop() })

	// The self-origin event is published first; with serial handling it is
	// processed before the foreign one.
	require.NoError(t, selfPublisher.NotifyInvalidation(testCtx, "u-self"))
	require.NoError(t, otherPublisher.NotifyInvalidation(testCtx, "u-other"))

	require.Eventually(t, func() bool {
		keys := invalidator.invalidated()
		return len(keys) >= 1 && keys[len(keys)-1] == "u-other"
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"u-other"}, invalidator.invalidated(), "the replica's own event should be skipped")
}

func TestListenerDiscardsBadEvents(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(testCancel)

	client := newTestPubsub(t, testCtx, "invalidation-topic", "invalidation-sub")
	topic := client.Topic("invalidation-topic")
	t.Cleanup(topic.Stop)

	invalidator := &fakeInvalidator{}
	listener, err := notify.NewListener(serialConfig("invalidation-topic", "invalidation-sub", "replica-a"), client, invalidator, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, listener.Start(testCtx))
	t.Cleanup(func() { _ = listener.Stop() })

	// Malformed payload, then an event with an unknown op, then a valid one.
	topic.Publish(testCtx, &pubsub.Message{Data: []byte("not json")})
	unknown, err := json.Marshal(notify.InvalidationEvent{UserKey: "u-unknown", Op: "refresh", At: time.Now().UTC()})
	require.NoError(t, err)
	topic.Publish(testCtx, &pubsub.Message{Data: unknown})
	valid, err := json.Marshal(notify.InvalidationEvent{UserKey: "u-valid", Op: notify.OpInvalidate, At: time.Now().UTC()})
	require.NoError(t, err)
	topic.Publish(testCtx, &pubsub.Message{Data: valid})

	require.Eventually(t, func() bool {
		keys := invalidator.invalidated()
		return len(keys) >= 1 && keys[len(keys)-1] == "u-valid"
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"u-valid"}, invalidator.invalidated(), "bad events should be discarded, not applied")
}

func TestNewGooglePublisher_TopicDoesNotExist(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(testCancel)

	client := newTestPubsub(t, testCtx, "invalidation-topic", "invalidation-sub")

	publisher, err := notify.NewGooglePublisher(testCtx, client, serialConfig("no-such-topic", "invalidation-sub", "replica-a"), zerolog.Nop())

	require.Error(t, err)
	assert.Nil(t, publisher)
	assert.Contains(t, err.Error(), "pubsub topic no-such-topic does not exist")
}

func TestNewListener_SubscriptionDoesNotExist(t *testing.T) {
	testCtx, testCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(testCancel)

	client := newTestPubsub(t, testCtx, "invalidation-topic", "invalidation-sub")

	listener, err := notify.NewListener(serialConfig("invalidation-topic", "no-such-sub", "replica-a"), client, &fakeInvalidator{}, zerolog.Nop())

	require.Error(t, err)
	assert.Nil(t, listener)
}

func TestLoadConfigAssignsReplicaID(t *testing.T) {
	t.Run("Generates an ID when unset", func(t *testing.T) {
		cfg, err := notify.LoadConfig()
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.ReplicaID)
		assert.Equal(t, "voicecache-invalidation", cfg.TopicID)
	})

	t.Run("Keeps an explicit ID", func(t *testing.T) {
		t.Setenv("VOICECACHE_NOTIFY_REPLICA_ID", "replica-7")
		cfg, err := notify.LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "replica-7", cfg.ReplicaID)
	})
}
