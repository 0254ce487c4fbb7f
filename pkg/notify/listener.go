package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// VolatileInvalidator is the slice of the cache manager the listener uses.
type VolatileInvalidator interface {
	InvalidateVolatile(userKey string)
}

// Listener receives invalidation events and applies them to the local
// volatile tier. Events published by this replica are ignored.
type Listener struct {
	subscription  *pubsub.Subscription
	invalidator   VolatileInvalidator
	replicaID     string
	logger        zerolog.Logger
	stopOnce      sync.Once
	cancelReceive context.CancelFunc
	wg            sync.WaitGroup
	doneChan      chan struct{}
}

// NewListener creates a listener on the configured subscription.
func NewListener(cfg *Config, client *pubsub.Client, invalidator VolatileInvalidator, logger zerolog.Logger) (*Listener, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if invalidator == nil {
		return nil, fmt.Errorf("invalidator cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	subContext, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	e, err := sub.Exists(subContext)
	if !e || err != nil {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Listener{
		subscription: sub,
		invalidator:  invalidator,
		replicaID:    cfg.ReplicaID,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving invalidation events. The receive loop runs until
// the passed context is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info().Msg("Starting invalidation listener...")
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancelReceive = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.doneChan)
		defer l.logger.Info().Msg("Invalidation Receive goroutine stopped.")

		err := l.subscription.Receive(receiveCtx, l.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Invalidation Receive call exited with error")
		}
	}()
	return nil
}

// handle applies a single event. Malformed and unrecognized events are acked
// so they are not redelivered forever.
func (l *Listener) handle(_ context.Context, msg *pubsub.Message) {
	if msg.Attributes[originAttribute] == l.replicaID {
		msg.Ack()
		return
	}

	var event InvalidationEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		l.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Discarding malformed invalidation event.")
		msg.Ack()
		return
	}
	if event.Op != OpInvalidate {
		l.logger.Warn().Str("op", event.Op).Str("msg_id", msg.ID).Msg("Discarding invalidation event with unknown op.")
		msg.Ack()
		return
	}

	l.invalidator.InvalidateVolatile(event.UserKey)
	l.logger.Debug().Str("user_key", event.UserKey).Msg("Applied invalidation from another replica.")
	msg.Ack()
}

// Stop cancels the receive loop and waits for it to finish.
func (l *Listener) Stop() error {
	l.stopOnce.Do(func() {
		l.logger.Info().Msg("Stopping invalidation listener...")
		if l.cancelReceive != nil {
			l.cancelReceive()
		}
		select {
		case <-l.doneChan:
			l.logger.Info().Msg("Invalidation Receive goroutine confirmed stopped.")
		case <-time.After(30 * time.Second):
			l.logger.Error().Msg("Timeout waiting for invalidation Receive goroutine to stop.")
		}
	})
	return nil
}

// Done is closed once the receive loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.doneChan }
