package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher announces cache invalidations to other replicas.
type Publisher interface {
	NotifyInvalidation(ctx context.Context, userKey string) error
	// Stop flushes any pending events and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GooglePublisher implements a direct-to-Pub/Sub invalidation publisher.
type GooglePublisher struct {
	topic     *pubsub.Topic
	replicaID string
	logger    zerolog.Logger
}

// NewGooglePublisher creates a new invalidation publisher. It accepts a
// context to verify that the target topic exists before returning.
func NewGooglePublisher(ctx context.Context, client *pubsub.Client, cfg *Config, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(cfg.TopicID)

	// Verify the topic exists, respecting the context's deadline.
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &GooglePublisher{
		topic:     topic,
		replicaID: cfg.ReplicaID,
		logger:    logger.With().Str("component", "GooglePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// NotifyInvalidation publishes an invalidation event for the user's entry.
// It returns after queueing the event and logs the final result of the
// publish operation asynchronously.
func (p *GooglePublisher) NotifyInvalidation(ctx context.Context, userKey string) error {
	event := InvalidationEvent{
		UserKey: userKey,
		Op:      OpInvalidate,
		At:      time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{originAttribute: p.replicaID},
	})

	// Asynchronously check the result to log any publish errors without blocking the caller.
	go func() {
		// Use a new context for Get to avoid being cancelled by a short-lived publish context.
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("user_key", userKey).Msg("Failed to publish invalidation event")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Str("user_key", userKey).Msg("Invalidation event sent.")
	}()

	return nil
}

// Stop flushes any pending events for the topic, respecting the context's
// timeout.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
