// Package journal batches cache operation records and writes them to an
// analytical store. Recording is strictly non-blocking: when the journal
// cannot keep up, records are dropped rather than slowing down cache
// operations.
package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Writer is a generic interface for persisting a batch of records.
// It abstracts the destination data store (e.g., BigQuery, an in-memory sink).
type Writer[T any] interface {
	// WriteBatch persists a slice of records.
	WriteBatch(ctx context.Context, items []*T) error
	// Close handles any necessary cleanup of the writer's resources.
	Close() error
}

// Config holds configuration for the BatchJournal.
type Config struct {
	BatchSize     int           `env:"VOICECACHE_JOURNAL_BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"VOICECACHE_JOURNAL_FLUSH_INTERVAL" envDefault:"5s"`
	WriteTimeout  time.Duration `env:"VOICECACHE_JOURNAL_WRITE_TIMEOUT" envDefault:"30s"`
	// BufferSize caps how many records may be queued ahead of the worker.
	// Zero means twice the batch size.
	BufferSize int            `env:"VOICECACHE_JOURNAL_BUFFER_SIZE" envDefault:"0"`
	BigQuery   BigQueryConfig `envPrefix:"VOICECACHE_JOURNAL_BIGQUERY_"`
}

// LoadConfig parses the journal configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal configuration: %w", err)
	}
	return &cfg, nil
}

// BatchJournal collects records of type T and flushes them to a Writer in
// batches. A batch is flushed when it reaches BatchSize or when FlushInterval
// elapses, whichever comes first.
type BatchJournal[T any] struct {
	config   *Config
	writer   Writer[T]
	logger   zerolog.Logger
	input    chan T
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64
}

// NewBatchJournal creates a new generic BatchJournal.
func NewBatchJournal[T any](
	config *Config,
	writer Writer[T],
	logger zerolog.Logger,
) *BatchJournal[T] {
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = config.BatchSize * 2
	}
	return &BatchJournal[T]{
		config: config,
		writer: writer,
		logger: logger.With().Str("component", "BatchJournal").Logger(),
		input:  make(chan T, bufferSize),
		stopCh: make(chan struct{}),
	}
}

// Start begins the batching worker. The passed context controls the worker's
// lifecycle: cancelling it flushes any buffered records and stops the worker.
func (j *BatchJournal[T]) Start(ctx context.Context) {
	j.logger.Info().
		Int("batch_size", j.config.BatchSize).
		Dur("flush_interval", j.config.FlushInterval).
		Msg("Starting BatchJournal worker...")
	j.wg.Add(1)
	go j.worker(ctx)
}

// Record queues a record for the next batch. It never blocks: when the
// buffer is full or the journal has stopped, the record is dropped and
// counted. Safe for concurrent use.
func (j *BatchJournal[T]) Record(rec T) {
	select {
	case j.input <- rec:
	default:
		j.dropped.Add(1)
		journalDropped.Inc()
	}
}

// Dropped reports how many records have been discarded because the buffer
// was full.
func (j *BatchJournal[T]) Dropped() int64 {
	return j.dropped.Load()
}

// Stop gracefully shuts down the BatchJournal, flushing any buffered records.
// The passed context bounds how long to wait for the worker to finish.
func (j *BatchJournal[T]) Stop(ctx context.Context) error {
	j.logger.Info().Msg("Stopping BatchJournal...")
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})

	// Wait for the worker to finish, but respect the timeout.
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info().Msg("BatchJournal worker stopped gracefully.")
	case <-ctx.Done():
		j.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for BatchJournal worker to stop.")
		return ctx.Err()
	}

	if err := j.writer.Close(); err != nil {
		j.logger.Error().Err(err).Msg("Error closing underlying journal writer")
	}
	j.logger.Info().Msg("BatchJournal stopped.")
	return nil
}

// worker is the core loop that collects records into a batch and flushes it.
func (j *BatchJournal[T]) worker(ctx context.Context) {
	defer j.wg.Done()
	batch := make([]T, 0, j.config.BatchSize)
	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The service is shutting down, drain the buffer and flush.
			// Use a background context for the final flush.
			j.flush(context.Background(), j.drain(batch))
			return

		case <-j.stopCh:
			j.flush(context.Background(), j.drain(batch))
			return

		case rec := <-j.input:
			batch = append(batch, rec)
			if len(batch) >= j.config.BatchSize {
				j.flush(ctx, batch)
				batch = make([]T, 0, j.config.BatchSize)
				// Reset the ticker to prevent an immediate, unnecessary flush.
				ticker.Reset(j.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(ctx, batch)
				batch = make([]T, 0, j.config.BatchSize)
			}
		}
	}
}

// drain collects everything still buffered on the input channel. Records
// queued after shutdown begins may be lost; the journal is telemetry, not a
// ledger of record.
func (j *BatchJournal[T]) drain(batch []T) []T {
	for {
		select {
		case rec := <-j.input:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// flush sends the current batch to the writer.
func (j *BatchJournal[T]) flush(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}

	payloads := make([]*T, len(batch))
	for i := range batch {
		payloads[i] = &batch[i]
	}

	writeCtx, cancel := context.WithTimeout(ctx, j.config.WriteTimeout)
	defer cancel()

	if err := j.writer.WriteBatch(writeCtx, payloads); err != nil {
		journalFlushFailures.Inc()
		j.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush journal batch.")
		return
	}
	journalWritten.Add(float64(len(batch)))
	j.logger.Debug().Int("batch_size", len(batch)).Msg("Successfully flushed journal batch.")
}
