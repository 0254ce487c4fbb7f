package journal

import (
	"context"
	"sync"
)

// MemoryWriter is a Writer that keeps records in memory. It serves tests and
// deployments that want operation journaling without an analytical store.
type MemoryWriter[T any] struct {
	mu      sync.Mutex
	records []T
	batches int
}

// NewMemoryWriter creates an empty in-memory writer.
func NewMemoryWriter[T any]() *MemoryWriter[T] {
	return &MemoryWriter[T]{}
}

// WriteBatch appends the batch to the in-memory record list.
func (w *MemoryWriter[T]) WriteBatch(_ context.Context, items []*T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		w.records = append(w.records, *item)
	}
	w.batches++
	return nil
}

// Close is a no-op.
func (w *MemoryWriter[T]) Close() error { return nil }

// Records returns a copy of everything written so far.
func (w *MemoryWriter[T]) Records() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]T, len(w.records))
	copy(out, w.records)
	return out
}

// BatchCount reports how many batches have been flushed.
func (w *MemoryWriter[T]) BatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batches
}
