package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentregistry/indexer/infrastructure/errors"
	"github.com/agentregistry/indexer/infrastructure/metrics"
)

// DeadLetterEntry is one diagnostic record of a batch that exhausted the
// flush retry budget.
type DeadLetterEntry struct {
	ID        int64
	EventKind string
	Signature string
	Slot      uint64
	Reason    string
	Payload   string
	CreatedAt time.Time
}

// DeadLetterQueue is a bounded, append-only ring for events whose flush
// exhausted its retry budget. It is never silently evicted: once it
// saturates, Append returns an error so the caller can fail-stop.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	size     int
	db       *Storage
	metrics  *metrics.Metrics
}

// NewDeadLetterQueue constructs a DeadLetterQueue backed by storage.
func NewDeadLetterQueue(capacity int, storage *Storage) *DeadLetterQueue {
	return &DeadLetterQueue{capacity: capacity, db: storage, metrics: metrics.Global()}
}

// Hydrate loads the current occupancy count from storage at startup.
func (q *DeadLetterQueue) Hydrate(ctx context.Context) error {
	count, err := q.db.CountDeadLetter(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.size = count
	q.mu.Unlock()
	q.metrics.SetDeadLetterSize(count)
	return nil
}

// Append records the batch as diagnostic entries. Returns an error if the
// ring is already at capacity — the caller must fail-stop in that case.
func (q *DeadLetterQueue) Append(batch []Event, cause error) error {
	q.mu.Lock()
	if q.size+len(batch) > q.capacity {
		q.mu.Unlock()
		return errors.DeadLetterFull(q.capacity)
	}
	q.size += len(batch)
	newSize := q.size
	q.mu.Unlock()

	q.metrics.SetDeadLetterSize(newSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ev := range batch {
		meta := ev.Meta()
		payload, _ := json.Marshal(ev)
		entry := DeadLetterEntry{
			EventKind: ev.Kind(),
			Signature: meta.Signature,
			Slot:      meta.Slot,
			Reason:    cause.Error(),
			Payload:   string(payload),
			CreatedAt: time.Now().UTC(),
		}
		if err := q.db.InsertDeadLetter(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the current occupancy.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
