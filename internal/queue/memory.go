package queue

import (
	"context"
	"sync"
	"time"

	"fpmm-indexer/pkg/types"
)

// MemoryTxQueue is the in-process tx-hint queue. FIFO over a mutex-guarded
// slice; dequeue polls until the blocking timeout elapses.
type MemoryTxQueue struct {
	mu   sync.Mutex
	jobs []types.TxJob
}

// NewMemoryTxQueue creates an empty in-memory tx queue.
func NewMemoryTxQueue() *MemoryTxQueue {
	return &MemoryTxQueue{}
}

func (q *MemoryTxQueue) Enqueue(_ context.Context, job types.TxJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *MemoryTxQueue) Dequeue(ctx context.Context) (*types.TxJob, error) {
	deadline := time.Now().Add(DequeueTimeout)
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return &job, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *MemoryTxQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

// MemorySweepQueue is the in-process sweep queue with a TTL lock map.
type MemorySweepQueue struct {
	mu    sync.Mutex
	jobs  []types.SweepJob
	locks map[string]time.Time // marketID → lock acquisition time
	ttl   time.Duration
}

// NewMemorySweepQueue creates an empty in-memory sweep queue with the
// given dedupe-lock TTL.
func NewMemorySweepQueue(ttl time.Duration) *MemorySweepQueue {
	return &MemorySweepQueue{
		locks: make(map[string]time.Time),
		ttl:   ttl,
	}
}

func (q *MemorySweepQueue) Enqueue(_ context.Context, marketID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if at, ok := q.locks[marketID]; ok && time.Since(at) < q.ttl {
		return false, nil
	}
	q.locks[marketID] = time.Now()
	q.jobs = append(q.jobs, types.SweepJob{MarketID: marketID})
	return true, nil
}

func (q *MemorySweepQueue) Dequeue(ctx context.Context) (*types.SweepJob, error) {
	deadline := time.Now().Add(DequeueTimeout)
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return &job, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *MemorySweepQueue) ReleaseLock(_ context.Context, marketID string) error {
	q.mu.Lock()
	delete(q.locks, marketID)
	q.mu.Unlock()
	return nil
}

func (q *MemorySweepQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}
