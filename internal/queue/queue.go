// Package queue provides the two prioritized work queues feeding the
// indexer: the transaction-hint queue and the market-sweep queue with its
// per-market dedupe lock.
//
// Backends are pluggable — the DB backend survives restarts, the memory
// backend is the in-process fallback — and both honor the same contract:
// FIFO order, a blocking dequeue bounded by DequeueTimeout, and a sweep
// lock that admits exactly one enqueue per market per TTL window.
package queue

import (
	"context"
	"time"

	"fpmm-indexer/pkg/types"
)

const (
	// DequeueTimeout bounds a blocking dequeue; an empty queue returns
	// (nil, nil) after this long.
	DequeueTimeout = 2 * time.Second

	// pollInterval is how often a blocked dequeue rechecks the backend.
	pollInterval = 100 * time.Millisecond
)

// TxQueue carries transaction hints. Push is unbounded; failed jobs are
// re-enqueued by the caller.
type TxQueue interface {
	Enqueue(ctx context.Context, job types.TxJob) error
	// Dequeue blocks up to DequeueTimeout and returns (nil, nil) when the
	// queue stays empty.
	Dequeue(ctx context.Context) (*types.TxJob, error)
	Pending(ctx context.Context) (int, error)
}

// SweepQueue carries per-market sweep jobs, deduplicated by a TTL lock:
// Enqueue returns false without enqueueing while a lock for the market is
// live. The worker releases the lock when the sweep finishes, success or
// not; a lock older than the TTL counts as released.
type SweepQueue interface {
	// Enqueue reserves the market's sweep lock and pushes a job. Returns
	// false if a live lock already exists (sweep already scheduled).
	Enqueue(ctx context.Context, marketID string) (bool, error)
	Dequeue(ctx context.Context) (*types.SweepJob, error)
	ReleaseLock(ctx context.Context, marketID string) error
	Pending(ctx context.Context) (int, error)
}
