// db.go is the external-store queue backend: jobs live in the queue_jobs
// table and sweep locks in system_kv, so hints survive a process restart
// and multiple indexer replicas share one queue. Dequeue pops inside a
// transaction with a row lock; the TTL on sweep locks is evaluated at
// acquisition time, so a crashed worker's lock expires on its own.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fpmm-indexer/internal/store"
	"fpmm-indexer/pkg/types"
)

const (
	queueTx    = "tx"
	queueSweep = "sweep"

	sweepLockPrefix = "sweep-lock:"
)

// DBTxQueue is the DB-backed tx-hint queue.
type DBTxQueue struct {
	db *gorm.DB
}

// NewDBTxQueue creates a tx queue over the store's queue_jobs table.
func NewDBTxQueue(s *store.Store) *DBTxQueue {
	return &DBTxQueue{db: s.DB()}
}

func (q *DBTxQueue) Enqueue(ctx context.Context, job types.TxJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal tx job: %w", err)
	}
	rec := store.QueueJobRecord{Queue: queueTx, Payload: string(payload), CreatedAt: time.Now().UTC()}
	if err := q.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("enqueue tx job: %w", err)
	}
	return nil
}

func (q *DBTxQueue) Dequeue(ctx context.Context) (*types.TxJob, error) {
	payload, err := popJob(ctx, q.db, queueTx)
	if err != nil || payload == "" {
		return nil, err
	}
	var job types.TxJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("unmarshal tx job: %w", err)
	}
	return &job, nil
}

func (q *DBTxQueue) Pending(ctx context.Context) (int, error) {
	return countJobs(ctx, q.db, queueTx)
}

// DBSweepQueue is the DB-backed sweep queue with system_kv locks.
type DBSweepQueue struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewDBSweepQueue creates a sweep queue with the given dedupe-lock TTL.
func NewDBSweepQueue(s *store.Store, ttl time.Duration) *DBSweepQueue {
	return &DBSweepQueue{db: s.DB(), ttl: ttl}
}

func (q *DBSweepQueue) Enqueue(ctx context.Context, marketID string) (bool, error) {
	acquired := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key := sweepLockPrefix + marketID
		now := time.Now().UTC()

		var lock store.SystemKVRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key_name = ?", key).
			First(&lock).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			lock = store.SystemKVRecord{
				Key:       key,
				Value:     strconv.FormatInt(now.UnixMilli(), 10),
				UpdatedAt: now,
			}
			if err := tx.Create(&lock).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if at, pErr := strconv.ParseInt(lock.Value, 10, 64); pErr == nil &&
				now.Sub(time.UnixMilli(at)) < q.ttl {
				return nil // live lock — already scheduled
			}
			// Stale lock: take it over.
			lock.Value = strconv.FormatInt(now.UnixMilli(), 10)
			lock.UpdatedAt = now
			if err := tx.Save(&lock).Error; err != nil {
				return err
			}
		}

		payload, err := json.Marshal(types.SweepJob{MarketID: marketID})
		if err != nil {
			return err
		}
		rec := store.QueueJobRecord{Queue: queueSweep, Payload: string(payload), CreatedAt: now}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue sweep %s: %w", marketID, err)
	}
	return acquired, nil
}

func (q *DBSweepQueue) Dequeue(ctx context.Context) (*types.SweepJob, error) {
	payload, err := popJob(ctx, q.db, queueSweep)
	if err != nil || payload == "" {
		return nil, err
	}
	var job types.SweepJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("unmarshal sweep job: %w", err)
	}
	return &job, nil
}

func (q *DBSweepQueue) ReleaseLock(ctx context.Context, marketID string) error {
	err := q.db.WithContext(ctx).
		Where("key_name = ?", sweepLockPrefix+marketID).
		Delete(&store.SystemKVRecord{}).Error
	if err != nil {
		return fmt.Errorf("release sweep lock %s: %w", marketID, err)
	}
	return nil
}

func (q *DBSweepQueue) Pending(ctx context.Context) (int, error) {
	return countJobs(ctx, q.db, queueSweep)
}

// popJob removes and returns the oldest job of a queue, or "" when empty
// after the blocking timeout.
func popJob(ctx context.Context, db *gorm.DB, queue string) (string, error) {
	deadline := time.Now().Add(DequeueTimeout)
	for {
		var payload string
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec store.QueueJobRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("queue = ?", queue).
				Order("id ASC").
				First(&rec).Error
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tx.Delete(&store.QueueJobRecord{}, rec.ID).Error; err != nil {
				return err
			}
			payload = rec.Payload
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("pop %s job: %w", queue, err)
		}
		if payload != "" {
			return payload, nil
		}

		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func countJobs(ctx context.Context, db *gorm.DB, queue string) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&store.QueueJobRecord{}).
		Where("queue = ?", queue).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", queue, err)
	}
	return int(count), nil
}
