// Package boltstate is a bbolt backend for the retry queue and the stage
// completion records.
package boltstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

// Bucket names.
const (
	BucketRetryItems  = "retry_items"
	BucketCompletions = "completions"
)

// Store represents the bbolt database wrapper.
type Store struct {
	db *bolt.DB
}

// Queue is the bbolt retry.Queue.
type Queue struct {
	db *bolt.DB
}

// Completions is the bbolt retry.Completions.
type Completions struct {
	db *bolt.DB
}

var (
	_ retry.Queue       = (*Queue)(nil)
	_ retry.Completions = (*Completions)(nil)
)

// Open opens the database at path and initializes buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{BucketRetryItems, BucketCompletions} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Queue returns the retry queue view of the store.
func (s *Store) Queue() *Queue {
	return &Queue{db: s.db}
}

// Completions returns the completion records view of the store.
func (s *Store) Completions() *Completions {
	return &Completions{db: s.db}
}

// Save stores item under its id. CreatedAt of an existing item is kept.
func (q *Queue) Save(_ context.Context, item retry.Item) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketRetryItems))
		key := []byte(item.ID())

		now := time.Now().UTC()
		if existing := b.Get(key); existing != nil {
			var prev retry.Item
			if err := json.Unmarshal(existing, &prev); err == nil && !prev.CreatedAt.IsZero() {
				item.CreatedAt = prev.CreatedAt
			}
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = now
		}

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal retry item: %w", err)
		}
		return b.Put(key, data)
	})
}

// Get retrieves an item by id.
func (q *Queue) Get(_ context.Context, id string) (retry.Item, error) {
	var item retry.Item
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BucketRetryItems)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", retry.ErrNotFound, id)
		}
		return json.Unmarshal(data, &item)
	})
	return item, err
}

// Delete removes an item.
func (q *Queue) Delete(_ context.Context, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketRetryItems))
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", retry.ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// List retrieves items by status, or all items when status is empty.
func (q *Queue) List(_ context.Context, status retry.Status) ([]retry.Item, error) {
	items, err := q.scan(func(item retry.Item) bool {
		return status == "" || item.Status == status
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID() < items[j].ID()
	})
	return items, nil
}

// Due retrieves pending items eligible at now with attempts left.
func (q *Queue) Due(_ context.Context, now time.Time, maxAttempts int) ([]retry.Item, error) {
	items, err := q.scan(func(item retry.Item) bool {
		return item.Status == retry.StatusPending &&
			item.Attempts < maxAttempts &&
			!item.NextEligibleAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].NextEligibleAt.Equal(items[j].NextEligibleAt) {
			return items[i].NextEligibleAt.Before(items[j].NextEligibleAt)
		}
		return items[i].ID() < items[j].ID()
	})
	return items, nil
}

// ResetInProgress moves items left in progress back to pending.
func (q *Queue) ResetInProgress(_ context.Context) (int, error) {
	reset := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketRetryItems))
		updates := make(map[string][]byte)

		err := b.ForEach(func(k, v []byte) error {
			var item retry.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode retry item %s: %w", k, err)
			}
			if item.Status != retry.StatusInProgress {
				return nil
			}
			item.Status = retry.StatusPending
			item.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		// Keys must not be modified while iterating.
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		reset = len(updates)
		return nil
	})
	return reset, err
}

// Record stores a completion. An existing record for the same stage is kept.
func (c *Completions) Record(_ context.Context, completion retry.Completion) error {
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = time.Now().UTC()
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketCompletions))
		key := []byte(retry.ID(completion.TransactionID, completion.Stage))
		if b.Get(key) != nil {
			return nil
		}

		data, err := json.Marshal(completion)
		if err != nil {
			return fmt.Errorf("failed to marshal completion: %w", err)
		}
		return b.Put(key, data)
	})
}

// Get retrieves the completion of stage for a transaction.
func (c *Completions) Get(_ context.Context, transactionID string, stage retry.Stage) (retry.Completion, error) {
	var completion retry.Completion
	key := retry.ID(transactionID, stage)
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BucketCompletions)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", retry.ErrNotFound, key)
		}
		return json.Unmarshal(data, &completion)
	})
	return completion, err
}

func (q *Queue) scan(keep func(retry.Item) bool) ([]retry.Item, error) {
	var items []retry.Item
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketRetryItems)).ForEach(func(k, v []byte) error {
			var item retry.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode retry item %s: %w", k, err)
			}
			if keep(item) {
				items = append(items, item)
			}
			return nil
		})
	})
	return items, err
}
