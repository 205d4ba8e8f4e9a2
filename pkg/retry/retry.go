// Package retry defines the durable retry queue model, its backoff schedule
// and the idempotency records that say which pipeline stages already
// completed for a transaction.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an item or completion does not exist.
var ErrNotFound = errors.New("retry item not found")

// Stage is a pipeline stage.
type Stage string

const (
	StageMapping Stage = "mapping"
	StageStaging Stage = "staging"
	StagePosting Stage = "posting"
	StageMarking Stage = "marking"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageMapping, StageStaging, StagePosting, StageMarking}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusAbandoned  Status = "abandoned"
)

// Item is a failed stage of one transaction waiting to be re-attempted.
type Item struct {
	TransactionID        string    `json:"transaction_id"`
	Stage                Stage     `json:"stage"`
	Attempts             int       `json:"attempts"`
	LastError            string    `json:"last_error"`
	NextEligibleAt       time.Time `json:"next_eligible_at"`
	Status               Status    `json:"status"`
	DestinationAccountID string    `json:"destination_account_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ID returns the string key of the item.
func (i Item) ID() string {
	return ID(i.TransactionID, i.Stage)
}

// ID formats the key of the item for (transactionID, stage).
func ID(transactionID string, stage Stage) string {
	return transactionID + ":" + string(stage)
}

// ParseID splits an item key. The stage is taken after the last colon so
// transaction ids may contain colons themselves.
func ParseID(id string) (string, Stage, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("invalid retry item id %q", id)
	}
	stage := Stage(id[i+1:])
	if !stage.Valid() {
		return "", "", fmt.Errorf("invalid retry item id %q: unknown stage %q", id, stage)
	}
	return id[:i], stage, nil
}

// Policy bounds retries of a queued item.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Minute,
		MaxDelay:    6 * time.Hour,
	}
}

// Backoff returns min(base * 2^(attempts-1), max).
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Fail records one more failed attempt of item. The item is abandoned when
// permanent is set or the attempt budget is used up; otherwise it becomes
// pending again with the next backoff.
func (p Policy) Fail(item Item, cause error, permanent bool, now time.Time) Item {
	now = now.UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.Attempts++
	if p.MaxAttempts > 0 && item.Attempts > p.MaxAttempts {
		item.Attempts = p.MaxAttempts
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.UpdatedAt = now

	if permanent || (p.MaxAttempts > 0 && item.Attempts >= p.MaxAttempts) {
		item.Status = StatusAbandoned
		item.NextEligibleAt = time.Time{}
		return item
	}
	item.Status = StatusPending
	item.NextEligibleAt = now.Add(p.Backoff(item.Attempts))
	return item
}

// Eligible reports whether the reprocessor may pick item up at now.
func (p Policy) Eligible(item Item, now time.Time) bool {
	if item.Status != StatusPending {
		return false
	}
	if p.MaxAttempts > 0 && item.Attempts >= p.MaxAttempts {
		return false
	}
	return !item.NextEligibleAt.After(now)
}

// Queue is the durable store of retry items, keyed by Item.ID.
type Queue interface {
	// Save inserts or replaces an item.
	Save(ctx context.Context, item Item) error
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (Item, error)
	Delete(ctx context.Context, id string) error
	// List returns items with status, or every item when status is empty,
	// ordered by creation time.
	List(ctx context.Context, status Status) ([]Item, error)
	// Due returns pending items with NextEligibleAt <= now and
	// Attempts < maxAttempts.
	Due(ctx context.Context, now time.Time, maxAttempts int) ([]Item, error)
	// ResetInProgress moves items left in progress back to pending.
	ResetInProgress(ctx context.Context) (int, error)
}

// Completion records that a stage finished for a transaction.
type Completion struct {
	TransactionID string    `json:"transaction_id"`
	Stage         Stage     `json:"stage"`
	Reference     string    `json:"reference,omitempty"` // destination account, record or document id
	CompletedAt   time.Time `json:"completed_at"`
}

// Completions is the durable idempotency store, keyed by
// (transaction id, stage).
type Completions interface {
	// Record is idempotent; the first completion wins.
	Record(ctx context.Context, c Completion) error
	// Get returns ErrNotFound when the stage has not completed.
	Get(ctx context.Context, transactionID string, stage Stage) (Completion, error)
}
