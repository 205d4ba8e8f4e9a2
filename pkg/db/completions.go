package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

// Completions is the SQLite retry.Completions.
type Completions struct {
	conn *Connection
}

// NewCompletions creates a new Completions instance.
func NewCompletions(conn *Connection) *Completions {
	return &Completions{conn: conn}
}

var _ retry.Completions = (*Completions)(nil)

// Record stores a completion. An existing record for the same stage is kept.
func (c *Completions) Record(ctx context.Context, completion retry.Completion) error {
	query := `
		INSERT INTO stage_completions (transaction_id, stage, reference, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transaction_id, stage) DO NOTHING
	`

	completedAt := completion.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err := c.conn.db.ExecContext(ctx, query,
		completion.TransactionID,
		string(completion.Stage),
		completion.Reference,
		formatTime(completedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s completion of %s: %w", completion.Stage, completion.TransactionID, err)
	}
	return nil
}

// Get retrieves the completion of stage for a transaction.
func (c *Completions) Get(ctx context.Context, transactionID string, stage retry.Stage) (retry.Completion, error) {
	query := `
		SELECT reference, completed_at FROM stage_completions
		WHERE transaction_id = ? AND stage = ?
	`

	completion := retry.Completion{TransactionID: transactionID, Stage: stage}
	var completedAt string
	err := c.conn.db.QueryRowContext(ctx, query, transactionID, string(stage)).Scan(&completion.Reference, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return retry.Completion{}, fmt.Errorf("%w: %s", retry.ErrNotFound, retry.ID(transactionID, stage))
	}
	if err != nil {
		return retry.Completion{}, fmt.Errorf("failed to get completion: %w", err)
	}

	if completion.CompletedAt, err = parseTime(completedAt); err != nil {
		return retry.Completion{}, err
	}
	return completion, nil
}

// Count returns the number of completions recorded for stage.
func (c *Completions) Count(ctx context.Context, stage retry.Stage) (int, error) {
	var count int
	err := c.conn.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_completions WHERE stage = ?`, string(stage)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return count, nil
}
