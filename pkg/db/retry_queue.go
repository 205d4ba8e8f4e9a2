package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

const retryColumns = `id, transaction_id, stage, attempts, last_error, next_eligible_at,
	status, destination_account_id, created_at, updated_at`

// RetryQueue is the SQLite retry.Queue.
type RetryQueue struct {
	conn *Connection
}

// NewRetryQueue creates a new RetryQueue instance.
func NewRetryQueue(conn *Connection) *RetryQueue {
	return &RetryQueue{conn: conn}
}

var _ retry.Queue = (*RetryQueue)(nil)

// Save inserts an item or replaces the one with the same key.
func (q *RetryQueue) Save(ctx context.Context, item retry.Item) error {
	query := `
		INSERT INTO retry_items (` + retryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			next_eligible_at = excluded.next_eligible_at,
			status = excluded.status,
			destination_account_id = excluded.destination_account_id,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	created, updated := item.CreatedAt, item.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	_, err := q.conn.db.ExecContext(ctx, query,
		item.ID(),
		item.TransactionID,
		string(item.Stage),
		item.Attempts,
		item.LastError,
		formatTime(item.NextEligibleAt),
		string(item.Status),
		item.DestinationAccountID,
		formatTime(created),
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save retry item %s: %w", item.ID(), err)
	}
	return nil
}

// Get retrieves an item by id.
func (q *RetryQueue) Get(ctx context.Context, id string) (retry.Item, error) {
	row := q.conn.db.QueryRowContext(ctx, `SELECT `+retryColumns+` FROM retry_items WHERE id = ?`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return retry.Item{}, fmt.Errorf("%w: %s", retry.ErrNotFound, id)
	}
	if err != nil {
		return retry.Item{}, fmt.Errorf("failed to get retry item %s: %w", id, err)
	}
	return item, nil
}

// Delete removes an item. Deleting a missing item returns retry.ErrNotFound.
func (q *RetryQueue) Delete(ctx context.Context, id string) error {
	result, err := q.conn.db.ExecContext(ctx, `DELETE FROM retry_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete retry item %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", retry.ErrNotFound, id)
	}
	return nil
}

// List retrieves items by status, or all items when status is empty.
func (q *RetryQueue) List(ctx context.Context, status retry.Status) ([]retry.Item, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry items: %w", err)
	}
	return collectItems(rows)
}

// Due retrieves pending items eligible at now with attempts left.
func (q *RetryQueue) Due(ctx context.Context, now time.Time, maxAttempts int) ([]retry.Item, error) {
	query := `
		SELECT ` + retryColumns + ` FROM retry_items
		WHERE status = ? AND next_eligible_at <= ? AND attempts < ?
		ORDER BY next_eligible_at, id
	`

	rows, err := q.conn.db.QueryContext(ctx, query, string(retry.StatusPending), formatTime(now), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retry items: %w", err)
	}
	return collectItems(rows)
}

// ResetInProgress moves items a crashed run left in progress back to pending.
func (q *RetryQueue) ResetInProgress(ctx context.Context) (int, error) {
	result, err := q.conn.db.ExecContext(ctx,
		`UPDATE retry_items SET status = ?, updated_at = ? WHERE status = ?`,
		string(retry.StatusPending), formatTime(time.Now()), string(retry.StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-progress retry items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (retry.Item, error) {
	var (
		item                       retry.Item
		id, stage, status          string
		nextEligible, created, upd string
	)
	if err := s.Scan(
		&id,
		&item.TransactionID,
		&stage,
		&item.Attempts,
		&item.LastError,
		&nextEligible,
		&status,
		&item.DestinationAccountID,
		&created,
		&upd,
	); err != nil {
		return retry.Item{}, err
	}

	item.Stage = retry.Stage(stage)
	item.Status = retry.Status(status)

	var err error
	if item.NextEligibleAt, err = parseTime(nextEligible); err != nil {
		return retry.Item{}, err
	}
	if item.CreatedAt, err = parseTime(created); err != nil {
		return retry.Item{}, err
	}
	if item.UpdatedAt, err = parseTime(upd); err != nil {
		return retry.Item{}, err
	}
	return item, nil
}

func collectItems(rows *sql.Rows) ([]retry.Item, error) {
	defer rows.Close()

	var items []retry.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry items: %w", err)
	}
	return items, nil
}
