package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/report"
)

// DefaultRetention is how many runs RunHistory keeps.
const DefaultRetention = 1000

// RunHistory manages run summaries and sync metadata.
type RunHistory struct {
	conn      *Connection
	retention int
}

// NewRunHistory creates a new RunHistory instance that keeps the
// DefaultRetention most recent runs.
func NewRunHistory(conn *Connection) *RunHistory {
	return &RunHistory{conn: conn, retention: DefaultRetention}
}

// WithRetention returns a copy of h that keeps the n most recent runs.
func (h *RunHistory) WithRetention(n int) *RunHistory {
	return &RunHistory{conn: h.conn, retention: n}
}

const runColumns = `run_id, window_start, window_end, processed, skipped, posted, failed,
	retried, abandoned, duration_ms, status, error, started_at, finished_at`

// SaveRun records a finished run and drops runs beyond the retention.
func (h *RunHistory) SaveRun(ctx context.Context, s report.Summary) error {
	insert := `
		INSERT INTO run_history (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`
	prune := `
		DELETE FROM run_history WHERE run_id NOT IN (
			SELECT run_id FROM run_history ORDER BY started_at DESC LIMIT ?
		)
	`

	return h.conn.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insert,
			s.RunID,
			s.WindowStart,
			s.WindowEnd,
			s.Processed,
			s.Skipped,
			s.Posted,
			s.Failed,
			s.Retried,
			s.Abandoned,
			s.DurationMs,
			string(s.Status),
			s.Error,
			formatTime(s.StartedAt),
			formatTime(s.FinishedAt),
		); err != nil {
			return fmt.Errorf("failed to save run %s: %w", s.RunID, err)
		}

		if h.retention > 0 {
			if _, err := tx.ExecContext(ctx, prune, h.retention); err != nil {
				return fmt.Errorf("failed to prune run history: %w", err)
			}
		}
		return nil
	})
}

// LastRun retrieves the most recent run, or nil if there is none.
func (h *RunHistory) LastRun(ctx context.Context) (*report.Summary, error) {
	runs, err := h.RecentRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// RecentRuns retrieves up to limit runs, newest first.
func (h *RunHistory) RecentRuns(ctx context.Context, limit int) ([]report.Summary, error) {
	query := `SELECT ` + runColumns + ` FROM run_history ORDER BY started_at DESC LIMIT ?`

	rows, err := h.conn.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent runs: %w", err)
	}
	defer rows.Close()

	var runs []report.Summary
	for rows.Next() {
		var (
			s                   report.Summary
			status              string
			started, finishedAt string
		)
		if err := rows.Scan(
			&s.RunID,
			&s.WindowStart,
			&s.WindowEnd,
			&s.Processed,
			&s.Skipped,
			&s.Posted,
			&s.Failed,
			&s.Retried,
			&s.Abandoned,
			&s.DurationMs,
			&status,
			&s.Error,
			&started,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		s.Status = report.Status(status)
		if s.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if s.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// Stats represents totals over the run history.
type Stats struct {
	TotalRuns      int
	TotalPosted    int
	TotalFailed    int
	TotalAbandoned int
	LastRun        sql.NullString
}

// GetStats retrieves run statistics.
func (h *RunHistory) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats

	err := h.conn.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(posted), 0), COALESCE(SUM(failed), 0), COALESCE(SUM(abandoned), 0)
		FROM run_history
	`).Scan(&stats.TotalRuns, &stats.TotalPosted, &stats.TotalFailed, &stats.TotalAbandoned)
	if err != nil {
		return nil, fmt.Errorf("failed to get run totals: %w", err)
	}

	err = h.conn.db.QueryRowContext(ctx, `SELECT MAX(started_at) FROM run_history`).Scan(&stats.LastRun)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last run time: %w", err)
	}

	return &stats, nil
}

// GetMetadata retrieves a metadata value. A missing key yields "".
func (h *RunHistory) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := h.conn.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}

	return value, nil
}

// SetMetadata sets a metadata value.
func (h *RunHistory) SetMetadata(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := h.conn.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}

	return nil
}
