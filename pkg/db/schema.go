// Package db provides SQLite persistence for the retry queue, the stage
// completion records, run history and sync metadata.
package db

import "context"

// Schema defines the SQL statements to create database tables.
const Schema = `
-- Retry queue
-- One row per failed (transaction, stage); survives restarts
CREATE TABLE IF NOT EXISTS retry_items (
    id TEXT PRIMARY KEY,                  -- <transaction_id>:<stage>
    transaction_id TEXT NOT NULL,
    stage TEXT NOT NULL,                  -- mapping, staging, posting, marking
    attempts INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    next_eligible_at TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,                 -- pending, in_progress, abandoned
    destination_account_id TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(transaction_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_retry_items_due
    ON retry_items(status, next_eligible_at);

-- Stage completions
-- Idempotency records; markers on the ledger are a projection of these
CREATE TABLE IF NOT EXISTS stage_completions (
    transaction_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    reference TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL,
    PRIMARY KEY (transaction_id, stage)
);

-- Run history
CREATE TABLE IF NOT EXISTS run_history (
    run_id TEXT PRIMARY KEY,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    processed INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    posted INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    retried INTEGER NOT NULL,
    abandoned INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    status TEXT NOT NULL,                 -- completed, partial, failed
    error TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_history_started
    ON run_history(started_at);

-- Sync metadata table
-- Stores key-value metadata about sync operations
CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InitializeSchema initializes the database schema.
// It creates all tables if they don't exist.
func InitializeSchema(conn *Connection) error {
	if _, err := conn.db.ExecContext(context.Background(), Schema); err != nil {
		return err
	}
	return nil
}
