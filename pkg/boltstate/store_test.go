package boltstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/retry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "state.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQueueSaveGetDelete(t *testing.T) {
	q := openTestStore(t).Queue()
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	item := retry.Item{TransactionID: "t1", Stage: retry.StageStaging, Attempts: 1, Status: retry.StatusPending, CreatedAt: created}
	require.NoError(t, q.Save(ctx, item))

	item.Attempts = 2
	item.CreatedAt = time.Time{}
	require.NoError(t, q.Save(ctx, item))

	got, err := q.Get(ctx, "t1:staging")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.CreatedAt.Equal(created))

	require.NoError(t, q.Delete(ctx, "t1:staging"))
	_, err = q.Get(ctx, "t1:staging")
	assert.ErrorIs(t, err, retry.ErrNotFound)
	assert.ErrorIs(t, q.Delete(ctx, "t1:staging"), retry.ErrNotFound)
}

func TestQueueDueAndReset(t *testing.T) {
	q := openTestStore(t).Queue()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, item := range []retry.Item{
		{TransactionID: "a", Stage: retry.StageMapping, Attempts: 1, Status: retry.StatusPending, NextEligibleAt: now.Add(-2 * time.Minute)},
		{TransactionID: "b", Stage: retry.StageMapping, Attempts: 1, Status: retry.StatusPending, NextEligibleAt: now.Add(-time.Minute)},
		{TransactionID: "c", Stage: retry.StageMapping, Attempts: 1, Status: retry.StatusPending, NextEligibleAt: now.Add(time.Minute)},
		{TransactionID: "d", Stage: retry.StageMapping, Attempts: 3, Status: retry.StatusPending},
		{TransactionID: "e", Stage: retry.StageMapping, Attempts: 3, Status: retry.StatusAbandoned},
		{TransactionID: "f", Stage: retry.StageMapping, Attempts: 1, Status: retry.StatusInProgress},
	} {
		require.NoError(t, q.Save(ctx, item))
	}

	due, err := q.Due(ctx, now, 3)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].TransactionID)
	assert.Equal(t, "b", due[1].TransactionID)

	n, err := q.ResetInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := q.List(ctx, retry.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 5)

	abandoned, err := q.List(ctx, retry.StatusAbandoned)
	require.NoError(t, err)
	assert.Len(t, abandoned, 1)
}

func TestCompletions(t *testing.T) {
	c := openTestStore(t).Completions()
	ctx := context.Background()

	_, err := c.Get(ctx, "t1", retry.StageMapping)
	assert.ErrorIs(t, err, retry.ErrNotFound)

	require.NoError(t, c.Record(ctx, retry.Completion{TransactionID: "t1", Stage: retry.StageMapping, Reference: "acc-1"}))
	require.NoError(t, c.Record(ctx, retry.Completion{TransactionID: "t1", Stage: retry.StageMapping, Reference: "acc-2"}))

	got, err := c.Get(ctx, "t1", retry.StageMapping)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.Reference)
	assert.False(t, got.CompletedAt.IsZero())
}
