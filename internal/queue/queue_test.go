package queue

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian/internal/model"
	"custodian/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *storage.JobStore) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := storage.NewJobStore(db)
	logger := log.New(io.Discard, "", 0)
	level := model.NewLevelVar(model.LogLevelInfo)
	q := New(jobs, model.QueueConfig{DefaultMaxAttempts: 3}, time.Minute, nil, logger, level)
	return q, jobs
}

func TestPushDefaults(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun, CreatedBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultQueue, job.Queue)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.True(t, model.ValidateID(job.ID))
}

func TestPushRequiresType(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Push(context.Background(), PushRequest{})
	require.Error(t, err)
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Claim(context.Background(), model.DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestUpdateProgressClamped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun})
	require.NoError(t, err)
	_, err = q.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)

	// 100 is reserved for Complete; anything above pins to 99.
	require.NoError(t, q.UpdateProgress(ctx, job.ID, 150, "almost there\n"))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, -5, ""))
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestGetProgressInfoCacheFirst(t *testing.T) {
	q, jobs := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun})
	require.NoError(t, err)

	// Mutate the row behind the queue's back; the cached projection from Push
	// still serves.
	claimed, err := jobs.Claim(ctx, model.DefaultQueue, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	info, err := q.GetProgressInfo(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, info.Status)

	// A fresh queue over the same store has a cold cache and reads through.
	fresh := New(jobs, model.QueueConfig{}, time.Minute, nil, nil, model.NewLevelVar(model.LogLevelInfo))
	info, err = fresh.GetProgressInfo(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, info.Status)
}

func TestCompleteRefreshesProjection(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun})
	require.NoError(t, err)
	_, err = q.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)

	result := `{"ok":true}`
	require.NoError(t, q.Complete(ctx, job.ID, &result))

	info, err := q.GetProgressInfo(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, info.Status)
	assert.Equal(t, 100, info.Progress)
	assert.NotNil(t, info.CompletedAt)
}

func TestRetryThroughQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun, MaxAttempts: 2})
	require.NoError(t, err)
	_, err = q.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "network flake"))

	require.NoError(t, q.Retry(ctx, job.ID))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)

	// Second execution consumes the budget.
	_, err = q.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "network flake again"))
	assert.ErrorIs(t, q.Retry(ctx, job.ID), storage.ErrRetryExhausted)
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Push(ctx, PushRequest{Type: model.JobTypeBackupRun})
		require.NoError(t, err)
	}
	claimed, err := q.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, claimed.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.JobStatusPending])
	assert.Equal(t, 1, stats[model.JobStatusCancelled])
}
