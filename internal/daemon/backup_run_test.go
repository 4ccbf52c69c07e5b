package daemon

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian/internal/model"
	"custodian/internal/queue"
)

func newHandlerDaemon(t *testing.T, f *fixture) *Daemon {
	t.Helper()
	d := newDaemon(model.Config{
		Daemon:  model.DaemonConfig{DataDir: t.TempDir()},
		Logging: model.LoggingConfig{Level: "info"},
	}, "", io.Discard, nil)
	d.dispatcher = f.dispatcher
	return d
}

func TestBackupRunFansOutOneTaskPerAgent(t *testing.T) {
	f := newFixture(t)
	d := newHandlerDaemon(t, f)
	ctx := context.Background()

	payload, err := json.Marshal(BackupRunPayload{
		BackupJob: "nightly-docs",
		Agents:    []string{"agent-1", "agent-2", "agent-3"},
	})
	require.NoError(t, err)
	job := pushRunningJob(t, f, payload)

	res, err := d.backupRunHandler()(ctx, job)
	require.NoError(t, err)
	assert.False(t, res.Done)

	tasks, err := f.dispatcher.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	agents := make(map[string]bool)
	for _, task := range tasks {
		agents[task.AgentID] = true
		assert.Equal(t, model.TaskTypeBackup, task.Type)
		assert.Equal(t, model.TaskStatusPending, task.Status)
		require.NotNil(t, task.JobID)
		assert.Equal(t, job.ID, *task.JobID)

		var tp map[string]string
		require.NoError(t, json.Unmarshal(task.Payload, &tp))
		assert.Equal(t, "nightly-docs", tp["backup_job"])
	}
	assert.Len(t, agents, 3)
}

func TestBackupRunZeroAgentsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	d := newHandlerDaemon(t, f)

	payload, err := json.Marshal(BackupRunPayload{BackupJob: "nightly-docs"})
	require.NoError(t, err)
	job := pushRunningJob(t, f, payload)

	res, err := d.backupRunHandler()(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, res.Done)
	require.NotNil(t, res.Output)
	assert.JSONEq(t, `{"tasks":0}`, *res.Output)
}

func TestBackupRunExplicitTaskPayloadWins(t *testing.T) {
	f := newFixture(t)
	d := newHandlerDaemon(t, f)
	ctx := context.Background()

	payload, err := json.Marshal(BackupRunPayload{
		BackupJob:   "nightly-docs",
		Agents:      []string{"agent-1"},
		TaskPayload: json.RawMessage(`{"backup_job":"nightly-docs","verify":true}`),
	})
	require.NoError(t, err)
	job := pushRunningJob(t, f, payload)

	_, err = d.backupRunHandler()(ctx, job)
	require.NoError(t, err)

	tasks, err := f.dispatcher.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"backup_job":"nightly-docs","verify":true}`, string(tasks[0].Payload))
}

func TestBackupRunRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	d := newHandlerDaemon(t, f)

	job := pushRunningJob(t, f, []byte(`{not json`))
	_, err := d.backupRunHandler()(context.Background(), job)
	require.Error(t, err)
}

// End to end through the worker: a fanned-out job stays running until the
// sweeper settles it.
func TestBackupRunThroughWorkerAndSweeper(t *testing.T) {
	f := newFixture(t)
	d := newHandlerDaemon(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := queue.NewWorker(f.queue, model.DefaultQueue, model.QueueConfig{}, nil, model.NewLevelVar(model.LogLevelInfo))
	w.RegisterHandler(model.JobTypeBackupRun, d.backupRunHandler())

	payload, err := json.Marshal(BackupRunPayload{
		BackupJob: "nightly-docs",
		Agents:    []string{"agent-1"},
	})
	require.NoError(t, err)
	job, err := f.queue.Push(ctx, queue.PushRequest{Type: model.JobTypeBackupRun, Payload: payload})
	require.NoError(t, err)

	w.Start(ctx)
	require.Eventually(t, func() bool {
		got, err := f.queue.Get(context.Background(), job.ID)
		return err == nil && got.Status == model.JobStatusRunning
	}, 5*time.Second, 50*time.Millisecond)
	cancel()
	w.Wait()

	tasks, err := f.dispatcher.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	completeTask(t, f, tasks[0].ID)

	f.sweeper.Sweep(context.Background())
	got, err := f.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}
