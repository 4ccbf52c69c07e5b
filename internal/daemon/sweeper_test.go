package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian/internal/dispatch"
	"custodian/internal/model"
	"custodian/internal/queue"
)

// pushRunningJob simulates a claimed backup_run whose handler fanned out and
// deferred completion.
func pushRunningJob(t *testing.T, f *fixture, payload []byte) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.queue.Push(ctx, queue.PushRequest{
		Type:    model.JobTypeBackupRun,
		Payload: payload,
	})
	require.NoError(t, err)
	claimed, err := f.queue.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func fanOutTask(t *testing.T, f *fixture, jobID, agentID string, maxAttempts int) *model.AgentTask {
	t.Helper()
	task, err := f.dispatcher.Create(context.Background(), dispatch.CreateRequest{
		AgentID:     agentID,
		JobID:       &jobID,
		Type:        model.TaskTypeBackup,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return task
}

func runTask(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.dispatcher.Assign(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.dispatcher.Start(ctx, id))
}

func completeTask(t *testing.T, f *fixture, id string) {
	t.Helper()
	runTask(t, f, id)
	require.NoError(t, f.dispatcher.Complete(context.Background(), id, nil, nil))
}

func failTaskTerminal(t *testing.T, f *fixture, id string) {
	t.Helper()
	runTask(t, f, id)
	requeued, err := f.dispatcher.Fail(context.Background(), id, "backup failed", nil)
	require.NoError(t, err)
	require.False(t, requeued)
}

func TestSweepCompletesJobWhenAllTasksSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	a := fanOutTask(t, f, job.ID, "agent-1", 1)
	b := fanOutTask(t, f, job.ID, "agent-2", 1)
	completeTask(t, f, a.ID)
	completeTask(t, f, b.ID)

	f.sweeper.Sweep(ctx)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)

	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(*got.Result), &summary))
	assert.Equal(t, 2, summary["tasks"])
	assert.Equal(t, 2, summary["completed"])
}

func TestSweepFailsJobWhenAnyTaskFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	a := fanOutTask(t, f, job.ID, "agent-1", 1)
	b := fanOutTask(t, f, job.ID, "agent-2", 1)
	completeTask(t, f, a.ID)
	failTaskTerminal(t, f, b.ID)

	f.sweeper.Sweep(ctx)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "1/2 tasks failed", *got.Error)
}

func TestSweepCancelsJobOnCancelledTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	a := fanOutTask(t, f, job.ID, "agent-1", 1)
	b := fanOutTask(t, f, job.ID, "agent-2", 1)
	completeTask(t, f, a.ID)
	require.NoError(t, f.dispatcher.Cancel(ctx, b.ID))

	f.sweeper.Sweep(ctx)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestSweepLeavesUnfinishedFanOutAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	a := fanOutTask(t, f, job.ID, "agent-1", 1)
	fanOutTask(t, f, job.ID, "agent-2", 1) // still pending
	completeTask(t, f, a.ID)

	f.sweeper.Sweep(ctx)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
}

func TestSweepSettlesRetriedJobFromFreshFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	task := fanOutTask(t, f, job.ID, "agent-1", 1)
	failTaskTerminal(t, f, task.ID)

	f.sweeper.Sweep(ctx)
	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	// Second execution: retry detaches the failed fan-out, so settlement
	// only sees the tasks of the new run.
	require.NoError(t, f.queue.Retry(ctx, job.ID))
	claimed, err := f.queue.Claim(ctx, model.DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	fresh := fanOutTask(t, f, job.ID, "agent-1", 1)
	completeTask(t, f, fresh.ID)

	f.sweeper.Sweep(ctx)

	got, err = f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	tasks, err := f.tasks.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, fresh.ID, tasks[0].ID)
}

func TestSweepReclaimsTimedOutTaskThenSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := pushRunningJob(t, f, nil)
	task, err := f.dispatcher.Create(ctx, dispatch.CreateRequest{
		AgentID:        "agent-1",
		JobID:          &job.ID,
		Type:           model.TaskTypeBackup,
		MaxAttempts:    1,
		TimeoutSeconds: 60,
	})
	require.NoError(t, err)
	ok, err := f.dispatcher.Assign(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	// Started long enough ago that the timeout has passed.
	require.NoError(t, f.tasks.Start(ctx, task.ID, time.Now().UTC().Add(-10*time.Minute)))

	f.sweeper.Sweep(ctx)

	gotTask, err := f.dispatcher.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, gotTask.Status)

	gotJob, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, gotJob.Status)
}

func TestSweepFailureArmsScheduleRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := insertSchedule(t, f, func(s *model.BackupSchedule) {
		s.RetryOnFailure = true
		s.MaxRetries = 1
		s.RetryDelayMinutes = 30
	})

	payload, err := json.Marshal(BackupRunPayload{
		ScheduleID: sched.ID,
		BackupJob:  sched.JobID,
		Agents:     sched.Agents,
	})
	require.NoError(t, err)

	job := pushRunningJob(t, f, payload)
	task := fanOutTask(t, f, job.ID, "agent-1", 1)
	failTaskTerminal(t, f, task.ID)

	f.sweeper.Sweep(ctx)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, got.Status)

	f.scheduler.mu.Lock()
	armed := len(f.scheduler.retryTimers)
	f.scheduler.mu.Unlock()
	assert.Equal(t, 1, armed)
}
