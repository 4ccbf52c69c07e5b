package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"custodian/internal/dispatch"
	"custodian/internal/model"
	"custodian/internal/queue"
)

// backupRunHandler returns the worker handler for backup_run jobs: fan the
// job out into one backup task per target agent, then leave the job running
// for the sweeper to settle once every task reaches a terminal state.
func (d *Daemon) backupRunHandler() queue.Handler {
	return func(ctx context.Context, job *model.Job) (queue.HandlerResult, error) {
		var p BackupRunPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return queue.HandlerResult{}, fmt.Errorf("parse backup_run payload: %w", err)
			}
		}

		if len(p.Agents) == 0 {
			out := `{"tasks":0}`
			return queue.HandlerResult{Done: true, Output: &out}, nil
		}

		taskPayload := p.TaskPayload
		if len(taskPayload) == 0 && p.BackupJob != "" {
			b, err := json.Marshal(map[string]string{"backup_job": p.BackupJob})
			if err != nil {
				return queue.HandlerResult{}, fmt.Errorf("marshal task payload: %w", err)
			}
			taskPayload = b
		}

		created := 0
		for _, agentID := range p.Agents {
			_, err := d.dispatcher.Create(ctx, dispatch.CreateRequest{
				AgentID:   agentID,
				JobID:     &job.ID,
				Type:      model.TaskTypeBackup,
				Priority:  model.PriorityNormal,
				Payload:   taskPayload,
				CreatedBy: job.CreatedBy,
			})
			if err != nil {
				// A partial fan-out still runs; fail only when nothing was
				// created, otherwise the sweeper would wait forever on zero
				// tasks while the created ones execute.
				d.log(model.LogLevelError, "fanout_create_failed job=%s agent=%s error=%v", job.ID, agentID, err)
				continue
			}
			created++
		}

		if created == 0 {
			return queue.HandlerResult{}, fmt.Errorf("fan-out created no tasks for %d agents", len(p.Agents))
		}
		d.log(model.LogLevelInfo, "fanout job=%s tasks=%d agents=%d", job.ID, created, len(p.Agents))
		return queue.HandlerResult{Done: false}, nil
	}
}
