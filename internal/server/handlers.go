package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"custodian/internal/dispatch"
	"custodian/internal/model"
	"custodian/internal/queue"
	"custodian/internal/storage"
)

// AgentHandler implements the pull-only agent protocol. The server never
// pushes work: agents poll, claim, and report.
type AgentHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewAgentHandler(d *dispatch.Dispatcher) *AgentHandler {
	return &AgentHandler{dispatcher: d}
}

// agentID resolves the calling agent from the X-Agent-ID header, falling back
// to the agent query parameter.
func agentID(c echo.Context) string {
	if id := c.Request().Header.Get("X-Agent-ID"); id != "" {
		return id
	}
	return c.QueryParam("agent")
}

// Poll returns the agent's claimable tasks, highest priority first.
func (h *AgentHandler) Poll(c echo.Context) error {
	id := agentID(c)
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent id is required"})
	}
	limit := 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
	}

	tasks, err := h.dispatcher.ListPending(c.Request().Context(), id, limit)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Claim attempts to take ownership of a pending task. 409 means another actor
// won the race and the agent must move on.
func (h *AgentHandler) Claim(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	ok, err := h.dispatcher.Assign(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "task not available"})
	}

	task, err := h.dispatcher.Get(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// Start acknowledges that execution began.
func (h *AgentHandler) Start(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	if err := h.dispatcher.Start(c.Request().Context(), id); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "running"})
}

type taskProgressRequest struct {
	Progress int     `json:"progress"`
	Message  *string `json:"message,omitempty"`
}

// Progress records advisory progress on a running task.
func (h *AgentHandler) Progress(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	var req taskProgressRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.dispatcher.ReportProgress(c.Request().Context(), id, req.Progress, req.Message); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type taskCompleteRequest struct {
	Result   *string `json:"result,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
}

// Complete records a successful terminal report.
func (h *AgentHandler) Complete(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	var req taskCompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.dispatcher.Complete(c.Request().Context(), id, req.Result, req.ExitCode); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

type taskFailRequest struct {
	Error    string `json:"error"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Fail records a failed attempt. The retry decision stays server-side; the
// agent only learns that the report was accepted.
func (h *AgentHandler) Fail(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	var req taskFailRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if _, err := h.dispatcher.Fail(c.Request().Context(), id, req.Error, req.ExitCode); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

// JobHandler implements the producer surface of the job queue.
type JobHandler struct {
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
}

func NewJobHandler(q *queue.Queue, d *dispatch.Dispatcher) *JobHandler {
	return &JobHandler{queue: q, dispatcher: d}
}

type pushJobRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedBy   string          `json:"created_by"`
}

// Push enqueues a new job.
func (h *JobHandler) Push(c echo.Context) error {
	var req pushJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type is required"})
	}

	job, err := h.queue.Push(c.Request().Context(), queue.PushRequest{
		Queue:       req.Queue,
		Type:        req.Type,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

// Get returns the job's progress projection, served from cache when fresh.
func (h *JobHandler) Get(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	info, err := h.queue.GetProgressInfo(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Tasks lists the tasks fanned out for a job.
func (h *JobHandler) Tasks(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if _, err := h.queue.Get(c.Request().Context(), id); err != nil {
		return storeError(c, err)
	}
	tasks, err := h.dispatcher.ListByJob(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// Cancel cancels a pending or running job.
func (h *JobHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err := h.queue.Cancel(c.Request().Context(), id); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// Retry returns a failed job with remaining budget to pending.
func (h *JobHandler) Retry(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err := h.queue.Retry(c.Request().Context(), id); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "pending"})
}

// Stats returns job counts by status.
func (h *JobHandler) Stats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// ScheduleHandler exposes the schedule read surface and the manual run
// trigger.
type ScheduleHandler struct {
	schedules *storage.ScheduleStore
	runner    ScheduleRunner
}

func NewScheduleHandler(schedules *storage.ScheduleStore, runner ScheduleRunner) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, runner: runner}
}

// List returns all schedules.
func (h *ScheduleHandler) List(c echo.Context) error {
	scheds, err := h.schedules.List(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"schedules": scheds,
		"count":     len(scheds),
	})
}

// Get returns one schedule.
func (h *ScheduleHandler) Get(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "schedule not found"})
	}
	sched, err := h.schedules.Get(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, sched)
}

// Enable turns a schedule on.
func (h *ScheduleHandler) Enable(c echo.Context) error {
	return h.setEnabled(c, true)
}

// Disable turns a schedule off. The scheduler skips it from the next tick on;
// already-pushed jobs are unaffected.
func (h *ScheduleHandler) Disable(c echo.Context) error {
	return h.setEnabled(c, false)
}

func (h *ScheduleHandler) setEnabled(c echo.Context, enabled bool) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "schedule not found"})
	}
	if err := h.schedules.SetEnabled(c.Request().Context(), id, enabled); err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
}

// Run fires a schedule immediately, bypassing its recurrence, windows, and
// blackouts.
func (h *ScheduleHandler) Run(c echo.Context) error {
	id := c.Param("id")
	if !model.ValidateID(id) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "schedule not found"})
	}
	job, err := h.runner.RunNow(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// storeError maps storage errors onto HTTP statuses.
func storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, storage.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrRetryExhausted):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
