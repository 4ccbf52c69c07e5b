package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"custodian/internal/model"
)

// HandlerResult tells the worker what to do with the job after its handler
// returns without error.
type HandlerResult struct {
	// Done marks the job completed with Output as its result. A handler that
	// fans work out asynchronously (backup_run) returns Done=false and leaves
	// the job running for the sweeper to settle.
	Done   bool
	Output *string
}

// Handler processes one claimed job. Returning an error fails the job.
type Handler func(ctx context.Context, job *model.Job) (HandlerResult, error)

// Worker claims jobs from one queue and runs the registered handler for each
// job type. Claiming goes through the queue's conditional update, so any
// number of workers may poll the same queue.
type Worker struct {
	queue     *Queue
	queueName string
	interval  time.Duration
	count     int

	mu       sync.RWMutex
	handlers map[string]Handler

	logger *log.Logger
	level  *model.LevelVar
	wg     sync.WaitGroup
}

// NewWorker creates a worker pool over the named queue.
func NewWorker(q *Queue, queueName string, cfg model.QueueConfig, logger *log.Logger, level *model.LevelVar) *Worker {
	interval := time.Duration(cfg.ClaimIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	return &Worker{
		queue:     q,
		queueName: queueName,
		interval:  interval,
		count:     count,
		handlers:  make(map[string]Handler),
		logger:    logger,
		level:     level,
	}
}

// RegisterHandler binds a handler to a job type. Must be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Start launches the worker goroutines. They stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.log(model.LogLevelInfo, "worker_started queue=%s count=%d interval=%s", w.queueName, w.count, w.interval)
}

// Wait blocks until all worker goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before sleeping again.
			for w.processNext(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processNext claims and runs one job, reporting whether a job was found.
func (w *Worker) processNext(ctx context.Context) bool {
	job, err := w.queue.Claim(ctx, w.queueName)
	if err != nil {
		w.log(model.LogLevelError, "claim_failed queue=%s error=%v", w.queueName, err)
		return false
	}
	if job == nil {
		return false
	}

	w.mu.RLock()
	handler, ok := w.handlers[job.Type]
	w.mu.RUnlock()

	if !ok {
		w.log(model.LogLevelError, "handler_missing job=%s type=%s", job.ID, job.Type)
		if err := w.queue.Fail(ctx, job.ID, "no handler registered for job type "+job.Type); err != nil {
			w.log(model.LogLevelError, "fail_failed job=%s error=%v", job.ID, err)
		}
		return true
	}

	res, err := handler(ctx, job)
	if err != nil {
		w.log(model.LogLevelWarn, "handler_failed job=%s type=%s error=%v", job.ID, job.Type, err)
		if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
			w.log(model.LogLevelError, "fail_failed job=%s error=%v", job.ID, failErr)
		}
		return true
	}

	if !res.Done {
		// Fan-out handlers leave the job running; the sweeper settles it once
		// every linked task is terminal.
		w.log(model.LogLevelDebug, "handler_deferred job=%s type=%s", job.ID, job.Type)
		return true
	}

	if err := w.queue.Complete(ctx, job.ID, res.Output); err != nil {
		w.log(model.LogLevelError, "complete_failed job=%s error=%v", job.ID, err)
	}
	return true
}

func (w *Worker) log(level model.LogLevel, format string, args ...any) {
	if w.logger == nil || level < w.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s worker: %s", time.Now().Format(time.RFC3339), level, msg)
}
