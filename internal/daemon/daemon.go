// Package daemon wires the custodian process together: storage, queue,
// dispatcher, HTTP server, and the background loops (scheduler, sweeper,
// janitor). One daemon instance owns one data directory, enforced by a file
// lock.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"custodian/internal/config"
	"custodian/internal/dispatch"
	"custodian/internal/events"
	"custodian/internal/lock"
	"custodian/internal/model"
	"custodian/internal/queue"
	"custodian/internal/server"
	"custodian/internal/storage"
)

// Daemon is the custodian process.
type Daemon struct {
	cfg        model.Config
	configPath string
	logger     *log.Logger
	level      *model.LevelVar
	logFile    io.Closer

	fileLock *lock.FileLock
	db       *storage.DB
	bus      *events.Bus
	audit    *events.AuditLogger

	queue      *queue.Queue
	worker     *queue.Worker
	dispatcher *dispatch.Dispatcher
	schedules  *storage.ScheduleStore
	httpServer *server.Server

	scheduler *Scheduler
	sweeper   *Sweeper
	janitor   *Janitor
}

// New creates a Daemon logging to logs/daemon.log under the data directory.
func New(cfg model.Config, configPath string) (*Daemon, error) {
	logPath := filepath.Join(cfg.Daemon.DataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(cfg, configPath, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(cfg model.Config, configPath string, w io.Writer, closer io.Closer) *Daemon {
	return &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     log.New(w, "", 0),
		level:      model.NewLevelVar(model.ParseLogLevel(cfg.Logging.Level)),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(cfg.Daemon.DataDir, "locks", "custodian.lock")),
	}
}

// Run starts every component and blocks until a shutdown signal arrives and
// the graceful drain completes.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.cleanup()
	d.log(model.LogLevelInfo, "daemon_starting pid=%d data_dir=%s", os.Getpid(), d.cfg.Daemon.DataDir)

	db, err := storage.Open(d.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	d.db = db

	d.bus = events.NewBus(256)
	if d.cfg.Audit.Enabled {
		auditPath := filepath.Join(d.cfg.Daemon.DataDir, "audit", "events.jsonl")
		audit, err := events.NewAuditLogger(auditPath, d.cfg.Audit.MaxSizeBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		d.bus.SubscribeAll(events.LifecycleEventTypes(), func(e events.Event) {
			if err := d.audit.Record(e); err != nil {
				d.log(model.LogLevelError, "audit_write_failed event=%s error=%v", e.Type, err)
			}
		})
	}

	cacheTTL := time.Duration(d.cfg.Cache.TTLSec) * time.Second
	d.queue = queue.New(storage.NewJobStore(db), d.cfg.Queue, cacheTTL, d.bus, d.logger, d.level)
	d.dispatcher = dispatch.New(storage.NewTaskStore(db), d.cfg.Dispatch, d.bus, d.logger, d.level)
	d.schedules = storage.NewScheduleStore(db)

	d.worker = queue.NewWorker(d.queue, model.DefaultQueue, d.cfg.Queue, d.logger, d.level)
	d.worker.RegisterHandler(model.JobTypeBackupRun, d.backupRunHandler())

	d.scheduler = NewScheduler(d.schedules, d.queue, d.bus, d.cfg.Scheduler, d.logger, d.level)
	d.sweeper = NewSweeper(storage.NewTaskStore(db), d.queue, d.dispatcher, d.schedules, d.scheduler, d.cfg.Sweeper, d.logger, d.level)
	d.janitor = NewJanitor(storage.NewJobStore(db), storage.NewTaskStore(db), d.cfg.Janitor, d.logger, d.level)

	d.httpServer = server.New(d.cfg.Server, d.queue, d.dispatcher, d.schedules, d.scheduler, d.logger, d.level)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, loopCtx := errgroup.WithContext(runCtx)
	d.worker.Start(loopCtx)
	g.Go(func() error { return d.scheduler.Run(loopCtx) })
	g.Go(func() error { return d.sweeper.Run(loopCtx) })
	g.Go(func() error { return d.janitor.Run(loopCtx) })
	g.Go(func() error {
		err := d.httpServer.Start()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	stopWatch := d.watchConfig()

	d.log(model.LogLevelInfo, "daemon_ready addr=%s", d.cfg.Server.Addr)
	d.waitSignals(runCtx)

	// Graceful drain: stop accepting HTTP, cancel loops, bounded wait.
	timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.log(model.LogLevelWarn, "http_shutdown_failed error=%v", err)
	}
	cancel()
	if stopWatch != nil {
		stopWatch()
	}

	done := make(chan error, 1)
	go func() {
		d.worker.Wait()
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			d.log(model.LogLevelError, "loop_failed error=%v", err)
		}
		d.log(model.LogLevelInfo, "daemon_drained")
	case <-shutdownCtx.Done():
		d.log(model.LogLevelWarn, "shutdown_timeout after=%s", timeout)
	}

	d.log(model.LogLevelInfo, "daemon_stopped")
	return nil
}

// watchConfig hot-reloads the log level when the config file changes.
func (d *Daemon) watchConfig() func() {
	if d.configPath == "" {
		return nil
	}
	stop, err := config.Watch(d.configPath,
		func(level model.LogLevel) {
			if level == d.level.Level() {
				return
			}
			d.level.Set(level)
			d.log(model.LogLevelInfo, "log_level_changed level=%s", level)
		},
		func(err error) {
			d.log(model.LogLevelWarn, "config_watch_error error=%v", err)
		})
	if err != nil {
		d.log(model.LogLevelWarn, "config_watch_unavailable error=%v", err)
		return nil
	}
	return stop
}

// waitSignals blocks until SIGINT/SIGTERM or context cancellation. A second
// signal forces immediate exit.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "signal_received signal=%s", sig)
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "second_signal_forcing_exit")
			os.Exit(1)
		}()
	case <-ctx.Done():
	}
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		d.audit.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
