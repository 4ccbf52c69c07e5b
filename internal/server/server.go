// Package server exposes the HTTP API: the agent poll protocol and the
// producer/schedule surface. Agent identity arrives pre-authenticated in the
// X-Agent-ID header (query param fallback); authentication itself lives in
// front of this server.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"custodian/internal/dispatch"
	"custodian/internal/model"
	"custodian/internal/queue"
	"custodian/internal/storage"
)

// ScheduleRunner fires a schedule outside its recurrence.
type ScheduleRunner interface {
	RunNow(ctx context.Context, scheduleID string) (*model.Job, error)
}

// Server is the custodian HTTP API.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *log.Logger
	level  *model.LevelVar
}

// New builds the server and registers all routes.
func New(cfg model.ServerConfig, q *queue.Queue, d *dispatch.Dispatcher, schedules *storage.ScheduleStore, runner ScheduleRunner, logger *log.Logger, level *model.LevelVar) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		addr:   cfg.Addr,
		logger: logger,
		level:  level,
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")

	agent := NewAgentHandler(d)
	api.GET("/agent/tasks", agent.Poll)
	api.POST("/agent/tasks/:id/claim", agent.Claim)
	api.POST("/agent/tasks/:id/start", agent.Start)
	api.POST("/agent/tasks/:id/progress", agent.Progress)
	api.POST("/agent/tasks/:id/complete", agent.Complete)
	api.POST("/agent/tasks/:id/fail", agent.Fail)

	jobs := NewJobHandler(q, d)
	api.POST("/jobs", jobs.Push)
	api.GET("/jobs/stats", jobs.Stats)
	api.GET("/jobs/:id", jobs.Get)
	api.GET("/jobs/:id/tasks", jobs.Tasks)
	api.POST("/jobs/:id/cancel", jobs.Cancel)
	api.POST("/jobs/:id/retry", jobs.Retry)

	sched := NewScheduleHandler(schedules, runner)
	api.GET("/schedules", sched.List)
	api.GET("/schedules/:id", sched.Get)
	api.POST("/schedules/:id/run", sched.Run)
	api.POST("/schedules/:id/enable", sched.Enable)
	api.POST("/schedules/:id/disable", sched.Disable)

	return s
}

// Start listens on the configured address and blocks.
func (s *Server) Start() error {
	s.log(model.LogLevelInfo, "http_listening addr=%s", s.addr)
	return s.echo.Start(s.addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for httptest.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	if s.logger == nil || level < s.level.Level() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s server: %s", time.Now().Format(time.RFC3339), level, msg)
}
