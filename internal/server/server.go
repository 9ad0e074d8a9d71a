// Package server exposes a small admin HTTP API over a logical scheduler.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/events"
	"github.com/reaqtive/reaqtor-sub057/internal/execid"
	"github.com/reaqtive/reaqtor-sub057/internal/logging"
	"github.com/reaqtive/reaqtor-sub057/internal/scheduler"
)

// Target is the scheduler surface the admin API drives.
type Target interface {
	ID() string
	State() scheduler.State
	PauseAsync() <-chan struct{}
	Continue()
	QueryPerformanceCounters(includeChildren bool) scheduler.PerformanceCounters
}

// Handler is an http.Handler serving the admin routes.
type Handler struct {
	target Target
	router chi.Router
	opt    Options
}

type Options struct {
	// PauseTimeout bounds how long POST /pause waits for in-flight tasks.
	// 0 means wait until the request context ends.
	PauseTimeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	Logger *slog.Logger
}

type Option func(*Options)

func WithPauseTimeout(d time.Duration) Option { return func(o *Options) { o.PauseTimeout = d } }
func WithPretty() Option                      { return func(o *Options) { o.Pretty = true } }
func WithLogger(l *slog.Logger) Option        { return func(o *Options) { o.Logger = l } }

// New creates the admin handler for target.
func New(target Target, opts ...Option) *Handler {
	op := Options{PauseTimeout: 30 * time.Second, Logger: logging.Discard()}
	for _, f := range opts {
		f(&op)
	}
	op.Logger = op.Logger.With("component", "admin")

	h := &Handler{target: target, router: chi.NewRouter(), opt: op}
	h.routes()
	return h
}

func (h *Handler) routes() {
	r := h.router
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/counters", h.handleCounters)
	r.Post("/pause", h.handlePause)
	r.Post("/continue", h.handleContinue)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, _ := execid.NewContext(r.Context())
	rctx := chi.NewRouteContext()
	r = r.WithContext(context.WithValue(ctx, chi.RouteCtxKey, rctx))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Route: rctx.RoutePattern(), Status: rec.status, Duration: time.Since(start)})
	}()

	h.router.ServeHTTP(rec, r)
}

type stateResponse struct {
	SchedulerID string `json:"scheduler_id"`
	State       string `json:"state"`
	Settled     bool   `json:"settled,omitempty"`
}

type countersResponse struct {
	SchedulerID        string `json:"scheduler_id"`
	State              string `json:"state"`
	IncludesChildren   bool   `json:"includes_children"`
	TaskExecutionCount uint64 `json:"task_execution_count"`
	TimerTickCount     uint64 `json:"timer_tick_count"`
	UptimeMS           int64  `json:"uptime_ms"`
	PausedMS           int64  `json:"paused_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.target.State()
	status := http.StatusOK
	if state == scheduler.Disposed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, stateResponse{SchedulerID: h.target.ID(), State: state.String()}, h.opt.Pretty)
}

// GET /counters?children=true
func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	children := false
	if v := r.URL.Query().Get("children"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'children' value"}, h.opt.Pretty)
			return
		}
		children = b
	}
	c := h.target.QueryPerformanceCounters(children)
	writeJSON(w, http.StatusOK, countersResponse{
		SchedulerID:        h.target.ID(),
		State:              h.target.State().String(),
		IncludesChildren:   children,
		TaskExecutionCount: c.TaskExecutionCount,
		TimerTickCount:     c.TimerTickCount,
		UptimeMS:           c.Uptime.Milliseconds(),
		PausedMS:           c.PausedTime.Milliseconds(),
	}, h.opt.Pretty)
}

// POST /pause pauses the target and waits for in-flight tasks. On timeout the
// target stays paused and 202 is returned.
func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.opt.PauseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.PauseTimeout)
		defer cancel()
	}

	settled := h.target.PauseAsync()
	resp := stateResponse{SchedulerID: h.target.ID()}
	select {
	case <-settled:
		resp.Settled = true
		resp.State = h.target.State().String()
		writeJSON(w, http.StatusOK, resp, h.opt.Pretty)
	case <-ctx.Done():
		h.opt.Logger.Warn("pause did not settle in time", "scheduler", resp.SchedulerID, "error", ctx.Err())
		resp.State = h.target.State().String()
		writeJSON(w, http.StatusAccepted, resp, h.opt.Pretty)
	}
}

func (h *Handler) handleContinue(w http.ResponseWriter, r *http.Request) {
	h.target.Continue()
	writeJSON(w, http.StatusOK, stateResponse{SchedulerID: h.target.ID(), State: h.target.State().String()}, h.opt.Pretty)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}
