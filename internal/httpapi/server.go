// Package httpapi exposes the feeder over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"petfeeder/internal/feeder"
	"petfeeder/internal/recommend"
	"petfeeder/internal/reconciler"
	"petfeeder/internal/schedule"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/scheduler"
	"petfeeder/internal/telemetry"
	"petfeeder/pkg/logx"
)

type Feeder interface {
	Feed(ctx context.Context, portion float64, scheduled bool) (feeder.Result, error)
}

type Schedules interface {
	List(ctx context.Context, includeInactive bool) ([]schedule.Schedule, error)
	Create(ctx context.Context, in schedule.CreateInput) (schedule.Schedule, error)
	Update(ctx context.Context, id string, p schedule.Patch) (schedule.Schedule, error)
	Delete(ctx context.Context, id string) error
}

type Recommender interface {
	Recommend(ctx context.Context, now time.Time) (recommend.Recommendation, error)
}

type History interface {
	FeedingLogsSince(ctx context.Context, since time.Time) ([]storage.FeedingLogEntry, error)
}

type DeviceState interface {
	Snapshot() telemetry.Reading
}

type Triggers interface {
	Snapshot() []reconciler.LiveTrigger
}

type SchedulerState interface {
	Snapshot() scheduler.Snapshot
}

// Health is the /healthz body. OK false answers 503.
type Health struct {
	OK                 bool           `json:"ok"`
	TransportConnected bool           `json:"transportConnected"`
	PendingCommands    int            `json:"pendingCommands"`
	LiveTriggers       int            `json:"liveTriggers"`
	Goroutines         map[string]int `json:"goroutines,omitempty"`
}

// Deps wires the handlers. Optional fields answer 503 when nil.
type Deps struct {
	Feeder      Feeder
	Schedules   Schedules
	Recommender Recommender
	History     History
	Device      DeviceState
	Triggers    Triggers
	Scheduler   SchedulerState
	Health      func(ctx context.Context) Health
}

type Server struct {
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

func New(deps Deps, log logx.Logger) *Server {
	return &Server{deps: deps, log: log.With(logx.String("comp", "http")), now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /feed", s.handleFeed)
	mux.HandleFunc("GET /feed/recommendation", s.handleRecommendation)
	mux.HandleFunc("GET /feed/history", s.handleHistory)
	mux.HandleFunc("GET /schedules", s.handleListSchedules)
	mux.HandleFunc("POST /schedules", s.handleCreateSchedule)
	mux.HandleFunc("PATCH /schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("GET /debug/triggers", s.handleTriggers)
	return withCORS(withTracing(s.withLogging(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, Health{OK: true})
		return
	}
	h := s.deps.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleTriggers(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if s.deps.Triggers != nil {
		body["triggers"] = s.deps.Triggers.Snapshot()
	}
	if s.deps.Scheduler != nil {
		body["scheduler"] = s.deps.Scheduler.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// envelope is the {status, message} body shared by mutating endpoints.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Status: "error", Message: msg})
}

// writeDomainError maps service errors to status codes. Unexpected errors are
// logged and answered with a generic message.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var sv *schedule.ValidationError
	var fv *feeder.ValidationError
	switch {
	case errors.As(err, &sv):
		writeError(w, http.StatusBadRequest, sv.Message)
	case errors.As(err, &fv):
		writeError(w, http.StatusBadRequest, fv.Message)
	case errors.Is(err, schedule.ErrNotFound):
		writeError(w, http.StatusNotFound, "Schedule not found")
	case errors.Is(err, schedule.ErrDuplicate):
		writeError(w, http.StatusConflict, "A schedule with the same time and portion already exists")
	default:
		s.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func unavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "not available")
}
