package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/infrastructure/jobqueue"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type OutboxCounter interface {
	CountByStatus(ctx context.Context) (map[domain.OutboxMessageStatus]int64, error)
}

type QueueCounter interface {
	Counts(ctx context.Context) (map[jobqueue.State]int64, error)
}

type Options struct {
	DB     Pinger
	Outbox OutboxCounter
	Queue  QueueCounter
	// Heartbeat reports the last sign of life of the consumer loop. A nil
	// Heartbeat skips the consumer check.
	Heartbeat  func() time.Time
	StaleAfter time.Duration
}

type Handler struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(opts Options, logger *zap.Logger) *Handler {
	return &Handler{opts: opts, logger: logger, now: time.Now}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/outbox/stats", h.OutboxStats)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Consumer *time.Time        `json:"consumerHeartbeat,omitempty"`
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := readiness{Status: "ok", Checks: map[string]string{}}

	if err := h.opts.DB.PingContext(ctx); err != nil {
		h.logger.Warn("Readiness check: database unreachable", zap.Error(err))
		res.Status = "unavailable"
		res.Checks["database"] = err.Error()
	} else {
		res.Checks["database"] = "ok"
	}

	if h.opts.Heartbeat != nil {
		last := h.opts.Heartbeat()
		res.Consumer = &last
		if h.opts.StaleAfter > 0 && h.now().Sub(last) > h.opts.StaleAfter {
			h.logger.Warn("Readiness check: consumer heartbeat is stale", zap.Time("lastHeartbeat", last))
			res.Status = "unavailable"
			res.Checks["consumer"] = "stale"
		} else {
			res.Checks["consumer"] = "ok"
		}
	}

	code := http.StatusOK
	if res.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

type outboxStats struct {
	Outbox map[domain.OutboxMessageStatus]int64 `json:"outbox"`
	Queue  map[jobqueue.State]int64             `json:"queue,omitempty"`
}

func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.opts.Outbox.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to count outbox events", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	res := outboxStats{Outbox: counts}

	if h.opts.Queue != nil {
		jobs, err := h.opts.Queue.Counts(r.Context())
		if err != nil {
			h.logger.Warn("Failed to count publish jobs", zap.Error(err))
		} else {
			res.Queue = jobs
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
