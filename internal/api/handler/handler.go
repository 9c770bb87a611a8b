package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/domain"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

var errBadLimit = errors.New("limit must be a positive integer")

// PipelineReader - что нужно хендлерам от пайплайна.
type PipelineReader interface {
	ReadBacklog(ctx context.Context, limit int) ([]domain.Event, error)
	DrainLogs(ctx context.Context, limit int) ([]domain.ResultRecord, error)
	QueueStats(ctx context.Context) (length int, dropped uint64, err error)
	QueueCapacity() int
}

type Handler struct {
	pipeline     PipelineReader
	drainDefault int
	logger       *zap.Logger
}

func NewHandler(p PipelineReader, drainDefault int, logger *zap.Logger) *Handler {
	if drainDefault <= 0 {
		drainDefault = defaultEventsLimit
	}
	return &Handler{pipeline: p, drainDefault: drainDefault, logger: logger.With(zap.String("mod", "api"))}
}

// Root - баннер для проверки, что API живо.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "ThreatEchoAI API Running"})
}

type healthResponse struct {
	Status        string `json:"status"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	QueueDropped  uint64 `json:"queue_dropped"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	length, dropped, err := h.pipeline.QueueStats(r.Context())
	if err != nil {
		h.logger.Warn("queue stats failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		QueueLength:   length,
		QueueCapacity: h.pipeline.QueueCapacity(),
		QueueDropped:  dropped,
	})
}

// Events - просмотр бэклога без изменений
// GET /events?limit=...
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventsLimit, maxEventsLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.pipeline.ReadBacklog(r.Context(), limit)
	if err != nil {
		h.logger.Error("read backlog failed", zap.Error(err))
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// logsResponse - клиент дашборда читает поле logs.
type logsResponse struct {
	Logs []domain.ResultRecord `json:"logs"`
}

// Logs выдает готовые записи и удаляет их из очереди
// GET /logs?limit=...
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, h.drainDefault, h.pipeline.QueueCapacity())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recs, err := h.pipeline.DrainLogs(r.Context(), limit)
	if err != nil {
		h.logger.Error("drain logs failed", zap.Error(err))
		http.Error(w, "Failed to drain logs", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []domain.ResultRecord{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: recs})
}

// parseLimit: пусто - def, больше max - обрезаем до max.
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return min(def, max), nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return min(n, max), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
