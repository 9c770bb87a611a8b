package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/engine"
	"github.com/xela07ax/threatecho/internal/logqueue"
	"github.com/xela07ax/threatecho/internal/repository"
	"github.com/xela07ax/threatecho/internal/repository/memory"
)

func newTestHandler(t *testing.T, events, records int) (*Handler, *memory.Store, *logqueue.Memory) {
	t.Helper()
	st := memory.NewStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	evs := make([]domain.Event, 0, events)
	for i := 0; i < events; i++ {
		evs = append(evs, domain.Event{
			Source:    domain.SourceOTX,
			Timestamp: base.Add(time.Duration(events-i) * time.Minute),
			Payload:   domain.PulsePayload{Name: fmt.Sprintf("pulse %d", i)},
		})
	}
	err := st.WithTx(context.Background(), func(tx repository.Tx) error {
		_, err := tx.InsertIfAbsent(context.Background(), evs)
		return err
	})
	assert.Equal(t, nil, err)

	q, err := logqueue.NewMemory(20)
	assert.Equal(t, nil, err)
	for i := 0; i < records; i++ {
		assert.Equal(t, nil, q.Push(context.Background(), domain.ResultRecord{ID: fmt.Sprintf("r%d", i)}))
	}

	return NewHandler(engine.NewPipeline(st, q), 5, zap.NewNop()), st, q
}

func get(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestRoot(t *testing.T) {
	h, _, _ := newTestHandler(t, 0, 0)
	rec := get(h.Root, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{\"message\":\"ThreatEchoAI API Running\"}\n", rec.Body.String())
}

func TestEventsIsReadOnlyAndOldestFirst(t *testing.T) {
	h, st, _ := newTestHandler(t, 4, 0)

	rec := get(h.Events, "/events?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got []domain.Event
	assert.Equal(t, nil, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, len(got))
	assert.Equal(t, true, got[0].Timestamp.Before(got[1].Timestamp))
	assert.Equal(t, "pulse 3", got[0].Payload.(domain.PulsePayload).Name)
	assert.Equal(t, 4, st.Len())
}

func TestEventsEmptyIsArray(t *testing.T) {
	h, _, _ := newTestHandler(t, 0, 0)
	rec := get(h.Events, "/events")
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestLogsDrains(t *testing.T) {
	h, _, q := newTestHandler(t, 0, 8)

	// по умолчанию drainDefault = 5
	rec := get(h.Logs, "/logs")
	var got logsResponse
	assert.Equal(t, nil, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 5, len(got.Logs))
	assert.Equal(t, "r0", got.Logs[0].ID)

	rec = get(h.Logs, "/logs?limit=50")
	got = logsResponse{}
	assert.Equal(t, nil, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, len(got.Logs))

	n, _ := q.Len(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, "{\"logs\":[]}\n", get(h.Logs, "/logs").Body.String())
}

func TestBadLimit(t *testing.T) {
	h, _, _ := newTestHandler(t, 1, 1)
	for _, target := range []string{"/events?limit=abc", "/events?limit=0", "/logs?limit=-3"} {
		var rec *httptest.ResponseRecorder
		if target[1] == 'e' {
			rec = get(h.Events, target)
		} else {
			rec = get(h.Logs, target)
		}
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestParseLimitClamps(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?limit=9000", nil)
	n, err := parseLimit(r, 50, 500)
	assert.Equal(t, nil, err)
	assert.Equal(t, 500, n)

	r = httptest.NewRequest(http.MethodGet, "/logs", nil)
	n, _ = parseLimit(r, 50, 20)
	assert.Equal(t, 20, n)
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, 0, 3)
	rec := get(h.Health, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var got healthResponse
	assert.Equal(t, nil, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, healthResponse{Status: "ok", QueueLength: 3, QueueCapacity: 20}, got)
}
