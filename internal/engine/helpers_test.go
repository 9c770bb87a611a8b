package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/geo"
	"github.com/xela07ax/threatecho/internal/logqueue"
	"github.com/xela07ax/threatecho/internal/repository/memory"
)

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func abuseEvent(i int) domain.Event {
	return domain.Event{
		Source:    domain.SourceAbuseIPDB,
		Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
		Payload: domain.AbusePayload{
			IP:              fmt.Sprintf("203.0.113.%d", i),
			AttackerCountry: "CN",
			VictimCountry:   "US",
			Attack:          "SSH brute force",
			ConfidenceScore: 90 + i%10,
		},
	}
}

func seedStore(n int) *memory.Store {
	st := memory.NewStore()
	events := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, abuseEvent(i))
	}
	_ = st.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.InsertIfAbsent(context.Background(), events)
		return err
	})
	return st
}

type fakeIngestor struct {
	source domain.Source
	events []domain.Event
	err    error
	calls  atomic.Int32
}

func (f *fakeIngestor) Source() domain.Source { return f.source }

func (f *fakeIngestor) Fetch(ctx context.Context) ([]domain.Event, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Event(nil), f.events...), nil
}

// fakeSummarizer падает на событиях из fail, задерживает ответ на delay
// и запоминает пиковое число одновременных вызовов.
type fakeSummarizer struct {
	delay time.Duration
	fail  map[int64]bool

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeSummarizer) Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Summary{}, ctx.Err()
		}
	}
	if f.fail[ev.ID] {
		return domain.Summary{}, errors.New("provider unavailable")
	}
	return domain.Summary{
		Text:            fmt.Sprintf("A brute force attack on event %d.", ev.ID),
		AttackerCountry: "China",
		VictimCountry:   "United States",
	}, nil
}

type failingGeo struct{}

func (failingGeo) Resolve(ctx context.Context, attacker, victim string) (*domain.Geo, error) {
	return nil, geo.ErrUnresolved
}

func newGeo() *geo.Resolver {
	r, err := geo.NewResolver(geo.FallbackUndetermined)
	if err != nil {
		panic(err)
	}
	return r
}

// selectiveQueue отказывает в Push для записей указанных событий.
type selectiveQueue struct {
	mu     sync.Mutex
	reject map[int64]bool
	recs   []domain.ResultRecord
}

func (q *selectiveQueue) Push(ctx context.Context, rec domain.ResultRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject[rec.Event.ID] {
		return errors.New("queue backend unavailable")
	}
	q.recs = append(q.recs, rec)
	return nil
}

func (q *selectiveQueue) Drain(ctx context.Context, max int) ([]domain.ResultRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.recs))
	out := q.recs[:n]
	q.recs = q.recs[n:]
	return out, nil
}

func (q *selectiveQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recs), nil
}

func (q *selectiveQueue) Dropped() uint64 { return 0 }
func (q *selectiveQueue) Capacity() int   { return 1000 }

func storedIDs(st *memory.Store) map[int64]bool {
	ids := make(map[int64]bool)
	for _, e := range st.Snapshot() {
		ids[e.ID] = true
	}
	return ids
}

// nilGeo - резолвер без ответа и без ошибки.
type nilGeo struct{}

func (nilGeo) Resolve(ctx context.Context, attacker, victim string) (*domain.Geo, error) {
	return nil, nil
}

type panicGeo struct{}

func (panicGeo) Resolve(ctx context.Context, attacker, victim string) (*domain.Geo, error) {
	panic("geo table corrupted")
}

// cancelOnPushQueue отменяет контекст цикла сразу после первой принятой записи.
type cancelOnPushQueue struct {
	*logqueue.Memory
	cancel context.CancelFunc
}

func (q *cancelOnPushQueue) Push(ctx context.Context, rec domain.ResultRecord) error {
	if err := q.Memory.Push(ctx, rec); err != nil {
		return err
	}
	q.cancel()
	return nil
}
