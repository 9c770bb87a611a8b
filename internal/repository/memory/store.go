// Package memory - хранилище событий в памяти процесса.
// Используется для локального запуска без PostgreSQL (database.driver=memory) и в тестах пайплайна.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/repository"
)

type key struct {
	source domain.Source
	ts     int64
}

// Store сериализует транзакции одной блокировкой. Транзакция работает с копией
// состояния и подменяет его только на Commit, поэтому частичных изменений не бывает.
type Store struct {
	mu     sync.Mutex
	events []domain.Event
	nextID int64
}

func NewStore() *Store {
	return &Store{nextID: 1}
}

func (s *Store) InitSchema(ctx context.Context) error { return ctx.Err() }

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		events: append([]domain.Event(nil), s.events...),
		nextID: s.nextID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	// Отмена во время транзакции = Rollback.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.events = tx.events
	s.nextID = tx.nextID
	return nil
}

// Len - число строк (для тестов и отладки).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Snapshot возвращает копию содержимого в порядке вставки.
func (s *Store) Snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type memTx struct {
	events []domain.Event
	nextID int64
}

func (t *memTx) InsertIfAbsent(ctx context.Context, events []domain.Event) (int, error) {
	seen := make(map[key]struct{}, len(t.events)+len(events))
	for _, e := range t.events {
		seen[key{e.Source, e.Timestamp.UnixNano()}] = struct{}{}
	}

	inserted := 0
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		k := key{e.Source, e.Timestamp.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		e.ID = t.nextID
		e.Timestamp = e.Timestamp.UTC()
		t.nextID++
		t.events = append(t.events, e)
		inserted++
	}
	return inserted, nil
}

func (t *memTx) Exists(ctx context.Context, source domain.Source, ts time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	want := key{source, ts.UnixNano()}
	for _, e := range t.events {
		if (key{e.Source, e.Timestamp.UnixNano()}) == want {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountEvents(ctx context.Context) (int, error) {
	return len(t.events), ctx.Err()
}

func (t *memTx) oldest(limit int) []domain.Event {
	sorted := append([]domain.Event(nil), t.events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if limit >= 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted
}

func (t *memTx) OldestIDs(ctx context.Context, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evs := t.oldest(limit)
	ids := make([]int64, 0, len(evs))
	for _, e := range evs {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (t *memTx) OldestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.oldest(limit), nil
}

func (t *memTx) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := t.events[:0:0]
	for _, e := range t.events {
		if _, ok := drop[e.ID]; ok {
			continue
		}
		kept = append(kept, e)
	}
	deleted := len(t.events) - len(kept)
	t.events = kept
	return deleted, nil
}
