package logqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/xela07ax/threatecho/internal/domain"
)

// Memory - кольцевой буфер фиксированной емкости под мьютексом.
type Memory struct {
	mu      sync.Mutex
	buf     []domain.ResultRecord
	head    int // индекс самой старой записи
	size    int
	dropped uint64
	closed  bool
}

func NewMemory(capacity int) (*Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("logqueue: capacity must be positive, got %d", capacity)
	}
	return &Memory{buf: make([]domain.ResultRecord, capacity)}, nil
}

func (q *Memory) Push(ctx context.Context, rec domain.ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	c := len(q.buf)
	if q.size == c {
		// Полная очередь: пишем поверх головы и сдвигаем ее.
		q.buf[q.head] = rec
		q.head = (q.head + 1) % c
		q.dropped++
		return nil
	}
	q.buf[(q.head+q.size)%c] = rec
	q.size++
	return nil
}

func (q *Memory) Drain(ctx context.Context, max int) ([]domain.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, q.size)
	if n <= 0 {
		return []domain.ResultRecord{}, nil
	}

	out := make([]domain.ResultRecord, n)
	c := len(q.buf)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % c
		out[i] = q.buf[idx]
		q.buf[idx] = domain.ResultRecord{}
	}
	q.head = (q.head + n) % c
	q.size -= n
	return out, nil
}

func (q *Memory) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, nil
}

func (q *Memory) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Memory) Capacity() int { return len(q.buf) }

// Close запрещает новые Push; оставшиеся записи еще можно забрать через Drain.
func (q *Memory) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
