// Package logqueue - ограниченная очередь готовых записей лога.
// При переполнении вытесняется самая старая запись (drop-oldest).
package logqueue

import (
	"context"
	"errors"

	"github.com/xela07ax/threatecho/internal/domain"
)

var ErrClosed = errors.New("logqueue: closed")

// Queue - общий контракт бэкендов очереди.
type Queue interface {
	// Push добавляет запись в хвост; если очередь полна, голова вытесняется.
	Push(ctx context.Context, rec domain.ResultRecord) error
	// Drain атомарно забирает до max записей с головы (самые старые первыми).
	Drain(ctx context.Context, max int) ([]domain.ResultRecord, error)
	Len(ctx context.Context) (int, error)
	// Dropped - сколько записей вытеснено с момента старта процесса.
	Dropped() uint64
	Capacity() int
}
