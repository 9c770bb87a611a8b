package repository

/*
Файл store.go описывает контракт хранилища событий.
Весь доступ к таблице events идет через скоуп транзакции:
Begin -> операции -> Commit или Rollback, соединение всегда освобождается.
Других блокировок между циклами не нужно: изоляцию дает сама транзакция.
*/

import (
	"context"
	"time"

	"github.com/xela07ax/threatecho/internal/domain"
)

// Tx - операции, доступные внутри одной транзакции.
type Tx interface {
	// InsertIfAbsent атомарно вставляет события, пропуская дубликаты по (source, timestamp).
	// Возвращает число реально вставленных строк.
	InsertIfAbsent(ctx context.Context, events []domain.Event) (int, error)
	// Exists - точечная проверка (source, timestamp). Для вставки не используется:
	// дедупликацию делает InsertIfAbsent.
	Exists(ctx context.Context, source domain.Source, ts time.Time) (bool, error)
	// CountEvents - текущее число событий в таблице.
	CountEvents(ctx context.Context) (int, error)
	// OldestIDs возвращает до limit id, самые старые по timestamp первыми.
	OldestIDs(ctx context.Context, limit int) ([]int64, error)
	// OldestEvents - то же, что OldestIDs, но с полным содержимым.
	OldestEvents(ctx context.Context, limit int) ([]domain.Event, error)
	// DeleteByIDs удаляет пачку одной операцией.
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)
}

// Store - транзакционное хранилище событий.
type Store interface {
	InitSchema(ctx context.Context) error
	// WithTx выполняет fn в транзакции. Ошибка fn (или отмена ctx) откатывает все изменения.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
