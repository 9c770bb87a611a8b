package engine

import (
	"context"
	"fmt"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/logqueue"
)

// Pipeline - фасад чтения для API: просмотр бэклога и выдача готового лога.
type Pipeline struct {
	store Store
	queue logqueue.Queue
}

func NewPipeline(store Store, queue logqueue.Queue) *Pipeline {
	return &Pipeline{store: store, queue: queue}
}

// ReadBacklog - до limit самых старых необработанных событий, без изменения хранилища.
func (p *Pipeline) ReadBacklog(ctx context.Context, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := p.store.WithTx(ctx, func(tx Tx) error {
		var err error
		events, err = tx.OldestEvents(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

// DrainLogs забирает из очереди до limit записей; выданные записи из очереди удаляются.
func (p *Pipeline) DrainLogs(ctx context.Context, limit int) ([]domain.ResultRecord, error) {
	recs, err := p.queue.Drain(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("drain logs: %w", err)
	}
	return recs, nil
}

// QueueStats - длина очереди и число вытесненных записей.
func (p *Pipeline) QueueStats(ctx context.Context) (length int, dropped uint64, err error) {
	length, err = p.queue.Len(ctx)
	return length, p.queue.Dropped(), err
}

func (p *Pipeline) QueueCapacity() int { return p.queue.Capacity() }
