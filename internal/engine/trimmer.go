package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Trimmer держит число событий в хранилище не выше maxEvents,
// удаляя самые старые независимо от источника и статуса суммаризации.
type Trimmer struct {
	store     Store
	maxEvents int
	metrics   *Metrics
	logger    *zap.Logger
}

func NewTrimmer(store Store, maxEvents int, metrics *Metrics, logger *zap.Logger) *Trimmer {
	return &Trimmer{
		store:     store,
		maxEvents: maxEvents,
		metrics:   metrics,
		logger:    logger.With(zap.String("mod", "retention")),
	}
}

// Trim выполняется в собственной транзакции. Возвращает число удаленных событий.
func (t *Trimmer) Trim(ctx context.Context) (int, error) {
	var evicted int
	err := t.store.WithTx(ctx, func(tx Tx) error {
		count, err := tx.CountEvents(ctx)
		if err != nil {
			return err
		}
		excess := count - t.maxEvents
		if excess <= 0 {
			return nil
		}

		ids, err := tx.OldestIDs(ctx, excess)
		if err != nil {
			return err
		}
		evicted, err = tx.DeleteByIDs(ctx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retention: trim: %w", err)
	}

	if evicted > 0 {
		t.metrics.EventsEvicted.Add(float64(evicted))
		t.logger.Info("evicted oldest events", zap.Int("count", evicted), zap.Int("max_events", t.maxEvents))
	}
	return evicted, nil
}
