package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/connectors/feeds"
	"github.com/xela07ax/threatecho/internal/domain"
)

type FetchLoopConfig struct {
	Interval time.Duration
	Timeout  time.Duration // на одну попытку Fetch
	Attempts uint
}

// FetchStats - итог одного цикла опроса фида.
type FetchStats struct {
	Fetched    int
	Rejected   int
	Inserted   int
	Duplicates int
	Evicted    int
}

// FetchLoop - цикл опроса одного фида: fetch -> валидация -> insert-if-absent -> retention.
type FetchLoop struct {
	ingestor Ingestor
	store    Store
	trimmer  *Trimmer
	filter   AdmissionFilter
	cfg      FetchLoopConfig
	metrics  *Metrics
	logger   *zap.Logger
	kick     chan struct{}
}

// NewFetchLoop: filter может быть nil.
func NewFetchLoop(ing Ingestor, store Store, trimmer *Trimmer, filter AdmissionFilter, cfg FetchLoopConfig, metrics *Metrics, logger *zap.Logger) *FetchLoop {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	return &FetchLoop{
		ingestor: ing,
		store:    store,
		trimmer:  trimmer,
		filter:   filter,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With(zap.String("mod", "fetcher"), zap.String("source", string(ing.Source()))),
		kick:     make(chan struct{}, 1),
	}
}

func (l *FetchLoop) Name() string { return "fetch:" + string(l.ingestor.Source()) }

// Trigger запрашивает внеочередной цикл.
func (l *FetchLoop) Trigger() { trigger(l.kick) }

// Run крутит циклы до отмены ctx. Ошибки цикла логируются, цикл продолжается.
func (l *FetchLoop) Run(ctx context.Context) error {
	l.logger.Info("fetch loop started", zap.Duration("interval", l.cfg.Interval))
	defer l.logger.Info("fetch loop stopped")

	return runEvery(ctx, l.cfg.Interval, l.kick, l.logger, func(ctx context.Context) {
		start := time.Now()
		stats, err := l.RunCycle(ctx)
		l.metrics.CycleDuration.WithLabelValues(l.Name()).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			l.logger.Info("fetch cycle done",
				zap.Int("fetched", stats.Fetched),
				zap.Int("rejected", stats.Rejected),
				zap.Int("inserted", stats.Inserted),
				zap.Int("duplicates", stats.Duplicates),
				zap.Int("evicted", stats.Evicted),
				zap.Duration("took", time.Since(start)))
		case ctx.Err() != nil:
			l.logger.Info("fetch cycle interrupted by shutdown")
		default:
			l.logger.Error("fetch cycle failed", zap.Error(err))
		}
	})
}

// RunCycle выполняет один цикл. Весь набор кандидатов пишется одной транзакцией.
func (l *FetchLoop) RunCycle(ctx context.Context) (FetchStats, error) {
	var stats FetchStats
	src := string(l.ingestor.Source())

	events, err := l.fetch(ctx)
	if err != nil {
		l.metrics.FetchErrors.WithLabelValues(src, fetchErrorType(err)).Inc()
		return stats, err
	}
	stats.Fetched = len(events)
	l.metrics.EventsFetched.WithLabelValues(src).Add(float64(len(events)))

	// Битый кандидат отсеивается до записи, чтобы не откатить всю пачку
	valid := events[:0:0]
	for _, ev := range events {
		if reason, ok := l.admit(ev); !ok {
			stats.Rejected++
			l.metrics.EventsRejected.WithLabelValues(src, reason).Inc()
			continue
		}
		valid = append(valid, ev)
	}

	if len(valid) > 0 {
		err = l.store.WithTx(ctx, func(tx Tx) error {
			n, err := tx.InsertIfAbsent(ctx, valid)
			stats.Inserted = n
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("fetch %s: insert: %w", src, err)
		}
		stats.Duplicates = len(valid) - stats.Inserted
		l.metrics.EventsInserted.WithLabelValues(src).Add(float64(stats.Inserted))
		l.metrics.EventsDuplicate.WithLabelValues(src).Add(float64(stats.Duplicates))
	}

	stats.Evicted, err = l.trimmer.Trim(ctx)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// fetch вызывает фид с таймаутом на попытку и ретраями.
// 4xx (кроме 429) не ретраим: ключ или запрос не станут лучше.
func (l *FetchLoop) fetch(ctx context.Context) ([]domain.Event, error) {
	var (
		events []domain.Event
		final  error
	)
	err := retryDo(ctx, l.cfg.Attempts, func() error {
		callCtx := ctx
		if l.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
			defer cancel()
		}

		evs, err := l.ingestor.Fetch(callCtx)
		if err != nil {
			if !retryable(err) {
				final = err
				return nil
			}
			l.logger.Warn("fetch attempt failed", zap.Error(err))
			return err
		}
		events = evs
		return nil
	})
	if final != nil {
		return nil, final
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (l *FetchLoop) admit(ev domain.Event) (string, bool) {
	if ev.Source != l.ingestor.Source() {
		l.logger.Warn("dropping candidate from foreign source", zap.String("got", string(ev.Source)))
		return "invalid", false
	}
	if err := ev.Validate(); err != nil {
		l.logger.Warn("dropping invalid candidate", zap.Error(err))
		return "invalid", false
	}
	if l.filter == nil {
		return "", true
	}
	ok, err := l.filter.Allow(ev)
	if err != nil {
		l.logger.Warn("admission filter failed, dropping candidate", zap.Error(err))
		return "filter_error", false
	}
	if !ok {
		return "filtered", false
	}
	return "", true
}

func retryable(err error) bool {
	var fe *feeds.FetchError
	if errors.As(err, &fe) && fe.StatusCode >= 400 && fe.StatusCode < 500 {
		return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode == http.StatusRequestTimeout
	}
	return true
}

func fetchErrorType(err error) string {
	var te *connectors.ThrottleError
	if errors.As(err, &te) {
		return "throttled"
	}
	var fe *feeds.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return "http"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
