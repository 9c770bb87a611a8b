package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/logqueue"
)

// deleteTimeout - сколько ждем удаления уже опубликованных событий, в том числе при остановке.
const deleteTimeout = 5 * time.Second

type DispatcherConfig struct {
	Interval    time.Duration
	BatchSize   int // K: сколько самых старых событий берем за цикл
	Concurrency int // N: сколько суммаризаций одновременно в полете
}

// SummarizeError - событие не суммаризировано и остается в хранилище до следующего цикла.
type SummarizeError struct {
	EventID int64
	Err     error
}

func (e *SummarizeError) Error() string {
	return fmt.Sprintf("summarize event %d: %v", e.EventID, e.Err)
}

func (e *SummarizeError) Unwrap() error { return e.Err }

// Outcome - результат обработки одного события.
type Outcome struct {
	Event     domain.Event
	Record    *domain.ResultRecord
	Err       error
	Delivered bool // запись попала в очередь, событие можно удалять
}

func (o Outcome) OK() bool { return o.Err == nil && o.Record != nil }

// BatchResult - итог цикла диспетчера.
type BatchResult struct {
	CycleID  string
	Skipped  bool // цикл выполняет другой инстанс
	Outcomes []Outcome
	Deleted  int
}

func (b BatchResult) Succeeded() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

func (b BatchResult) Delivered() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Delivered {
			n++
		}
	}
	return n
}

func (b BatchResult) Failed() int { return len(b.Outcomes) - b.Succeeded() }

// Dispatcher - периодический проход по бэклогу: суммаризация с ограниченным
// параллелизмом, гео-разметка, публикация в очередь логов и удаление доставленного.
type Dispatcher struct {
	store      Store
	summarizer Summarizer
	geo        GeoResolver
	queue      logqueue.Queue
	lock       Locker
	cfg        DispatcherConfig
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
	kick       chan struct{}
}

func NewDispatcher(store Store, summarizer Summarizer, geo GeoResolver, queue logqueue.Queue, cfg DispatcherConfig, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		store:      store,
		summarizer: summarizer,
		geo:        geo,
		queue:      queue,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With(zap.String("mod", "dispatcher")),
		now:        time.Now,
		kick:       make(chan struct{}, 1),
	}
}

// WithLock включает распределенную блокировку цикла.
func (d *Dispatcher) WithLock(l Locker) *Dispatcher {
	d.lock = l
	return d
}

func (d *Dispatcher) Name() string { return "dispatcher" }

func (d *Dispatcher) Trigger() { trigger(d.kick) }

func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("concurrency", d.cfg.Concurrency))
	defer d.logger.Info("dispatcher stopped")

	return runEvery(ctx, d.cfg.Interval, d.kick, d.logger, func(ctx context.Context) {
		start := time.Now()
		res, err := d.RunCycle(ctx)
		d.metrics.CycleDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())

		log := d.logger.With(zap.String("cycle_id", res.CycleID))
		switch {
		case err != nil && ctx.Err() != nil:
			log.Info("dispatch cycle interrupted by shutdown")
		case err != nil:
			log.Error("dispatch cycle failed", zap.Error(err))
		case res.Skipped:
			log.Debug("dispatch cycle skipped, lock held elsewhere")
		case len(res.Outcomes) > 0:
			log.Info("dispatch cycle done",
				zap.Int("batch", len(res.Outcomes)),
				zap.Int("succeeded", res.Succeeded()),
				zap.Int("failed", res.Failed()),
				zap.Int("deleted", res.Deleted),
				zap.Duration("took", time.Since(start)))
		}
	})
}

// RunCycle - один проход. Удаляются только события, чьи записи доставлены в очередь.
func (d *Dispatcher) RunCycle(ctx context.Context) (BatchResult, error) {
	res := BatchResult{CycleID: uuid.NewString()}

	if d.lock != nil {
		ok, err := d.lock.Acquire(ctx)
		if err != nil {
			return res, fmt.Errorf("dispatcher: acquire lock: %w", err)
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
		defer func() {
			// Снимаем даже при отмене ctx, иначе следующий цикл ждет TTL.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := d.lock.Release(rctx); err != nil {
				d.logger.Warn("failed to release dispatcher lock", zap.Error(err))
			}
		}()
	}

	var events []domain.Event
	err := d.store.WithTx(ctx, func(tx Tx) error {
		var err error
		events, err = tx.OldestEvents(ctx, d.cfg.BatchSize)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("dispatcher: read backlog: %w", err)
	}
	if len(events) == 0 {
		return res, nil
	}

	res.Outcomes = d.fanOut(ctx, events)

	// Отмена во время fan-out: ничего не публикуем и не удаляем, события останутся на следующий запуск.
	if err := ctx.Err(); err != nil {
		return res, err
	}

	delivered := d.publish(ctx, res.Outcomes)
	if len(delivered) > 0 {
		// Записи уже в очереди: удаляем события даже при остановке, иначе следующий запуск опубликует их повторно.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
		defer cancel()
		err = d.store.WithTx(dctx, func(tx Tx) error {
			n, err := tx.DeleteByIDs(dctx, delivered)
			res.Deleted = n
			return err
		})
		if err != nil {
			return res, fmt.Errorf("dispatcher: delete summarized: %w", err)
		}
	}
	return res, nil
}

// fanOut планирует задачу на каждое событие; одновременно в полете не больше Concurrency.
func (d *Dispatcher) fanOut(ctx context.Context, events []domain.Event) []Outcome {
	outcomes := make([]Outcome, len(events))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, ev := range events {
		g.Go(func() error {
			outcomes[i] = d.process(ctx, ev)
			return nil // частичный отказ не отменяет соседей
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) process(ctx context.Context, ev domain.Event) (out Outcome) {
	out.Event = ev

	s, err := d.summarize(ctx, ev)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("summarization failed, event retained", zap.Int64("event_id", ev.ID), zap.Error(err))
		}
		out.Err = &SummarizeError{EventID: ev.ID, Err: err}
		return out
	}

	rec := &domain.ResultRecord{
		ID:              uuid.NewString(),
		Event:           ev,
		Summary:         s.Text,
		AttackerCountry: s.AttackerCountry,
		VictimCountry:   s.VictimCountry,
		CreatedAt:       d.now().UTC(),
	}

	// Гео не блокирует успех: без дуги запись все равно публикуется.
	if g := d.resolveGeo(ctx, ev.ID, s); g != nil {
		arc := g.Arc
		rec.Arc = &arc
		if g.Attacker != "" {
			rec.AttackerCountry = g.Attacker
		}
		if g.Victim != "" {
			rec.VictimCountry = g.Victim
		}
		if g.Fallback {
			d.metrics.GeoFallbacks.Inc()
		}
	}

	out.Record = rec
	return out
}

// summarize вызывает провайдера; паника провайдера становится ошибкой этого события.
func (d *Dispatcher) summarize(ctx context.Context, ev domain.Event) (s domain.Summary, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		status := "success"
		if err != nil {
			status = "failed"
		}
		d.metrics.SummarizeTotal.WithLabelValues(status).Inc()
		d.metrics.SummarizeDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()
	return d.summarizer.Summarize(ctx, ev)
}

// resolveGeo возвращает nil, если дугу построить нельзя (ошибка, пустой ответ или паника резолвера).
func (d *Dispatcher) resolveGeo(ctx context.Context, eventID int64, s domain.Summary) (g *domain.Geo) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("geo resolver panicked, publishing without arc",
				zap.Int64("event_id", eventID), zap.String("panic", fmt.Sprint(r)))
			g = nil
		}
	}()
	g, err := d.geo.Resolve(ctx, s.AttackerCountry, s.VictimCountry)
	if err != nil {
		d.logger.Debug("geo resolution failed, publishing without arc", zap.Int64("event_id", eventID), zap.Error(err))
		return nil
	}
	return g
}

// publish кладет успешные записи в очередь и возвращает id доставленных событий.
func (d *Dispatcher) publish(ctx context.Context, outcomes []Outcome) []int64 {
	delivered := make([]int64, 0, len(outcomes))
	for i := range outcomes {
		o := &outcomes[i]
		if !o.OK() {
			continue
		}
		if err := d.queue.Push(ctx, *o.Record); err != nil {
			d.logger.Error("failed to push log record, event retained",
				zap.Int64("event_id", o.Event.ID), zap.Error(err))
			o.Err = fmt.Errorf("push record: %w", err)
			o.Record = nil
			continue
		}
		o.Delivered = true
		delivered = append(delivered, o.Event.ID)
	}

	if n, err := d.queue.Len(ctx); err == nil {
		d.metrics.QueueLength.Set(float64(n))
	}
	d.metrics.QueueDropped.Set(float64(d.queue.Dropped()))
	return delivered
}

