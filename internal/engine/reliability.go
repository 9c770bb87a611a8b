package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

// ReliabilityConfig - параметры защиты вызовов LLM-провайдера.
type ReliabilityConfig struct {
	Name     string
	Attempts uint
	Timeout  time.Duration // на одну попытку

	RateLimit float64
	RateBurst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBMaxFailures uint32
}

func ReliabilityFromConfig(cfg infra.SummarizerConfig) ReliabilityConfig {
	return ReliabilityConfig{
		Name:          "summarizer-" + cfg.Provider,
		Attempts:      cfg.Attempts,
		Timeout:       cfg.Timeout,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		CBMaxRequests: cfg.CBMaxRequests,
		CBInterval:    cfg.CBInterval,
		CBTimeout:     cfg.CBTimeout,
		CBMaxFailures: cfg.CBMaxFailures,
	}
}

// ReliabilityWrapper оборачивает Summarizer: rate limit -> circuit breaker -> retries с таймаутом на попытку.
type ReliabilityWrapper struct {
	next     Summarizer
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	timeout  time.Duration
}

func NewReliabilityWrapper(next Summarizer, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	maxFailures := cfg.CBMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	// Без лимита провайдера - пропускаем все
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  limiter,
		attempts: cfg.Attempts,
		timeout:  cfg.Timeout,
	}
}

func (w *ReliabilityWrapper) Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return domain.Summary{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var out domain.Summary

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, retryDo(ctx, w.attempts, func() error {
			callCtx := ctx
			if w.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, w.timeout)
				defer cancel()
			}

			s, callErr := w.next.Summarize(callCtx, ev)
			if callErr != nil {
				return callErr
			}
			out = s
			return nil
		})
	})
	if err != nil {
		return domain.Summary{}, err
	}
	return out, nil
}

// retryDo - общий ретраер для внешних вызовов (фиды и LLM).
func retryDo(ctx context.Context, attempts uint, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		// Умный расчет задержки
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Сервис вернул ThrottleError (считал Retry-After) - ждем сколько просили
			var tErr *connectors.ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}

			// В остальных случаях (сетевой лаг, 500-ка) - стандартный экспоненциальный бэкофф
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(fn)
}
