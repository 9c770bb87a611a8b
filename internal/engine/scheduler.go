package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// runEvery - общий планировщик фоновых циклов: первый цикл сразу, дальше раз в interval
// или по внеочередному сигналу kick. Паника цикла логируется и не роняет цикл.
func runEvery(ctx context.Context, interval time.Duration, kick <-chan struct{}, logger *zap.Logger, cycle func(ctx context.Context)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		guard(logger, func() { cycle(ctx) })

		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(interval)
	}
}

func guard(logger *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// trigger - неблокирующий сигнал в буферизованный канал: лишние сигналы схлопываются.
func trigger(kick chan struct{}) {
	select {
	case kick <- struct{}{}:
	default:
	}
}
