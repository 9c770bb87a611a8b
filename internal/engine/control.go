package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Команды канала управления.
const (
	CommandDispatch    = "dispatch"     // внеочередной цикл суммаризации
	CommandFetchPrefix = "fetch:"       // fetch:<source> - внеочередной опрос фида
	CommandFetchAll    = "fetch:*"
)

// Triggerable - цикл, который можно пнуть вне расписания.
type Triggerable interface {
	Name() string
	Trigger()
}

// ControlRouter сопоставляет команду с циклами.
type ControlRouter struct {
	dispatcher Triggerable
	fetchers   map[string]Triggerable // по source в нижнем регистре
}

func NewControlRouter(dispatcher Triggerable, fetchers ...*FetchLoop) *ControlRouter {
	r := &ControlRouter{dispatcher: dispatcher, fetchers: make(map[string]Triggerable, len(fetchers))}
	for _, f := range fetchers {
		r.fetchers[strings.ToLower(string(f.ingestor.Source()))] = f
	}
	return r
}

// Handle возвращает false, если команда не распознана.
func (r *ControlRouter) Handle(cmd string) bool {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	switch {
	case cmd == CommandDispatch:
		if r.dispatcher == nil {
			return false
		}
		r.dispatcher.Trigger()
		return true
	case cmd == CommandFetchAll:
		for _, f := range r.fetchers {
			f.Trigger()
		}
		return len(r.fetchers) > 0
	case strings.HasPrefix(cmd, CommandFetchPrefix):
		f, ok := r.fetchers[strings.TrimPrefix(cmd, CommandFetchPrefix)]
		if ok {
			f.Trigger()
		}
		return ok
	}
	return false
}

// ListenControl - "живучая" подписка на канал управления в Redis.
// Переподключается после обрыва, пока ctx не отменен.
func ListenControl(ctx context.Context, rdb redis.UniversalClient, logger *zap.Logger, channel string, router *ControlRouter) error {
	logger = logger.With(zap.String("mod", "control"), zap.String("chan", channel))

	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to subscribe", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return nil
			}
			continue
		}
		logger.Info("control listener subscribed")

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				if router.Handle(msg.Payload) {
					logger.Info("control command accepted", zap.String("cmd", msg.Payload))
				} else {
					logger.Warn("unknown control command", zap.String("cmd", msg.Payload))
				}
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
