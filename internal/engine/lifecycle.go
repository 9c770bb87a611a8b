package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc - долгоживущая задача. Должна вернуться вскоре после отмены ctx.
type TaskFunc func(ctx context.Context) error

// ErrStopTimeout - задачи не уложились в grace period.
var ErrStopTimeout = errors.New("lifecycle: tasks did not stop within grace period")

type namedTask struct {
	name string
	fn   TaskFunc
}

// Lifecycle запускает фоновые циклы с общим контекстом и останавливает их в пределах grace.
type Lifecycle struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []namedTask
	running map[string]struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger.With(zap.String("mod", "lifecycle")),
		running: make(map[string]struct{}),
	}
}

// Add регистрирует задачу. После Start новые задачи не принимаются.
func (l *Lifecycle) Add(name string, fn TaskFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		l.logger.Warn("task added after start, ignored", zap.String("task", name))
		return
	}
	l.tasks = append(l.tasks, namedTask{name: name, fn: fn})
}

// Start запускает все задачи в отдельных горутинах.
func (l *Lifecycle) Start(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel

	for _, t := range l.tasks {
		l.running[t.name] = struct{}{}
		l.wg.Add(1)
		go l.run(ctx, t)
	}
	l.logger.Info("lifecycle started", zap.Int("tasks", len(l.tasks)))
}

func (l *Lifecycle) run(ctx context.Context, t namedTask) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.String("task", t.name), zap.String("panic", fmt.Sprint(r)))
		}
		l.mu.Lock()
		delete(l.running, t.name)
		l.mu.Unlock()
	}()

	if err := t.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("task exited with error", zap.String("task", t.name), zap.Error(err))
	}
}

// Stop отменяет общий контекст и ждет задачи не дольше grace.
// По таймауту возвращает ErrStopTimeout с именами зависших задач.
func (l *Lifecycle) Stop(grace time.Duration) error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		l.logger.Info("lifecycle stopped")
		return nil
	case <-timer.C:
		stuck := l.Running()
		return fmt.Errorf("%w: %s", ErrStopTimeout, strings.Join(stuck, ", "))
	}
}

// Running - имена задач, которые еще не вернулись.
func (l *Lifecycle) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.running))
	for n := range l.running {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
