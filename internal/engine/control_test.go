package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/repository/memory"
)

func TestControlRouter(t *testing.T) {
	st := memory.NewStore()
	otx := newFetchLoop(&fakeIngestor{source: domain.SourceOTX}, st, 10, nil)
	abuse := newFetchLoop(&fakeIngestor{source: domain.SourceAbuseIPDB}, st, 10, nil)
	q := &selectiveQueue{}
	d := newDispatcher(st, &fakeSummarizer{}, newGeo(), q, 10, 1)

	r := NewControlRouter(d, otx, abuse)

	assert.Equal(t, true, r.Handle("dispatch"))
	assert.Equal(t, 1, len(d.kick))

	assert.Equal(t, true, r.Handle(" FETCH:otx "))
	assert.Equal(t, 1, len(otx.kick))
	assert.Equal(t, 0, len(abuse.kick))

	assert.Equal(t, true, r.Handle("fetch:*"))
	assert.Equal(t, 1, len(abuse.kick))
	// повторный сигнал схлопывается
	assert.Equal(t, 1, len(otx.kick))

	assert.Equal(t, false, r.Handle("fetch:shodan"))
	assert.Equal(t, false, r.Handle("reboot"))
}

func TestListenControl(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := memory.NewStore()
	d := newDispatcher(st, &fakeSummarizer{}, newGeo(), &selectiveQueue{}, 10, 1)
	router := NewControlRouter(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ListenControl(ctx, rdb, zap.NewNop(), "test:control", router) }()

	// Ждем подписчика и публикуем команду
	deadline := time.Now().Add(2 * time.Second)
	for mr.Publish("test:control", "dispatch") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	for len(d.kick) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, len(d.kick))

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, nil, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
