package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker - распределенная блокировка цикла (один цикл на кластер).
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Снимаем блокировку, только если она все еще наша (ttl мог истечь, и ее взял другой инстанс).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock - SET NX с TTL. TTL должен перекрывать самый долгий цикл.
type RedisLock struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	token string
}

func NewRedisLock(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
