package logqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/domain"
)

// Redis - очередь на списке Redis: общая для нескольких реплик API.
// Атомарность push/drain дает MULTI/EXEC.
type Redis struct {
	rdb      redis.UniversalClient
	key      string
	capacity int
	dropped  atomic.Uint64
	corrupt  atomic.Uint64
	logger   *zap.Logger
}

func NewRedis(rdb redis.UniversalClient, key string, capacity int, logger *zap.Logger) (*Redis, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("logqueue: capacity must be positive, got %d", capacity)
	}
	return &Redis{rdb: rdb, key: key, capacity: capacity, logger: logger.With(zap.String("mod", "logqueue"))}, nil
}

func (q *Redis) Push(ctx context.Context, rec domain.ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("logqueue: encode record: %w", err)
	}

	var pushed *redis.IntCmd
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pushed = pipe.RPush(ctx, q.key, data)
		pipe.LTrim(ctx, q.key, int64(-q.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("logqueue: redis push: %w", err)
	}
	if over := pushed.Val() - int64(q.capacity); over > 0 {
		q.dropped.Add(uint64(over))
	}
	return nil
}

func (q *Redis) Drain(ctx context.Context, max int) ([]domain.ResultRecord, error) {
	if max <= 0 {
		return []domain.ResultRecord{}, nil
	}

	var head *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		head = pipe.LRange(ctx, q.key, 0, int64(max-1))
		pipe.LTrim(ctx, q.key, int64(max), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logqueue: redis drain: %w", err)
	}

	raw := head.Val()
	out := make([]domain.ResultRecord, 0, len(raw))
	for _, item := range raw {
		var rec domain.ResultRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			// Запись уже снята с очереди; битую пропускаем, остальные отдаем.
			q.corrupt.Add(1)
			q.logger.Warn("discarding undecodable log record",
				zap.String("key", q.key), zap.Int("size", len(item)), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("logqueue: redis len: %w", err)
	}
	return int(n), nil
}

func (q *Redis) Dropped() uint64 { return q.dropped.Load() }

// Corrupt - сколько снятых с очереди записей не удалось декодировать.
func (q *Redis) Corrupt() uint64 { return q.corrupt.Load() }

func (q *Redis) Capacity() int { return q.capacity }
