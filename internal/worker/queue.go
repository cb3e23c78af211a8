package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueEmpty is returned by Pop and TryPop when no item is available.
var ErrQueueEmpty = errors.New("queue empty")

// Queue is a FIFO of raw job payloads.
type Queue interface {
	// Pop blocks up to timeout for the next item.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	// TryPop returns the next item without blocking.
	TryPop(ctx context.Context) ([]byte, error)
	Push(ctx context.Context, raw []byte) error
}

// RedisQueue is a Queue over a Redis list.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates a queue on the list at key.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

// Pop implements Queue. timeout must be at least one second for BLPOP.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	item, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(item) < 2 {
		return nil, ErrQueueEmpty
	}
	return []byte(item[1]), nil
}

// TryPop implements Queue.
func (q *RedisQueue) TryPop(ctx context.Context) ([]byte, error) {
	raw, err := q.rdb.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	return raw, err
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, raw []byte) error {
	return q.rdb.RPush(ctx, q.key, raw).Err()
}
