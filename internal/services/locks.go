package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clausewise/analysis-engine/internal/database"
	"github.com/clausewise/analysis-engine/internal/logger"
)

// RedisLocker implements Locker over Redis SETNX with ownership tokens.
// The TTL bounds how long a crashed holder can stall other computations.
type RedisLocker struct {
	redis  *database.RedisClient
	logger *logger.Logger
}

// NewRedisLocker creates a Redis-backed advisory locker
func NewRedisLocker(redis *database.RedisClient, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		redis:  redis,
		logger: log.WithService("locker"),
	}
}

// Acquire attempts to take the lock for key
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := l.redis.SetNX(ctx, "lock:"+key, token, ttl)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lock if token still owns it
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	_, err := l.redis.ReleaseLock(ctx, "lock:"+key, token)
	return err
}

// RedisRunQueue implements RunQueue over a Redis list
type RedisRunQueue struct {
	redis *database.RedisClient
	key   string
}

// NewRedisRunQueue creates a Redis-backed run queue
func NewRedisRunQueue(redis *database.RedisClient) *RedisRunQueue {
	return &RedisRunQueue{redis: redis, key: "runs:queued"}
}

// Enqueue pushes a run id onto the queue
func (q *RedisRunQueue) Enqueue(ctx context.Context, runID string) error {
	return q.redis.LPush(ctx, q.key, runID)
}

// Dequeue blocks for up to timeout waiting for a run id
func (q *RedisRunQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	return q.redis.BRPop(ctx, timeout, q.key)
}

// Len returns the current queue depth
func (q *RedisRunQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.key)
}
