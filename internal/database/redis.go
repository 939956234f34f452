package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
)

// RedisClient wraps the Redis client with additional functionality
type RedisClient struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

// unlockScript deletes a lock key only when the caller still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig, log *logger.Logger) (*RedisClient, error) {
	options := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 4,
		MaxRetries:   3,
		DialTimeout:  time.Second * 5,
		ReadTimeout:  time.Second * 3,
		WriteTimeout: time.Second * 3,
		PoolTimeout:  time.Second * 4,
	}

	client := redis.NewClient(options)

	redisClient := &RedisClient{
		client: client,
		logger: log.WithService("redis"),
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisClient.logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
	)

	return redisClient, nil
}

// Ping tests the connection to Redis
func (r *RedisClient) Ping(ctx context.Context) error {
	start := time.Now()
	result := r.client.Ping(ctx)
	duration := time.Since(start).Seconds() * 1000

	err := result.Err()
	r.logger.LogServiceCall("redis", "ping", duration, err)

	return err
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Get retrieves a value by key; a missing key returns "" without error
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	result := r.client.Get(ctx, key)
	duration := time.Since(start).Seconds() * 1000

	value, err := result.Result()
	r.logger.LogServiceCall("redis", fmt.Sprintf("get:%s", key), duration, err)

	if err == redis.Nil {
		return "", nil
	}

	return value, err
}

// Set stores a key-value pair with expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	start := time.Now()
	result := r.client.Set(ctx, key, value, expiration)
	duration := time.Since(start).Seconds() * 1000

	err := result.Err()
	r.logger.LogServiceCall("redis", fmt.Sprintf("set:%s", key), duration, err)

	return err
}

// SetNX sets a key only if it doesn't exist (atomic, used as advisory lock)
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	start := time.Now()
	result := r.client.SetNX(ctx, key, value, expiration)
	duration := time.Since(start).Seconds() * 1000

	success, err := result.Result()
	r.logger.LogServiceCall("redis", fmt.Sprintf("setnx:%s", key), duration, err)

	return success, err
}

// ReleaseLock deletes a lock key if and only if token still owns it
func (r *RedisClient) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	start := time.Now()
	result, err := unlockScript.Run(ctx, r.client, []string{key}, token).Int()
	duration := time.Since(start).Seconds() * 1000

	r.logger.LogServiceCall("redis", fmt.Sprintf("unlock:%s", key), duration, err)

	return result == 1, err
}

// LPush pushes elements to the head of a list
func (r *RedisClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	start := time.Now()
	result := r.client.LPush(ctx, key, values...)
	duration := time.Since(start).Seconds() * 1000

	err := result.Err()
	r.logger.LogServiceCall("redis", fmt.Sprintf("lpush:%s", key), duration, err)

	return err
}

// BRPop blocks popping an element from the tail of a list, up to timeout.
// An empty list returns "" without error.
func (r *RedisClient) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	start := time.Now()
	result := r.client.BRPop(ctx, timeout, key)
	duration := time.Since(start).Seconds() * 1000

	values, err := result.Result()
	r.logger.LogServiceCall("redis", fmt.Sprintf("brpop:%s", key), duration, err)

	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	// BRPop returns [key, value]
	if len(values) < 2 {
		return "", nil
	}
	return values[1], nil
}

// LLen returns the length of a list
func (r *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	result := r.client.LLen(ctx, key)
	duration := time.Since(start).Seconds() * 1000

	length, err := result.Result()
	r.logger.LogServiceCall("redis", fmt.Sprintf("llen:%s", key), duration, err)

	return length, err
}

// HealthCheck performs a health check on the Redis connection
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx)
}
