package medium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/config"
	"goflare.io/hearth/internal/retrier"
)

// Redis is the remote medium. Every command runs through a circuit breaker
// and a retrier.
type Redis struct {
	client  redis.Cmdable
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	logger  *zap.Logger
}

// NewRedis connects to the configured server.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  -1,
	})
	return NewRedisFromClient(client, logger)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.Cmdable, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r, err := retrier.NewRetrier(3, 100*time.Millisecond, time.Second, 2, 0.1, retrier.ExponentialBackoff, isTransient)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	return &Redis{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "redis-medium",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, redis.Nil)
			},
		}),
		retrier: r,
		logger:  logger,
	}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Kind() Kind { return KindRemote }

// Get retrieves a value.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.execute(ctx, func() error {
		var err error
		data, err = r.client.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Set stores a value without expiry; expiry is owned by the cache store.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	err := r.execute(ctx, func() error {
		return r.client.Set(ctx, key, value, 0).Err()
	})
	if err != nil {
		if strings.Contains(err.Error(), "OOM") {
			return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes a value.
func (r *Redis) Delete(ctx context.Context, key string) error {
	err := r.execute(ctx, func() error {
		return r.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Keys scans the keys with the given prefix.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	keys := []string{}

	var cursor uint64
	for {
		var batch []string
		err := r.execute(ctx, func() error {
			var err error
			batch, cursor, err = r.client.Scan(ctx, cursor, pattern, 1000).Result()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys from redis: %w", err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close closes the underlying connection when the client supports it.
func (r *Redis) Close() error {
	if closer, ok := r.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (r *Redis) execute(ctx context.Context, f func() error) error {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.retrier.Run(ctx, f)
	})
	return err
}

func isTransient(err error) bool {
	return !errors.Is(err, redis.Nil) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
