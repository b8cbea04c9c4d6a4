// Package redisstore adapts go-redis for the counters the service keeps:
// aggregate verification stats and rate-limit windows.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// Store wraps a redis client and retries transient failures with
// exponential backoff.
type Store struct {
	client         *redis.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New constructs a Store around client.
func New(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client:         client,
		logger:         logger.Named("redis_store"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.executeWithRetry(ctx, "redis.ping", "", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// HIncr applies every integer and float increment to the hash at key in a
// single MULTI/EXEC transaction, so the fields move together or not at all.
func (s *Store) HIncr(ctx context.Context, key string, ints map[string]int64, floats map[string]float64) error {
	return s.executeWithRetry(ctx, "redis.hincr", key, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for field, value := range ints {
				pipe.HIncrBy(ctx, key, field, value)
			}
			for field, value := range floats {
				pipe.HIncrByFloat(ctx, key, field, value)
			}
			return nil
		})
		return err
	})
}

// HGetAll reads every field of a hash. A missing key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var values map[string]string
	err := s.executeWithRetry(ctx, "redis.hgetall", key, func() error {
		result, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		values = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// IncrWindow increments a counter and (re)arms its expiry in one
// transaction. It returns the counter value after the increment. Keys are
// expected to be scoped to a single window, so refreshing the TTL on every
// hit only delays cleanup.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.executeWithRetry(ctx, "redis.incr_window", key, func() error {
		var incr *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, window)
			return nil
		})
		if err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) executeWithRetry(ctx context.Context, operation, key string, fn func() error) error {
	opLogger := logging.WithOperation(s.logger, operation, "")
	if key != "" {
		opLogger = opLogger.With(zap.String("key", key))
	}

	attempts := s.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.initialBackoff
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

// IsTransient reports whether err looks like a timeout or temporary network
// failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
