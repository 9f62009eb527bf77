package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// RedisOptions tunes the distributed mutex.
type RedisOptions struct {
	// Expiry bounds how long a crashed holder blocks others.
	Expiry time.Duration
	// Prefix namespaces keys in a shared Redis.
	Prefix string
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry: 10 * time.Minute,
		Prefix: "leave:lock:",
	}
}

// Redis is a distributed try-lock on redsync.
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

// NewRedis builds a lock manager on an existing go-redis client.
func NewRedis(client goredislib.UniversalClient, opts RedisOptions) *Redis {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultRedisOptions().Expiry
	}
	pool := goredis.NewPool(client)
	return &Redis{rs: redsync.New(pool), opts: opts}
}

// TryLock makes a single acquisition attempt.
func (r *Redis) TryLock(ctx context.Context, key string) (func(context.Context) error, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	mutex := r.rs.NewMutex(r.opts.Prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("distributed lock: acquire %s: %w", key, err)
	}

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("distributed lock: unlock %s: %w", key, err)
		}
		if !ok {
			return ErrNotHeld
		}
		return nil
	}
	return unlock, nil
}
