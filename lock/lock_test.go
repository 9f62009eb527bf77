package lock_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/lock"
)

type tryLocker interface {
	TryLock(ctx context.Context, key string) (func(context.Context) error, error)
}

func lockers(t *testing.T) map[string]tryLocker {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]tryLocker{
		"local": lock.NewLocal(),
		"redis": lock.NewRedis(client, lock.DefaultRedisOptions()),
	}
}

func TestTryLock_ExclusiveUntilUnlocked(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.TryLock(ctx, "carryover:2026")
			require.NoError(t, err)

			_, err = l.TryLock(ctx, "carryover:2026")
			assert.ErrorIs(t, err, lock.ErrHeld)

			// Different key is independent
			unlockOther, err := l.TryLock(ctx, "carryover:2027")
			require.NoError(t, err)
			require.NoError(t, unlockOther(ctx))

			require.NoError(t, unlock(ctx))

			unlock2, err := l.TryLock(ctx, "carryover:2026")
			require.NoError(t, err)
			require.NoError(t, unlock2(ctx))
		})
	}
}

func TestTryLock_DoubleUnlock(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.TryLock(ctx, "k")
			require.NoError(t, err)
			require.NoError(t, unlock(ctx))
			assert.Error(t, unlock(ctx))
		})
	}
}

func TestTryLock_EmptyKey(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TryLock(ctx, "")
			assert.ErrorIs(t, err, lock.ErrEmptyKey)
		})
	}
}
