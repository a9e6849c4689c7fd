package cache

import (
	"context"
	"testing"
	"time"

	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLocker struct{}

func (stubLocker) Lock(context.Context, uuid.UUID) (func(), error) {
	return func() {}, nil
}

// unreachableRedis points at a port nothing listens on
func unreachableRedis() config.RedisConfig {
	return config.RedisConfig{Enabled: true, Host: "127.0.0.1", Port: 1}
}

func TestTenantLockerFactory(t *testing.T) {
	local := stubLocker{}

	t.Run("redis disabled uses the local locker", func(t *testing.T) {
		f := NewTenantLockerFactory(config.RedisConfig{})

		locker, err := f.Create(context.Background(), local)
		require.NoError(t, err)
		assert.Equal(t, local, locker)
	})

	t.Run("unreachable redis falls back", func(t *testing.T) {
		f := NewTenantLockerFactory(unreachableRedis())
		f.pingTimeout = 200 * time.Millisecond

		locker, err := f.Create(context.Background(), local)
		require.NoError(t, err)
		assert.Equal(t, local, locker)
	})

	t.Run("unreachable redis without fallback fails", func(t *testing.T) {
		f := NewTenantLockerFactory(unreachableRedis(), WithInMemoryFallback(false))
		f.pingTimeout = 200 * time.Millisecond

		_, err := f.Create(context.Background(), local)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Redis required")
	})
}

func TestRedisTenantLockerOptions(t *testing.T) {
	l := NewRedisTenantLocker(nil,
		WithLockTTL(2*time.Second),
		WithLockRetryInterval(10*time.Millisecond),
		WithLockKeyPrefix("test:"),
		WithLockTTL(0),
	)
	assert.Equal(t, 2*time.Second, l.ttl)
	assert.Equal(t, 10*time.Millisecond, l.retry)
	assert.Equal(t, "test:", l.keyPrefix)
}

func TestNewLockToken(t *testing.T) {
	a, err := newLockToken()
	require.NoError(t, err)
	b, err := newLockToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
