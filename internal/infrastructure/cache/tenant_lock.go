package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultLockRetry    = 50 * time.Millisecond
	defaultLockKeyspace = "dte:tenant-lock:"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder cannot release a lock taken over by another instance.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is reported when a lock expired before it was released
var ErrLockNotHeld = errors.New("cache: tenant lock was no longer held")

// RedisTenantLocker serializes per-tenant operations across instances with
// SET NX PX and a token-checked release
type RedisTenantLocker struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// RedisTenantLockerOption configures a RedisTenantLocker
type RedisTenantLockerOption func(*RedisTenantLocker)

// WithLockTTL bounds how long a crashed holder can block a tenant
func WithLockTTL(ttl time.Duration) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetryInterval sets how often a contended lock is retried
func WithLockRetryInterval(d time.Duration) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockKeyPrefix namespaces the lock keys
func WithLockKeyPrefix(prefix string) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// WithLockLogger sets the logger
func WithLockLogger(logger *zap.Logger) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisTenantLocker creates a locker on an existing client
func NewRedisTenantLocker(client redis.UniversalClient, opts ...RedisTenantLockerOption) *RedisTenantLocker {
	l := &RedisTenantLocker{
		client:    client,
		ttl:       defaultLockTTL,
		retry:     defaultLockRetry,
		keyPrefix: defaultLockKeyspace,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock blocks until the tenant's lock is acquired or ctx is done. The returned
// function releases it and is safe to call more than once.
func (l *RedisTenantLocker) Lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	key := l.keyPrefix + tenantID.String()
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire tenant lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire tenant lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := l.release(key, token); err != nil {
			l.logger.Warn("Failed to release tenant lock",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
	}, nil
}

// release runs on its own context so a cancelled caller still frees the lock
func (l *RedisTenantLocker) release(key, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func newLockToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
