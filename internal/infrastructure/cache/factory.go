package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TenantLocker serializes operations on one tenant's signing identity
type TenantLocker interface {
	Lock(ctx context.Context, tenantID uuid.UUID) (func(), error)
}

// Ensure RedisTenantLocker implements TenantLocker
var _ TenantLocker = (*RedisTenantLocker)(nil)

// TenantLockerFactory picks the lock implementation from configuration
type TenantLockerFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	pingTimeout           time.Duration
}

// TenantLockerFactoryOption is a functional option for configuring the factory
type TenantLockerFactoryOption func(*TenantLockerFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) TenantLockerFactoryOption {
	return func(f *TenantLockerFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis falls back to the
// in-process locker. Default is true.
func WithInMemoryFallback(allow bool) TenantLockerFactoryOption {
	return func(f *TenantLockerFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewTenantLockerFactory creates a new factory
func NewTenantLockerFactory(cfg config.RedisConfig, opts ...TenantLockerFactoryOption) *TenantLockerFactory {
	f := &TenantLockerFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		pingTimeout:           5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRedisLocker connects to Redis and returns a distributed locker
func (f *TenantLockerFactory) CreateRedisLocker(ctx context.Context) (*RedisTenantLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", f.redisConfig.Host, f.redisConfig.Port),
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisTenantLocker(client,
		WithLockTTL(f.redisConfig.LockTTL),
		WithLockLogger(f.logger),
	), nil
}

// Create returns the Redis locker when Redis is enabled, otherwise local.
// A Redis failure falls back to local unless fallback was disabled.
func (f *TenantLockerFactory) Create(ctx context.Context, local TenantLocker) (TenantLocker, error) {
	if !f.redisConfig.Enabled {
		return local, nil
	}

	locker, err := f.CreateRedisLocker(ctx)
	if err == nil {
		f.logger.Info("Using Redis tenant locks")
		return locker, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for tenant locks but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-process tenant locks. "+
		"Certificate operations are then only serialized within this instance.",
		zap.Error(err),
	)
	return local, nil
}
