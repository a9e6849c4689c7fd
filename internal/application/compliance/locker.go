package compliance

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TenantLocker serializes operations that read then write a tenant's active
// signing identity. The returned unlock func is safe to call more than once.
type TenantLocker interface {
	Lock(ctx context.Context, tenantID uuid.UUID) (func(), error)
}

// Ensure KeyedMutex implements TenantLocker
var _ TenantLocker = (*KeyedMutex)(nil)

// KeyedMutex is an in-process per-tenant lock. Entries are dropped once no
// caller holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[uuid.UUID]*tenantLock)}
}

// Lock blocks until the tenant's lock is acquired or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[tenantID]
	if !ok {
		l = &tenantLock{sem: make(chan struct{}, 1)}
		k.locks[tenantID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(tenantID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(tenantID, l)
		})
	}, nil
}

func (k *KeyedMutex) release(tenantID uuid.UUID, l *tenantLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, tenantID)
	}
}

// size returns the number of live entries
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
