// Package lock defines run-level mutual exclusion.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotAcquired is returned when a lock is held by someone else
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing or extending a lock that was lost
	ErrNotHeld = errors.New("lock not held")
)

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// MemoryLocker is a process-local Locker. TTLs are honored on acquire.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]time.Time
	nowFunc func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:    map[string]time.Time{},
		nowFunc: time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, ErrNotAcquired
	}
	l.held[key] = now.Add(ttl)
	return &memoryLock{locker: l, key: key, expires: now.Add(ttl)}, nil
}

type memoryLock struct {
	locker  *MemoryLocker
	key     string
	expires time.Time
}

func (m *memoryLock) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if current, ok := m.locker.held[m.key]; !ok || !current.Equal(m.expires) {
		return ErrNotHeld
	}
	delete(m.locker.held, m.key)
	return nil
}

func (m *memoryLock) Extend(_ context.Context, ttl time.Duration) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if current, ok := m.locker.held[m.key]; !ok || !current.Equal(m.expires) {
		return ErrNotHeld
	}
	m.expires = m.locker.nowFunc().Add(ttl)
	m.locker.held[m.key] = m.expires
	return nil
}
