package convstore

import (
	"context"
	"sync"

	"github.com/nexuscore/nexuscore/internal/core"
)

// Locker provides a process-safe per-conversation lock for sequences of
// store operations that must appear atomic. No component in this module
// acquires it: Router and the RAL manager call the Store directly, and
// each Store call is serialized by the store itself.
type Locker interface {
	Lock(ctx context.Context, convID string) error
	Unlock(convID string)
}

// LocalLocker is an in-process, channel-semaphore-per-key locker, the
// default deployment shape: an in-memory per-key lock with a
// context-aware Lock. A buffered channel of capacity 1 is used instead
// of sync.Mutex so Lock can select on ctx.Done() without ever leaking a
// goroutine that silently acquires the mutex after the caller has given
// up.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) semFor(convID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[convID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[convID] = sem
	}
	return sem
}

// Lock acquires the per-conversation lock, honoring context cancellation
// while waiting.
func (l *LocalLocker) Lock(ctx context.Context, convID string) error {
	sem := l.semFor(convID)
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return core.ErrLockTimeout
	}
}

// Unlock releases the per-conversation lock.
func (l *LocalLocker) Unlock(convID string) {
	sem := l.semFor(convID)
	select {
	case <-sem:
	default:
	}
}
