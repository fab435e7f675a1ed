package fleet

import (
	"context"
	"sync"

	"zeddring/internal/domain"
)

// lockTable serializes device operations per ring. Each ring owns a
// buffered channel of capacity one; holding the token means holding the
// ring's operation lock. The scheduler polls with TryAcquire and skips
// busy rings, while user commands block in Acquire until the ring frees
// up or the caller's context expires.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) lock(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// TryAcquire takes the ring's operation lock without blocking.
func (t *lockTable) TryAcquire(id string) bool {
	select {
	case t.lock(id) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the ring's operation lock is free or ctx is done.
func (t *lockTable) Acquire(ctx context.Context, id string) error {
	select {
	case t.lock(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.NewDomainError("fleet.Acquire", domain.ErrCancelled, id)
	}
}

// Release frees the ring's operation lock. Releasing a lock that is not
// held is a programming error and panics like an unbalanced mutex.
func (t *lockTable) Release(id string) {
	select {
	case <-t.lock(id):
	default:
		panic("fleet: release of unheld ring lock " + id)
	}
}

// Forget drops the lock entry for a purged ring.
func (t *lockTable) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, id)
}
