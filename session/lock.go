// Package session provides client sessions on top of a shared leader:
// leadership election through named locks, proposal of new events, and
// snapshot-backed fast boot.
package session

import (
	"context"
	"sync"
)

// LockStatus is the outcome of a non-blocking lock attempt.
type LockStatus string

const (
	// LockAcquired means the caller now holds the lock.
	LockAcquired LockStatus = "has-lock"

	// LockDenied means another holder has the lock.
	LockDenied LockStatus = "no-lock"
)

type lockWaiter struct {
	granted chan struct{}
}

type lockState struct {
	held    bool
	waiters []*lockWaiter
}

// LockTable is a set of named, exclusive, in-process locks. Acquire
// blocks without polling: a released lock is handed directly to the
// longest-waiting acquirer.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// NewLockTable creates an empty LockTable.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*lockState)}
}

func (t *LockTable) state(name string) *lockState {
	st, ok := t.locks[name]
	if !ok {
		st = &lockState{}
		t.locks[name] = st
	}
	return st
}

// TryAcquire attempts to take the lock without blocking.
func (t *LockTable) TryAcquire(name string) LockStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(name)
	if st.held {
		return LockDenied
	}
	st.held = true
	return LockAcquired
}

// Acquire blocks until the lock is held or ctx is done. Waiters are
// served in arrival order.
func (t *LockTable) Acquire(ctx context.Context, name string) error {
	t.mu.Lock()
	st := t.state(name)
	if !st.held {
		st.held = true
		t.mu.Unlock()
		return nil
	}

	w := &lockWaiter{granted: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.granted:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		for i, other := range st.waiters {
			if other == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				t.mu.Unlock()
				return ctx.Err()
			}
		}
		t.mu.Unlock()
		// The lock was granted between ctx firing and cleanup; give it
		// back so the next waiter is not starved.
		t.Release(name)
		return ctx.Err()
	}
}

// Release frees the lock, handing it to the next waiter if any.
// Releasing an unheld lock is a no-op.
func (t *LockTable) Release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.locks[name]
	if !ok || !st.held {
		return
	}

	if len(st.waiters) == 0 {
		st.held = false
		return
	}

	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	// The lock stays held; ownership transfers to the waiter
	close(next.granted)
}
