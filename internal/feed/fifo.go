package feed

import (
	"container/list"
	"context"
	"sync"
)

// fifoLock is a mutex with strict first come, first served handoff. The
// stdlib mutex makes no fairness promise under contention; allocation
// requests racing for the same feed must be served in arrival order so the
// first caller does the expensive setup and the rest see the cached result
// in the order they asked.
type fifoLock struct {
	mu      sync.Mutex
	locked  bool
	waiters *list.List // of chan struct{}
}

func newFIFOLock() *fifoLock {
	return &fifoLock{waiters: list.New()}
}

// Lock acquires the lock, queueing behind earlier callers. It fails only if
// ctx is done first, in which case the caller's queue slot is released.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked && l.waiters.Len() == 0 {
		l.locked = true
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// handoff raced the cancel; pass the lock on
			l.unlockLocked()
		default:
			l.waiters.Remove(elem)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock hands the lock to the oldest waiter, if any.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	l.unlockLocked()
	l.mu.Unlock()
}

func (l *fifoLock) unlockLocked() {
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.locked = false
}
