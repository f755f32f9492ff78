package usecase

import (
	"context"
	"sync"
)

// sessionSemaphore is a per-conversation mutex built on a buffered
// channel so acquisition can respect context cancellation. refs counts
// the holder plus queued waiters and is guarded by the owning
// sessionLocks mutex.
type sessionSemaphore struct {
	ch   chan struct{}
	refs int
}

func newSessionSemaphore() *sessionSemaphore {
	s := &sessionSemaphore{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{}
	return s
}

// sessionLocks serializes turns per conversation key. A turn arriving
// while another is in flight for the same conversation queues on the
// channel; it is never rejected. Keying on the conversation key rather
// than the session id is equivalent because a conversation key maps to
// at most one active session. Entries are dropped once the last holder
// or waiter is gone, so idle conversations do not accumulate.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionSemaphore
}

func (l *sessionLocks) acquire(ctx context.Context, key string) bool {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionSemaphore)
	}
	sem := l.locks[key]
	if sem == nil {
		sem = newSessionSemaphore()
		l.locks[key] = sem
	}
	sem.refs++
	l.mu.Unlock()

	select {
	case <-sem.ch:
		return true
	case <-ctx.Done():
		l.mu.Lock()
		sem.refs--
		if sem.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return false
	}
}

func (l *sessionLocks) release(key string) {
	l.mu.Lock()
	sem := l.locks[key]
	if sem == nil {
		l.mu.Unlock()
		return
	}
	sem.refs--
	if sem.refs == 0 {
		delete(l.locks, key)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	sem.ch <- struct{}{}
}
