package ledger

import (
	"context"
	"sync"
	"time"
)

// OwnerLocks is a keyed mutex: at most one holder per owner at a time.
// Entries are reference counted and dropped once nobody holds or waits.
type OwnerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	sem  chan struct{}
	refs int
}

// NewOwnerLocks creates an empty lock table.
func NewOwnerLocks() *OwnerLocks {
	return &OwnerLocks{locks: make(map[string]*ownerLock)}
}

// Acquire blocks until the owner's lock is held, ctx is done, or timeout
// elapses. A non-positive timeout waits on ctx alone. The returned func
// releases the lock and is safe to call more than once.
func (l *OwnerLocks) Acquire(ctx context.Context, owner string, timeout time.Duration) (func(), error) {
	lk := l.ref(owner)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case lk.sem <- struct{}{}:
	case <-expired:
		l.unref(owner)
		return nil, ErrConcurrencyTimeout
	case <-ctx.Done():
		l.unref(owner)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.unref(owner)
		})
	}, nil
}

// len reports how many owners currently have a lock entry.
func (l *OwnerLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *OwnerLocks) ref(owner string) *ownerLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[owner]
	if !ok {
		lk = &ownerLock{sem: make(chan struct{}, 1)}
		l.locks[owner] = lk
	}
	lk.refs++
	return lk
}

func (l *OwnerLocks) unref(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk := l.locks[owner]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, owner)
	}
}
