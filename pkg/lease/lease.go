// Package lease serialises work per key (one sync per source type at a time).
//
// Local guards a single process. Redis extends the guarantee to several
// daemons sharing one store.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease is held by another run")

// Release gives a lease back. It is safe to call more than once.
type Release func() error

// Locker hands out leases keyed by name.
type Locker interface {
	// Acquire takes the lease for key without waiting. It returns ErrHeld if
	// the lease is taken. ttl bounds how long a crashed holder can block others
	// where the backend supports expiry.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire takes key if it is free. ttl is ignored: a local holder cannot
// outlive the process.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
