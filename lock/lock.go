/*
Package lock provides the per-month payroll lock.

PURPOSE:
  Creating, committing and deleting runs of the same month must not
  interleave, otherwise two commits could deduct the same installment.
  The store already refuses a second deduction per (advance, run) and a
  second run per (month, institution); the lock keeps concurrent callers
  out before any work starts.

IMPLEMENTATIONS:
  Local: in-process keyed try-lock (single instance, tests)
  Redis: SET NX PX with a random token, released by compare-and-delete

  Both are try-locks: a held key fails fast with ErrNotAcquired instead of
  queueing, and the caller reports a retryable conflict.
*/
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Release frees a lock obtained from Acquire. It is safe to call once.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// MonthKey is the lock key for a payroll month ("2025-01").
func MonthKey(month string) string {
	return "payroll:month:" + month
}

// =============================================================================
// LOCAL
// =============================================================================

type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
