package dlm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
)

// waitQueue tracks the holder and waiters of one resource name. An entry
// lives in the table exactly while held || numWaiting > 0.
type waitQueue struct {
	reason     string
	held       bool
	numWaiting int
	// wake carries one token per release so that exactly one waiter is
	// woken. A waiter that loses the claim race re-enters the wait.
	wake chan struct{}
}

// LockTable provides in-process mutual exclusion on resource names. All
// bookkeeping runs under one mutex held only for O(1) operations; waiting
// happens outside it, so contention on one name never stalls others.
type LockTable struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*waitQueue
}

// NewLockTable returns an empty lock table. A nil logger falls back to
// slog.Default.
func NewLockTable(logger *slog.Logger) *LockTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockTable{
		logger: logger,
		queues: make(map[string]*waitQueue),
	}
}

// Acquire claims the local slot for name, blocking up to waitFor while
// another caller holds it. A waitFor of zero is a single non-blocking
// attempt. The returned guard must be released exactly once. Deadline
// failures wrap errors.ErrLockBusy and name the current holder's reason;
// cancellation returns ctx.Err unchanged.
func (t *LockTable) Acquire(ctx context.Context, name, reason string, waitFor time.Duration) (*ScopedLock, error) {
	start := time.Now()

	t.mu.Lock()
	q, ok := t.queues[name]
	if !ok {
		t.queues[name] = &waitQueue{
			reason: reason,
			held:   true,
			wake:   make(chan struct{}, 1),
		}
		t.mu.Unlock()
		t.logger.Debug("acquired local lock", "resource", name, "reason", reason)
		return &ScopedLock{name: name, reason: reason, table: t}, nil
	}
	if !q.held {
		// Freed but not yet erased: a release woke a waiter that has
		// not claimed yet, or waiters keep the entry alive. Claiming
		// here is safe; the woken waiter re-checks and re-waits.
		q.held = true
		q.reason = reason
		t.mu.Unlock()
		t.logger.Debug("acquired local lock", "resource", name, "reason", reason)
		return &ScopedLock{name: name, reason: reason, table: t}, nil
	}
	if waitFor == 0 {
		holder := q.reason
		t.mu.Unlock()
		return nil, busyError(name, holder, time.Since(start))
	}
	q.numWaiting++
	t.mu.Unlock()

	timer := time.NewTimer(waitFor)
	defer timer.Stop()

	for {
		select {
		case <-q.wake:
			t.mu.Lock()
			if !q.held {
				q.held = true
				q.reason = reason
				q.numWaiting--
				t.mu.Unlock()
				t.logger.Debug("acquired local lock", "resource", name, "reason", reason)
				return &ScopedLock{name: name, reason: reason, table: t}, nil
			}
			// Someone claimed the freed slot before us; keep waiting
			// on the remaining budget.
			t.mu.Unlock()

		case <-timer.C:
			t.mu.Lock()
			q.numWaiting--
			holder := q.reason
			t.dropIfIdle(name, q)
			t.mu.Unlock()
			return nil, busyError(name, holder, time.Since(start))

		case <-ctx.Done():
			t.mu.Lock()
			q.numWaiting--
			t.dropIfIdle(name, q)
			t.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// dropIfIdle erases the entry once nobody holds or waits on it. Callers
// must hold t.mu.
func (t *LockTable) dropIfIdle(name string, q *waitQueue) {
	if !q.held && q.numWaiting == 0 {
		delete(t.queues, name)
	}
}

// release frees the slot owned by a guard, wakes at most one waiter and
// erases the entry when no waiters remain.
func (t *LockTable) release(name, reason string) {
	t.mu.Lock()
	q := t.queues[name]
	q.held = false
	q.reason = ""
	if q.numWaiting == 0 {
		delete(t.queues, name)
	} else {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()
	t.logger.Debug("released local lock", "resource", name, "reason", reason)
}

func busyError(name, holder string, waited time.Duration) error {
	return fmt.Errorf("%w: failed to acquire lock on resource %q after %s, currently held with reason %q",
		dlmerrors.ErrLockBusy, name, waited.Round(time.Millisecond), holder)
}
