package dlm

import (
	"context"

	"github.com/mirkobrombin/go-dlm/v1/metrics"
	"github.com/mirkobrombin/go-dlm/v1/remote"
)

// ScopedLock owns the local slot for one resource. It is move-only: do
// not copy it, and release it exactly once, typically via defer. Guards
// are not safe for concurrent use.
type ScopedLock struct {
	name     string
	reason   string
	table    *LockTable
	released bool
}

// Name returns the locked resource name.
func (l *ScopedLock) Name() string { return l.name }

// Reason returns the reason the lock was taken with.
func (l *ScopedLock) Reason() string { return l.reason }

// Release frees the local slot and wakes the next waiter. Releasing a
// guard twice is a programming error and panics.
func (l *ScopedLock) Release() {
	if l.released {
		panic("dlm: local lock released twice")
	}
	l.released = true
	l.table.release(l.name, l.reason)
}

// ScopedDistLock owns both the local slot and the cluster-wide lock for
// one resource. It carries the context of the execution it belongs to;
// the context can be detached when the owning operation is suspended and
// attached again when it resumes elsewhere, without affecting lock
// ownership.
type ScopedDistLock struct {
	ctx      context.Context
	local    *ScopedLock
	handle   remote.Handle
	m        *Manager
	released bool
}

// Resource returns the locked resource name.
func (l *ScopedDistLock) Resource() string { return l.local.name }

// Release frees the cluster-wide lock and then the local slot. A failed
// remote release is logged and otherwise ignored: no caller is left to
// act on it, and the backend's lease expires the lock on its own.
// Releasing twice panics.
func (l *ScopedDistLock) Release() {
	if l.released {
		panic("dlm: distributed lock released twice")
	}
	l.released = true

	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.m.remote.Release(ctx, l.handle); err != nil {
		l.m.logger.Error("failed to release remote lock",
			"resource", l.local.name, "session", l.m.sessionID, "error", err)
	}
	l.local.Release()

	metrics.ReleaseCounter.Inc()
	metrics.HeldGauge.Dec()
}

// Detach clears the guard's context so the owning operation can be torn
// down while the lock stays held. Attach must be called before the guard
// is used from a new execution context.
func (l *ScopedDistLock) Detach() {
	l.ctx = nil
}

// Attach binds the guard to a new context. Attaching over an existing
// context indicates a caller bug and panics.
func (l *ScopedDistLock) Attach(ctx context.Context) {
	if l.ctx != nil {
		panic("dlm: guard already attached to a context")
	}
	l.ctx = ctx
}
