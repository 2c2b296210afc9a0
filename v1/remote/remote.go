package remote

import (
	"context"
	"time"
)

// Handle represents an acquired cluster-wide lock. Its concrete type is
// owned by the backend that issued it; callers only pass it back to
// Release.
type Handle interface {
	// Resource returns the resource name the handle was issued for.
	Resource() string
}

// Client is the cluster-wide locking backend. Acquire blocks until the
// lock is obtained, waitFor elapses or ctx is cancelled. A waitFor of zero
// means a single attempt. Failed deadline waits wrap errors.ErrLockBusy;
// backend transport errors are returned as-is.
//
// Release is best-effort: backends use a lease so that a lost release is
// recovered by expiry rather than by retrying forever.
type Client interface {
	Acquire(ctx context.Context, resource, reason string, waitFor time.Duration) (Handle, error)
	Release(ctx context.Context, h Handle) error
}
