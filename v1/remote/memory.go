package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
)

type memoryHold struct {
	token  string
	reason string
	timer  *time.Timer
	freed  chan struct{}
}

type memoryHandle struct {
	resource string
	token    string
}

func (h *memoryHandle) Resource() string { return h.resource }

// InMemory implements Client with process-local state. Multiple Manager
// instances sharing one InMemory behave like nodes sharing one backend,
// which makes it the reference implementation for tests and standalone
// use.
type InMemory struct {
	mu    sync.Mutex
	ttl   time.Duration
	holds map[string]*memoryHold
}

// InMemoryOption configures an InMemory client.
type InMemoryOption func(*InMemory)

// WithTTL sets an expiry after which an unreleased lock is reclaimed,
// mirroring the lease safety net of networked backends. Zero disables
// expiry.
func WithTTL(d time.Duration) InMemoryOption {
	return func(m *InMemory) {
		m.ttl = d
	}
}

// NewInMemory returns a new in-process backend.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{holds: make(map[string]*memoryHold)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire implements Client.Acquire.
func (m *InMemory) Acquire(ctx context.Context, resource, reason string, waitFor time.Duration) (Handle, error) {
	start := time.Now()
	var deadline <-chan time.Time
	if waitFor > 0 {
		t := time.NewTimer(waitFor)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		hold, ok := m.holds[resource]
		if !ok {
			token := uuid.NewString()
			h := &memoryHold{token: token, reason: reason, freed: make(chan struct{})}
			if m.ttl > 0 {
				h.timer = time.AfterFunc(m.ttl, func() {
					m.expire(resource, token)
				})
			}
			m.holds[resource] = h
			m.mu.Unlock()
			return &memoryHandle{resource: resource, token: token}, nil
		}
		freed := hold.freed
		holder := hold.reason
		m.mu.Unlock()

		if waitFor == 0 {
			return nil, fmt.Errorf("%w: resource %q is held remotely with reason %q",
				dlmerrors.ErrLockBusy, resource, holder)
		}

		select {
		case <-freed:
		case <-deadline:
			return nil, fmt.Errorf("%w: failed to acquire remote lock on %q after %s, held with reason %q",
				dlmerrors.ErrLockBusy, resource, time.Since(start).Round(time.Millisecond), holder)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release implements Client.Release. Releasing with a handle whose lock
// already expired is a no-op.
func (m *InMemory) Release(ctx context.Context, h Handle) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return fmt.Errorf("remote: foreign handle type %T", h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[mh.resource]
	if !ok || hold.token != mh.token {
		return nil
	}
	if hold.timer != nil {
		hold.timer.Stop()
	}
	close(hold.freed)
	delete(m.holds, mh.resource)
	return nil
}

func (m *InMemory) expire(resource, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[resource]
	if !ok || hold.token != token {
		return
	}
	close(hold.freed)
	delete(m.holds, resource)
}
