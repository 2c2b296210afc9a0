package dlm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
	"github.com/mirkobrombin/go-dlm/v1/metrics"
	"github.com/mirkobrombin/go-dlm/v1/remote"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-dlm/v1/dlm")

const (
	// DefaultLockTimeout is the wait budget used by callers without a
	// specific deadline.
	DefaultLockTimeout = 5 * time.Minute

	// SingleAttemptTimeout makes acquisition a single non-blocking
	// attempt.
	SingleAttemptTimeout = time.Duration(0)
)

// Manager coordinates local and cluster-wide lock acquisition. One
// Manager is typically constructed per process and shared; see Register.
type Manager struct {
	sessionID string
	table     *LockTable
	remote    remote.Client
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for lock lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTable shares an existing lock table between managers. Mainly
// useful in tests that exercise several managers inside one process.
func WithTable(table *LockTable) Option {
	return func(m *Manager) {
		m.table = table
	}
}

// WithMetrics registers the lock metrics on the provided registerer.
// The collectors are process-wide, so Managers sharing a registerer
// contribute to the same series; repeat registration is a no-op.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		metrics.RegisterLockMetrics(reg)
	}
}

// New returns a Manager using client as the cluster-wide backend. Each
// Manager carries a unique session ID that tags its log records and is
// available to backends for ownership attribution.
func New(client remote.Client, opts ...Option) (*Manager, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		sessionID: id,
		remote:    client,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.table == nil {
		m.table = NewLockTable(m.logger)
	}
	return m, nil
}

// SessionID returns the identifier tagging this manager's lock
// ownership.
func (m *Manager) SessionID() string { return m.sessionID }

// Lock acquires both the local slot and the cluster-wide lock on name,
// waiting up to waitFor for each layer. The local slot is claimed first,
// so local contention is resolved before paying a network round trip,
// and is unwound when the remote acquisition fails. Errors from the
// backend are returned unchanged.
func (m *Manager) Lock(ctx context.Context, name, reason string, waitFor time.Duration) (*ScopedDistLock, error) {
	ctx, span := tracer.Start(ctx, "dlm.Lock")
	span.SetAttributes(
		attribute.String("dlm.resource", name),
		attribute.String("dlm.reason", reason),
	)
	defer span.End()
	start := time.Now()

	local, err := m.table.Acquire(ctx, name, reason, waitFor)
	if err != nil {
		m.countFailure(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	handle, err := m.remote.Acquire(ctx, name, reason, waitFor)
	if err != nil {
		local.Release()
		m.countFailure(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.AcquireCounter.Inc()
	metrics.HeldGauge.Inc()
	metrics.WaitHistogram.Observe(time.Since(start).Seconds())
	m.logger.Debug("acquired distributed lock",
		"resource", name, "reason", reason, "session", m.sessionID)

	return &ScopedDistLock{
		ctx:    ctx,
		local:  local,
		handle: handle,
		m:      m,
	}, nil
}

// LockLocal acquires only the in-process slot for name. It serves
// callers that need serialization inside one process without a
// cluster-wide claim.
func (m *Manager) LockLocal(ctx context.Context, name, reason string, waitFor time.Duration) (*ScopedLock, error) {
	return m.table.Acquire(ctx, name, reason, waitFor)
}

func (m *Manager) countFailure(err error) {
	if errors.Is(err, dlmerrors.ErrLockBusy) {
		metrics.BusyCounter.Inc()
	}
}
