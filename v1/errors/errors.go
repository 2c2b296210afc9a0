package errors

import "errors"

var (
	// ErrLockBusy is wrapped by acquisition failures that exhausted their
	// wait budget while another holder kept the resource. Callers may
	// retry with backoff; check with errors.Is.
	ErrLockBusy = errors.New("lock busy")

	// ErrConnectionClosed indicates the backend connection is no longer
	// usable.
	ErrConnectionClosed = errors.New("connection closed")
)
