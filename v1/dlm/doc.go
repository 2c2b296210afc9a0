// Package dlm implements a distributed lock manager for serializing
// DDL-style operations on named resources. A per-process lock table
// arbitrates between local callers with timed, cancellable waits; a
// remote.Client arbitrates between processes. Acquisition claims the
// local slot first and the cluster-wide lock second, and unwinds the
// local claim when the remote one fails. Successful acquisitions return
// a guard whose Release tears both down in reverse order.
package dlm
