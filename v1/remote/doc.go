// Package remote defines the cluster-wide lock backend consumed by the
// dlm coordinator, together with two implementations: an in-process one
// for standalone deployments and tests, and a Redis one using SetNX with
// per-acquisition tokens, lease renewal and Lua compare-and-delete
// release. Waiters are woken through a notify.Bus when one is configured
// and fall back to jittered polling otherwise.
package remote
