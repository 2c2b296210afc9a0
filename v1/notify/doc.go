// Package notify provides the pub/sub bus used to propagate lock release
// events between nodes. Backends exist for in-process use, Redis, NATS and
// Kafka. Delivery is best-effort: a subscriber that misses an event only
// pays extra latency, because remote lock acquisition always re-verifies
// ownership against the backing store before succeeding.
package notify
