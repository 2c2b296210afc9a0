package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus propagates release events for lock subjects across interested
// waiters. Events carry no payload; a received token only means "the
// subject may have changed, re-check".
type Bus interface {
	Publish(ctx context.Context, subject string) error
	Subscribe(ctx context.Context, subject string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error
}

// Metrics reports how many events a bus published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriber is one subscription on a subject. ch is handed to the
// caller and closed by Unsubscribe; stop releases the context watcher
// goroutine when the subscription ends before the context does.
//
// ch is closed only under the owning bus mutex, and every send to it
// happens under that same mutex, so a send can never hit a closed
// channel.
type subscriber struct {
	ch   chan struct{}
	stop chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// watch unsubscribes when ctx is cancelled. No goroutine is spawned for
// contexts that can never be cancelled, and stop reclaims the watcher
// when Unsubscribe runs first.
func watch(ctx context.Context, sub *subscriber, unsubscribe func()) {
	done := ctx.Done()
	if done == nil {
		return
	}
	go func() {
		select {
		case <-done:
			unsubscribe()
		case <-sub.stop:
		}
	}()
}

// InMemoryBus is a process-local implementation of Bus. It is the default
// for standalone deployments and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]*subscriber),
	}
}

// Publish implements Bus.Publish. Sends are non-blocking and run under
// the bus mutex; a subscriber with a wakeup already pending is skipped.
func (b *InMemoryBus) Publish(ctx context.Context, subject string) error {
	b.mu.Lock()
	for _, s := range b.subs[subject] {
		select {
		case s.ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. The returned channel is closed on
// Unsubscribe or when ctx is cancelled.
func (b *InMemoryBus) Subscribe(ctx context.Context, subject string) (chan struct{}, error) {
	sub := newSubscriber()
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()
	watch(ctx, sub, func() {
		_ = b.Unsubscribe(context.Background(), subject, sub.ch)
	})
	return sub.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. It is a no-op for a channel
// that is not subscribed, so racing context watchers and explicit calls
// are safe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[subject]
	for i, s := range subs {
		if s.ch == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[subject] = subs
			close(s.stop)
			close(s.ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, subject)
	}
	b.mu.Unlock()
	return nil
}

// BusMetrics returns the published and delivered counts.
func (b *InMemoryBus) BusMetrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
