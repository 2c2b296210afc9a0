package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
)

type natsSubscription struct {
	sub  *nats.Subscription
	subs []*subscriber
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, subject string) error {
	b.mu.Lock()
	if _, ok := b.pending[subject]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[subject] = struct{}{}
	b.mu.Unlock()

	err := b.conn.Publish(subject, []byte("1"))
	if err == nil {
		atomic.AddUint64(&b.published, 1)
	}

	b.mu.Lock()
	delete(b.pending, subject)
	b.mu.Unlock()
	if err != nil && errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%w: %v", dlmerrors.ErrConnectionClosed, err)
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, subject string) (chan struct{}, error) {
	sub := newSubscriber()
	b.mu.Lock()
	ns := b.subs[subject]
	if ns == nil {
		raw, err := b.conn.Subscribe(subject, func(_ *nats.Msg) {
			b.mu.Lock()
			cur := b.subs[subject]
			if cur == nil {
				b.mu.Unlock()
				return
			}
			for _, s := range cur.subs {
				select {
				case s.ch <- struct{}{}:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		ns = &natsSubscription{sub: raw}
		b.subs[subject] = ns
	}
	ns.subs = append(ns.subs, sub)
	b.mu.Unlock()

	watch(ctx, sub, func() {
		_ = b.Unsubscribe(context.Background(), subject, sub.ch)
	})
	return sub.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error {
	b.mu.Lock()
	ns := b.subs[subject]
	if ns == nil {
		b.mu.Unlock()
		return nil
	}
	for i, s := range ns.subs {
		if s.ch == ch {
			ns.subs[i] = ns.subs[len(ns.subs)-1]
			ns.subs = ns.subs[:len(ns.subs)-1]
			close(s.stop)
			close(s.ch)
			break
		}
	}
	if len(ns.subs) == 0 {
		delete(b.subs, subject)
		b.mu.Unlock()
		return ns.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// BusMetrics returns the published and delivered counts.
func (b *NATSBus) BusMetrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
