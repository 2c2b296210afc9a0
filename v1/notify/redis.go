package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	subs   []*subscriber
}

// RedisBus implements Bus using Redis pub/sub. One Redis subscription is
// held per subject and fanned out to local subscriber channels.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, subject string) error {
	b.mu.Lock()
	if _, ok := b.pending[subject]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[subject] = struct{}{}
	b.mu.Unlock()

	err := b.client.Publish(ctx, subject, "1").Err()
	if err == nil {
		atomic.AddUint64(&b.published, 1)
	}

	b.mu.Lock()
	delete(b.pending, subject)
	b.mu.Unlock()
	return wrapClosed(err)
}

// wrapClosed maps a closed-client error onto ErrConnectionClosed so
// callers can detect the condition with errors.Is.
func wrapClosed(err error) error {
	if err != nil && errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", dlmerrors.ErrConnectionClosed, err)
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, subject string) (chan struct{}, error) {
	sub := newSubscriber()
	b.mu.Lock()
	rs := b.subs[subject]
	if rs == nil {
		pubsub := b.client.Subscribe(context.Background(), subject)
		if _, err := pubsub.Receive(context.Background()); err != nil {
			b.mu.Unlock()
			_ = pubsub.Close()
			return nil, wrapClosed(err)
		}
		rs = &redisSubscription{pubsub: pubsub}
		b.subs[subject] = rs
		go b.dispatch(rs, subject)
	}
	rs.subs = append(rs.subs, sub)
	b.mu.Unlock()

	watch(ctx, sub, func() {
		_ = b.Unsubscribe(context.Background(), subject, sub.ch)
	})
	return sub.ch, nil
}

func (b *RedisBus) dispatch(rs *redisSubscription, subject string) {
	for range rs.pubsub.Channel() {
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
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error {
	b.mu.Lock()
	rs := b.subs[subject]
	if rs == nil {
		b.mu.Unlock()
		return nil
	}
	for i, s := range rs.subs {
		if s.ch == ch {
			rs.subs[i] = rs.subs[len(rs.subs)-1]
			rs.subs = rs.subs[:len(rs.subs)-1]
			close(s.stop)
			close(s.ch)
			break
		}
	}
	if len(rs.subs) == 0 {
		delete(b.subs, subject)
		b.mu.Unlock()
		return rs.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// BusMetrics returns the published and delivered counts.
func (b *RedisBus) BusMetrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
