package remote

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
	"github.com/mirkobrombin/go-dlm/v1/notify"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

const (
	defaultLease     = 30 * time.Second
	defaultRetryMin  = 15 * time.Millisecond
	defaultRetryMax  = 500 * time.Millisecond
	defaultKeyPrefix = "dlm:lock:"
)

// UnlockSubject returns the bus subject on which a release of resource is
// announced.
func UnlockSubject(resource string) string {
	return "dlm:unlock:" + resource
}

type redisHandle struct {
	resource string
	key      string
	token    string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (h *redisHandle) Resource() string { return h.resource }

// Redis implements Client on a Redis backend. A lock is a key holding a
// per-acquisition token with a lease TTL; a renewal goroutine extends the
// lease while the handle is live, so a crashed holder is recovered by
// expiry. Release deletes the key only when the token still matches,
// which keeps a stale handle from freeing a lock it no longer owns.
type Redis struct {
	client   *redis.Client
	bus      notify.Bus
	lease    time.Duration
	retryMin time.Duration
	retryMax time.Duration
	prefix   string
	owner    string
}

// RedisOption configures a Redis client.
type RedisOption func(*Redis)

// WithLease sets the lock key TTL. The renewal interval is a third of the
// lease.
func WithLease(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.lease = d
	}
}

// WithRetryInterval bounds the backoff between acquisition attempts while
// the lock is held elsewhere.
func WithRetryInterval(min, max time.Duration) RedisOption {
	return func(r *Redis) {
		r.retryMin = min
		r.retryMax = max
	}
}

// WithKeyPrefix overrides the prefix prepended to resource names.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithOwner tags every token with the given identifier, typically the
// coordinator session ID, so stored lock values are attributable to a
// process.
func WithOwner(id string) RedisOption {
	return func(r *Redis) {
		r.owner = id
	}
}

// WithBus wires a notify.Bus used to announce releases and to wake
// blocked acquirers. Without a bus, waiters rely on backoff polling
// alone.
func WithBus(bus notify.Bus) RedisOption {
	return func(r *Redis) {
		r.bus = bus
	}
}

// NewRedis returns a Redis-backed Client using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		lease:    defaultLease,
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
		prefix:   defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Client.Acquire.
func (r *Redis) Acquire(ctx context.Context, resource, reason string, waitFor time.Duration) (Handle, error) {
	token := uuid.NewString()
	if r.owner != "" {
		token = r.owner + ":" + token
	}
	key := r.prefix + resource
	start := time.Now()

	var deadline <-chan time.Time
	if waitFor > 0 {
		t := time.NewTimer(waitFor)
		defer t.Stop()
		deadline = t.C
	}

	var unlockCh chan struct{}
	if r.bus != nil {
		ch, err := r.bus.Subscribe(ctx, UnlockSubject(resource))
		if err == nil {
			unlockCh = ch
			defer func() {
				_ = r.bus.Unsubscribe(context.Background(), UnlockSubject(resource), unlockCh)
			}()
		}
	}

	attempt := 0
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			h := &redisHandle{
				resource: resource,
				key:      key,
				token:    token,
				stop:     make(chan struct{}),
				done:     make(chan struct{}),
			}
			go r.keepAlive(h)
			return h, nil
		}
		if waitFor == 0 {
			return nil, fmt.Errorf("%w: resource %q is locked remotely",
				dlmerrors.ErrLockBusy, resource)
		}

		attempt++
		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-unlockCh:
			timer.Stop()
		case <-timer.C:
		case <-deadline:
			timer.Stop()
			return nil, fmt.Errorf("%w: failed to acquire remote lock on %q after %s",
				dlmerrors.ErrLockBusy, resource, time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// backoff returns the jittered exponential delay before the next attempt.
func (r *Redis) backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Millisecond
	if d < r.retryMin {
		d = r.retryMin
	}
	if d > r.retryMax {
		d = r.retryMax
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (r *Redis) keepAlive(h *redisHandle) {
	defer close(h.done)
	interval := r.lease / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			res, err := renewScript.Run(context.Background(), r.client,
				[]string{h.key}, h.token, r.lease.Milliseconds()).Int()
			if err == nil && res == 0 {
				// Lost ownership; the lease expired or the key was
				// taken over. Nothing left to renew.
				return
			}
		}
	}
}

// Release implements Client.Release.
func (r *Redis) Release(ctx context.Context, h Handle) error {
	rh, ok := h.(*redisHandle)
	if !ok {
		return fmt.Errorf("remote: foreign handle type %T", h)
	}
	rh.stopOnce.Do(func() {
		close(rh.stop)
	})
	<-rh.done

	_, err := releaseScript.Run(ctx, r.client, []string{rh.key}, rh.token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return err
	}
	if r.bus != nil {
		_ = r.bus.Publish(ctx, UnlockSubject(rh.resource))
	}
	return nil
}
