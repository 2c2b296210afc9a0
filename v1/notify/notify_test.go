package notify

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"
)

// waitForGoroutines polls until the goroutine count drops back to the
// given ceiling, failing the test if it never does.
func waitForGoroutines(t *testing.T, ceiling int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= ceiling {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutine count stuck at %d, want <= %d", runtime.NumGoroutine(), ceiling)
}

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "dlm:unlock:db.coll")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "dlm:unlock:db.coll"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	m := bus.BusMetrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestInMemoryBusFanOut(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var chans []chan struct{}
	for i := 0; i < 3; i++ {
		ch, err := bus.Subscribe(ctx, "subject")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		chans = append(chans, ch)
	}
	if err := bus.Publish(ctx, "subject"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

func TestInMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "subject", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed on unsubscribe")
	}

	// Publishing to a subject with no subscribers is a no-op.
	if err := bus.Publish(ctx, "subject"); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestInMemoryBusPublishDuringUnsubscribeChurn(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	stop := make(chan struct{})

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = bus.Publish(ctx, "subject")
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ch, err := bus.Subscribe(ctx, "subject")
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				_ = bus.Unsubscribe(ctx, "subject", ch)
			}
		}()
	}

	churnDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(churnDone)
	}()
	select {
	case <-churnDone:
	case <-time.After(10 * time.Second):
		t.Fatal("churn workers did not finish")
	}
	close(stop)
	<-pubDone
}

func TestInMemoryBusSubscribeReleasesGoroutines(t *testing.T) {
	bus := NewInMemoryBus()
	before := runtime.NumGoroutine()

	// Non-cancellable contexts must not pin a watcher goroutine per
	// subscription.
	for i := 0; i < 200; i++ {
		ch, err := bus.Subscribe(context.Background(), "subject")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := bus.Unsubscribe(context.Background(), "subject", ch); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	}
	waitForGoroutines(t, before+5)

	// Cancellable contexts get a watcher, but Unsubscribe must release
	// it even though the context is never cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 200; i++ {
		ch, err := bus.Subscribe(ctx, "subject")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := bus.Unsubscribe(context.Background(), "subject", ch); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	}
	waitForGoroutines(t, before+5)
}

func TestInMemoryBusSubscriberContextCancellation(t *testing.T) {
	bus := NewInMemoryBus()
	subCtx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(subCtx, "subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after subscriber context cancellation")
		}
	}
}
