package dlm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
)

func (t *LockTable) entries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}

func TestTableAcquireReleaseReacquire(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()

	guard, err := tbl.Acquire(ctx, "db.coll", "create", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := tbl.Acquire(ctx, "db.coll", "drop", SingleAttemptTimeout); !errors.Is(err, dlmerrors.ErrLockBusy) {
		t.Fatalf("expected lock busy, got %v", err)
	}
	guard.Release()
	guard, err = tbl.Acquire(ctx, "db.coll", "drop", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	guard.Release()
	if n := tbl.entries(); n != 0 {
		t.Fatalf("expected empty table, %d entries left", n)
	}
}

func TestTableZeroTimeoutFastPath(t *testing.T) {
	tbl := NewLockTable(nil)
	start := time.Now()
	guard, err := tbl.Acquire(context.Background(), "unheld", "fast", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if waited := time.Since(start); waited > 50*time.Millisecond {
		t.Fatalf("fast path waited %s", waited)
	}
	guard.Release()
}

func TestTableBusyErrorNamesHolder(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()
	guard, err := tbl.Acquire(ctx, "db.coll", "create", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	_, err = tbl.Acquire(ctx, "db.coll", "drop", 20*time.Millisecond)
	if !errors.Is(err, dlmerrors.ErrLockBusy) {
		t.Fatalf("expected lock busy, got %v", err)
	}
	if !strings.Contains(err.Error(), `"db.coll"`) || !strings.Contains(err.Error(), `"create"`) {
		t.Fatalf("busy error missing resource or holder reason: %v", err)
	}
}

func TestTableWaiterWokenOnRelease(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()
	guard, err := tbl.Acquire(ctx, "res", "first", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *ScopedLock, 1)
	errCh := make(chan error, 1)
	go func() {
		g, err := tbl.Acquire(ctx, "res", "second", 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		acquired <- g
	}()

	time.Sleep(20 * time.Millisecond)
	guard.Release()

	select {
	case g := <-acquired:
		g.Release()
	case err := <-errCh:
		t.Fatalf("waiter failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	if n := tbl.entries(); n != 0 {
		t.Fatalf("expected empty table, %d entries left", n)
	}
}

func TestTableTimeoutMonotonicity(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()
	guard, err := tbl.Acquire(ctx, "res", "hold", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer guard.Release()

	short := make(chan time.Time, 1)
	long := make(chan time.Time, 1)
	go func() {
		_, _ = tbl.Acquire(ctx, "res", "short", 30*time.Millisecond)
		short <- time.Now()
	}()
	go func() {
		_, _ = tbl.Acquire(ctx, "res", "long", 300*time.Millisecond)
		long <- time.Now()
	}()

	shortDone := <-short
	longDone := <-long
	if longDone.Before(shortDone) {
		t.Fatalf("longer timeout failed before shorter one: short=%v long=%v", shortDone, longDone)
	}
}

func TestTableCancellationLeavesStateConsistent(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()
	guard, err := tbl.Acquire(ctx, "res", "hold", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	cancelled := make(chan error, 1)
	go func() {
		_, err := tbl.Acquire(cancelCtx, "res", "cancelled-waiter", 5*time.Second)
		cancelled <- err
	}()

	survivor := make(chan *ScopedLock, 1)
	go func() {
		g, err := tbl.Acquire(ctx, "res", "survivor", 5*time.Second)
		if err != nil {
			t.Errorf("surviving waiter failed: %v", err)
			close(survivor)
			return
		}
		survivor <- g
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	guard.Release()
	select {
	case g := <-survivor:
		if g == nil {
			t.Fatal("survivor did not acquire")
		}
		g.Release()
	case <-time.After(time.Second):
		t.Fatal("surviving waiter was not woken after cancellation of its peer")
	}
	if n := tbl.entries(); n != 0 {
		t.Fatalf("expected empty table, %d entries left", n)
	}
}

func TestTableMutualExclusionUnderLoad(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()

	var inCritical atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 25; j++ {
				guard, err := tbl.Acquire(ctx, "hot", "load", 5*time.Second)
				if err != nil {
					return err
				}
				if n := inCritical.Add(1); n != 1 {
					guard.Release()
					t.Errorf("%d concurrent holders", n)
					return nil
				}
				inCritical.Add(-1)
				guard.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if n := tbl.entries(); n != 0 {
		t.Fatalf("expected empty table, %d entries left", n)
	}
}

func TestTableIndependentResourcesDoNotBlock(t *testing.T) {
	tbl := NewLockTable(nil)
	ctx := context.Background()
	a, err := tbl.Acquire(ctx, "res-a", "hold", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	b, err := tbl.Acquire(ctx, "res-b", "hold", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire b while a held: %v", err)
	}
	a.Release()
	b.Release()
}

func TestScopedLockDoubleReleasePanics(t *testing.T) {
	tbl := NewLockTable(nil)
	guard, err := tbl.Acquire(context.Background(), "res", "once", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	guard.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	guard.Release()
}
