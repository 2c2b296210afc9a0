package dlm

import (
	"context"
	"errors"
	"testing"
	"time"

	dlmerrors "github.com/mirkobrombin/go-dlm/v1/errors"
	"github.com/mirkobrombin/go-dlm/v1/remote"
)

// Two managers with separate tables sharing one backend model two
// processes contending through the remote layer only.
func TestCrossProcessContentionThroughBackend(t *testing.T) {
	backend := remote.NewInMemory()
	nodeA := newManager(t, backend)
	nodeB := newManager(t, backend)
	ctx := context.Background()

	guardA, err := nodeA.Lock(ctx, "db.coll", "create", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("node A: %v", err)
	}

	// Node B has no local contention; the backend must reject it.
	_, err = nodeB.Lock(ctx, "db.coll", "drop", SingleAttemptTimeout)
	if !errors.Is(err, dlmerrors.ErrLockBusy) {
		t.Fatalf("node B expected lock busy from backend, got %v", err)
	}

	guardA.Release()
	guardB, err := nodeB.Lock(ctx, "db.coll", "drop", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("node B after release: %v", err)
	}
	guardB.Release()
}

func TestCrossProcessBlockedLockWokenByRelease(t *testing.T) {
	backend := remote.NewInMemory()
	nodeA := newManager(t, backend)
	nodeB := newManager(t, backend)
	ctx := context.Background()

	guardA, err := nodeA.Lock(ctx, "db.coll", "create", SingleAttemptTimeout)
	if err != nil {
		t.Fatalf("node A: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		g, err := nodeB.Lock(ctx, "db.coll", "drop", 5*time.Second)
		if err == nil {
			g.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	guardA.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("node B: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("node B was not woken by node A's release")
	}
}
