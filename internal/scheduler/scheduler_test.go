package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/thruflux/thruflux/internal/transfer"
)

func TestServeRunsOnePipelinePerConnection(t *testing.T) {
	a, b := transfer.NewMockPair()

	var mu sync.Mutex
	var seen []transfer.Conn

	done := make(chan struct{})
	s := New(0, func(o Outcome) {
		mu.Lock()
		seen = append(seen, o.Conn)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx, b, func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error) {
		return transfer.NewConnectionContext(conn), nil
	})

	conn, err := a.Dial(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("onDone called %d times, want 1", len(seen))
	}
}

func TestMaxConcurrentLimitsInFlightPipelines(t *testing.T) {
	a, b := transfer.NewMockPair()

	release := make(chan struct{})
	var mu sync.Mutex
	maxObserved := 0
	current := 0

	s := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx, b, func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error) {
		mu.Lock()
		current++
		if current > maxObserved {
			maxObserved = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		return transfer.NewConnectionContext(conn), nil
	})

	for i := 0; i < 3; i++ {
		conn, err := a.Dial(context.Background(), "peer")
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
	}

	// Give the accept loop a moment to spawn as many pipelines as its
	// cap allows, then release them all at once.
	time.Sleep(50 * time.Millisecond)
	close(release)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 1 {
		t.Errorf("observed %d concurrent pipelines, want at most 1", maxObserved)
	}
}

func TestSnapshotReflectsActiveConnections(t *testing.T) {
	a, b := transfer.NewMockPair()

	release := make(chan struct{})
	s := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx, b, func(ctx context.Context, conn transfer.Conn) (*transfer.ConnectionContext, error) {
		<-release
		return transfer.NewConnectionContext(conn), nil
	})

	conn, err := a.Dial(context.Background(), "peer")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for s.ActiveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", s.ActiveCount())
	}

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d entries, want 1", len(snap))
	}

	close(release)
	s.Wait()

	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount() after completion = %d, want 0", s.ActiveCount())
	}
}
