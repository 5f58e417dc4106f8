package executor

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dWire/lib/reactor"
)

// newTestExecutor builds an executor with fast timeouts on a fresh reactor
func newTestExecutor(t *testing.T, cfg Config) *ServiceExecutor {
	t.Helper()

	r, err := reactor.NewReactor()
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}

	e := NewServiceExecutor(r, cfg)
	t.Cleanup(e.Shutdown)
	return e
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestExecutorStartsReserve verifies the reserve is spawned and kept
func TestExecutorStartsReserve(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    2,
		ThreadIdleTimeout: 20 * time.Millisecond,
	})
	e.Start()

	waitFor(t, 2*time.Second, "reserve workers", func() bool {
		return e.Stats().ThreadsRunning == 2
	})

	// Let several idle timeouts pass; the reserve must survive them
	time.Sleep(100 * time.Millisecond)
	if n := e.Stats().ThreadsRunning; n != 2 {
		t.Errorf("Expected reserve of 2 workers to survive idleness, have %d", n)
	}
}

// TestExecutorRunsTasks verifies scheduled tasks execute
func TestExecutorRunsTasks(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    2,
		ThreadIdleTimeout: 20 * time.Millisecond,
	})
	e.Start()

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		if err := e.Schedule(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	waitFor(t, 2*time.Second, "tasks to run", func() bool {
		return ran.Load() == 20
	})
}

// TestExecutorScalesUpUnderLoad verifies blocked tasks cause extra workers
// to spawn and that the pool shrinks back to the reserve afterwards
func TestExecutorScalesUpUnderLoad(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    1,
		ThreadIdleTimeout: 20 * time.Millisecond,
	})
	e.Start()

	waitFor(t, 2*time.Second, "reserve worker", func() bool {
		return e.Stats().ThreadsRunning == 1
	})

	// Occupy workers with tasks that block until released
	release := make(chan struct{})
	const blockers = 4
	for i := 0; i < blockers; i++ {
		if err := e.Schedule(func() { <-release }); err != nil {
			t.Fatalf("Schedule blocker: %v", err)
		}
		// Give the pool a moment so each decision sees the backlog
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, "scale-up", func() bool {
		return e.Stats().ThreadsRunning > 1
	})

	close(release)

	// Once drained and idle, the pool shrinks back to the reserve
	waitFor(t, 5*time.Second, "shrink to reserve", func() bool {
		return e.Stats().ThreadsRunning == 1
	})

	// Never below the reserve
	time.Sleep(100 * time.Millisecond)
	if n := e.Stats().ThreadsRunning; n < 1 {
		t.Errorf("Pool shrank below reserve: %d", n)
	}
}

// TestExecutorAgeRetirement verifies workers retire after the age limit
// and are replaced rather than lost
func TestExecutorAgeRetirement(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    1,
		ThreadIdleTimeout: 20 * time.Millisecond,
		ThreadAgeLimit:    5,
	})
	e.Start()

	waitFor(t, 2*time.Second, "reserve worker", func() bool {
		return e.Stats().ThreadsRunning == 1
	})

	var ran atomic.Int64
	for i := 0; i < 25; i++ {
		if err := e.Schedule(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	waitFor(t, 2*time.Second, "tasks to run", func() bool {
		return ran.Load() == 25
	})

	// 25 tasks over an age limit of 5 forces at least one retirement,
	// each of which spawns a replacement
	waitFor(t, 2*time.Second, "retirement", func() bool {
		return e.Stats().ThreadsStarted >= 2
	})
	waitFor(t, 5*time.Second, "pool back at reserve", func() bool {
		return e.Stats().ThreadsRunning == 1
	})
}

// TestExecutorRejectsAfterShutdown verifies the shutdown error surface
func TestExecutorRejectsAfterShutdown(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    1,
		ThreadIdleTimeout: 20 * time.Millisecond,
	})
	e.Start()
	e.Shutdown()

	if err := e.Schedule(func() {}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
}

// TestExecutorShutdownDrains verifies shutdown returns only after every
// worker exited, within bounded time
func TestExecutorShutdownDrains(t *testing.T) {
	e := newTestExecutor(t, Config{
		ReserveThreads:    3,
		ThreadIdleTimeout: 20 * time.Millisecond,
	})
	e.Start()

	waitFor(t, 2*time.Second, "reserve workers", func() bool {
		return e.Stats().ThreadsRunning == 3
	})

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in bounded time")
	}

	if n := e.Stats().ThreadsRunning; n != 0 {
		t.Errorf("Expected 0 workers after shutdown, have %d", n)
	}
	if e.IsRunning() {
		t.Error("Executor should report not running")
	}

	// Shutdown twice is fine
	e.Shutdown()
}
