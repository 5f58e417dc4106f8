package reactor

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestQueueBasicOperations tests basic push and receive functionality
func TestQueueBasicOperations(t *testing.T) {
	q := NewTaskQueue()
	defer q.Close()

	// Push 10 tasks, each recording its index when run
	var got []int
	for i := 0; i < 10; i++ {
		idx := i
		if !q.Push(func() { got = append(got, idx) }) {
			t.Fatalf("Failed to push task %d", i)
		}
	}

	// Receive and run 10 tasks
	for i := 0; i < 10; i++ {
		select {
		case fn := <-q.Recv():
			fn()
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for task %d", i)
		}
	}

	// With a single producer, tasks run in push order
	for i, v := range got {
		if v != i {
			t.Errorf("Expected task %d at position %d, got %d", i, i, v)
		}
	}

	// Make sure queue is empty
	select {
	case <-q.Recv():
		t.Error("Queue should be empty, but received a task")
	case <-time.After(10 * time.Millisecond):
		// Expected timeout, queue is empty
	}
}

// TestQueueRejectsNilTask verifies that a nil task is refused
func TestQueueRejectsNilTask(t *testing.T) {
	q := NewTaskQueue()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}

// TestQueueConcurrentProducers verifies the queue works correctly with multiple producers
func TestQueueConcurrentProducers(t *testing.T) {
	q := NewTaskQueue()
	defer q.Close()

	const numProducers = 10
	const tasksPerProducer = 1000
	totalTasks := numProducers * tasksPerProducer

	// Use a map to track which task IDs actually ran
	var mu sync.Mutex
	ran := make(map[int]bool)

	// Start a consumer goroutine invoking every received task
	done := make(chan struct{})
	ranCount := 0

	go func() {
		defer close(done)

		for ranCount < totalTasks {
			select {
			case fn := <-q.Recv():

				if fn == nil {
					t.Errorf("Received nil task")
					return
				}
				fn()

				mu.Lock()
				ranCount++
				mu.Unlock()
			case <-time.After(2 * time.Second):
				t.Errorf("Timeout waiting for tasks, ran %d of %d", ranCount, totalTasks)
				return
			}
		}
	}()

	// Start producers
	var wg sync.WaitGroup
	wg.Add(numProducers)

	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()

			base := producerID * tasksPerProducer
			for i := 0; i < tasksPerProducer; i++ {
				id := base + i
				ok := q.Push(func() {
					mu.Lock()
					if ran[id] {
						t.Errorf("Task %d ran twice", id)
					}
					ran[id] = true
					mu.Unlock()
				})
				if !ok {
					t.Errorf("Producer %d failed to push task %d", producerID, i)
				}

				// Add some randomness to producer timing
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	// Wait for all producers to finish
	wg.Wait()

	// Wait for consumer to run everything
	select {
	case <-done:
		// Consumer finished
	case <-time.After(5 * time.Second):
		t.Fatalf("Timeout waiting for consumer to finish")
	}

	// Verify every task ran exactly once
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != totalTasks {
		t.Errorf("Expected %d distinct tasks to run, got %d", totalTasks, len(ran))
	}
}

// TestQueueClose verifies closing behavior
func TestQueueClose(t *testing.T) {
	q := NewTaskQueue()

	// Push some tasks
	count := 0
	for i := 0; i < 5; i++ {
		q.Push(func() { count++ })
	}

	// Close the queue
	q.Close()

	// Verify we can't push after closing
	if q.Push(func() {}) {
		t.Error("Should not be able to push after queue is closed")
	}

	// Verify queued tasks are still delivered
	for i := 0; i < 5; i++ {
		select {
		case fn := <-q.Recv():
			fn()
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for task %d after close", i)
		}
	}
	if count != 5 {
		t.Errorf("Expected 5 tasks to run, got %d", count)
	}

	// Verify the channel is closed after draining all tasks
	if _, ok := <-q.Recv(); ok {
		t.Error("Channel should be closed but is still open")
	}
}

// TestQueueDrain verifies Drain unblocks the pump when no consumer is left
func TestQueueDrain(t *testing.T) {
	q := NewTaskQueue()

	// Queue up work nobody will receive
	for i := 0; i < 100; i++ {
		q.Push(func() {})
	}

	q.Close()

	done := make(chan struct{})
	go func() {
		q.Drain()
		close(done)
	}()

	select {
	case <-done:
		// Drain swallowed the backlog and the channel closed
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for Drain to finish")
	}

	if !q.IsClosed() {
		t.Error("Queue should report closed")
	}
}

// BenchmarkQueueSingleProducer benchmarks the queue with a single producer
func BenchmarkQueueSingleProducer(b *testing.B) {
	q := NewTaskQueue()
	defer q.Close()

	// Start consumer
	go func() {
		for range q.Recv() {
			// Just consume
		}
	}()

	task := func() {}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Push(task)
	}
}

// BenchmarkQueueMultiProducer benchmarks the queue with multiple producers
func BenchmarkQueueMultiProducer(b *testing.B) {
	q := NewTaskQueue()
	defer q.Close()

	// Start consumer
	go func() {
		for range q.Recv() {
			// Just consume
		}
	}()

	task := func() {}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q.Push(task)
		}
	})
}
