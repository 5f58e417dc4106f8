package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of deferred work: an I/O continuation posted by the
// poller, or an application callback scheduled by the executor.
type Task func()

// taskNode represents a single element in the task list
type taskNode struct {
	fn   Task
	next atomic.Pointer[taskNode]
}

// TaskQueue is a lock-free multi-producer task queue feeding the reactor
// workers. Implementation uses a linked list of nodes with atomic operations
// for concurrent push operations without locks; a single pump goroutine
// moves tasks onto the output channel, from which any number of workers
// may receive.
type TaskQueue struct {
	head   atomic.Pointer[taskNode]
	tail   atomic.Pointer[taskNode]
	out    chan Task
	pumper sync.WaitGroup
	closed atomic.Bool // atomic flag

	// Condition variable for efficient waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// NewTaskQueue creates a new lock-free multi-producer task queue and starts
// its pump goroutine.
func NewTaskQueue() *TaskQueue {
	// Create a sentinel node (dummy node at the beginning)
	sentinel := &taskNode{}

	q := &TaskQueue{
		out: make(chan Task),
	}

	// Initialize condition variable
	q.cond = sync.NewCond(&q.mu)

	// Set the initial head and tail to the sentinel node
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.pumper.Add(1)
	go q.pump()

	return q
}

// Push adds a task to the queue.
// Returns true if the task was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *TaskQueue) Push(fn Task) bool {

	if fn == nil {
		return false
	}

	if q.closed.Load() {
		return false
	}

	newNode := &taskNode{fn: fn}

	var tailNode *taskNode
	var backoff uint8 = 0

	for {
		tailNode = q.tail.Load()

		// try to atomically append our node to the current tail
		next := tailNode.next.Load()
		if next == nil {
			// the tail has no next node yet, try to append our node
			if tailNode.next.CompareAndSwap(nil, newNode) {
				/*
				 Successfully appended, now try to update tail
				 Note: CAS may fail if another producer helps update tail,
				 but that's okay - tail will still be updated eventually
				*/
				q.tail.CompareAndSwap(tailNode, newNode)

				// Signal the pump that new work is available
				q.cond.Signal()

				return true
			}
		} else {
			// help update the tail pointer if another producer has already appended a node but hasn't updated the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		/*
		 Exponential backoff to handle contention:
		  - At low contention (<10 retries): CPU spinning avoids thread scheduling overhead
		  - At higher contention: yield the processor so other goroutines make progress
		  - Backoff grows exponentially with each retry, spreading out retries after failure
		*/

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pump continuously moves tasks from the linked list to the output channel and frees memory
func (q *TaskQueue) pump() {
	defer q.pumper.Done()
	defer close(q.out)

	for {
		// Process all available tasks in the queue
		hasTasks := false

		// Try to hand off tasks
		for {
			head := q.head.Load()
			next := head.next.Load()

			if next == nil {
				break // No more tasks available
			}

			hasTasks = true

			// Capture the task before updating pointers
			fn := next.fn

			// move head pointer (free up memory)
			q.head.Store(next)

			// Hand the task to a worker
			q.out <- fn

			// help go gc - safe to clear after sending
			next.fn = nil
		}

		// Exit if closed and no more tasks
		if !hasTasks && q.closed.Load() {
			return
		}

		// If no tasks were handed off, wait for signal
		if !hasTasks {
			q.mu.Lock()
			// Double-check condition after acquiring lock
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				// Wait for signal (releases lock while waiting)
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns a receive-only channel for consuming tasks.
// This allows the queue to be used with the '<-' operator in select statements.
// The channel is closed once the queue is closed and fully drained.
func (q *TaskQueue) Recv() <-chan Task {
	return q.out
}

// Close closes the queue, preventing further pushes.
// Tasks already in the queue will still be delivered to consumers.
func (q *TaskQueue) Close() {
	q.closed.Store(true)

	// Wake up the pump if it's waiting
	q.cond.Signal()
}

// Drain receives and discards remaining tasks until the output channel is
// closed. Must only be called after Close, and only when no worker is left
// to consume the channel; otherwise queued continuations would be thrown
// away while the reactor still runs.
func (q *TaskQueue) Drain() {
	for range q.out {
	}
}

// IsClosed returns true if the queue is closed.
func (q *TaskQueue) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the number of queued tasks.
// This is O(n) and should only be used for debugging.
func (q *TaskQueue) Len() int {
	count := 0
	current := q.head.Load()

	for {
		next := current.next.Load()
		if next == nil {
			break
		}
		count++
		current = next
	}

	return count
}
