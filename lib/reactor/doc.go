// Package reactor implements the I/O readiness core of the transport layer:
// a Linux epoll multiplexer that turns socket readiness into continuation
// tasks, and a lock-free queue that delivers those tasks to any number of
// worker goroutines.
//
// The package focuses on:
//   - One-shot readiness notification per socket direction (read / write)
//   - Thread-agnostic continuation execution on a shared worker pool
//   - Bounded waiting (RunFor) and non-blocking polling (PollOne) primitives
//   - Clean shutdown that abandons pending continuations without hanging
//
// Key Components:
//
//   - Reactor: Owns the epoll instance and a single poller goroutine. File
//     descriptors are registered once (Add) and then armed per direction
//     with a continuation (ArmRead / ArmWrite); when the kernel reports
//     readiness, the poller disarms the direction and queues the
//     continuation. An eventfd interrupts epoll_wait for shutdown.
//
//   - TaskQueue: A lock-free multi-producer queue with a pump goroutine
//     handing tasks to workers over a channel. Continuations from the
//     poller and tasks submitted by upper layers share the same queue, so
//     any worker can complete any operation.
//
// Concurrency Model:
//
//   - The poller never executes continuations itself, it only schedules
//     them. Workers call RunFor with an idle timeout and execute whatever
//     the queue hands them, so completion runs on whichever worker happens
//     to receive the task.
//
//   - Arming is one-shot: after a continuation runs, the direction is
//     disarmed and the caller must re-arm to observe further readiness.
//     Error and hangup conditions wake armed continuations so the caller's
//     own syscall observes the failure.
package reactor
