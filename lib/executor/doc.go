// Package executor provides the adaptively sized worker pool that drives
// the reactor and runs application callbacks for the transport layer.
//
// The package focuses on:
//   - Keeping a configured reserve of workers alive at all times
//   - Spawning additional workers when executing tasks outnumber workers
//   - Retiring workers by age (with replacement) and by idleness
//   - Bounded, non-hanging shutdown via a drain condition variable
//
// Key Components:
//
//   - ServiceExecutor: The pool itself. Workers repeatedly call the
//     reactor's RunFor with the configured idle timeout; each pass returns
//     how many tasks the worker executed, which feeds the age and idleness
//     decisions. Shutdown stops the reactor and waits until the worker set
//     is empty.
//
//   - Config: ReserveThreads, ThreadIdleTimeout and ThreadAgeLimit with
//     package defaults of 4 workers, 5 seconds and 512 tasks.
package executor
