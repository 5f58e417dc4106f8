package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dWire/lib/reactor"
)

var (
	// Logger is the logger for this package
	Logger = logger.GetLogger("executor")

	// ErrShutdown is returned when scheduling on a stopped executor
	ErrShutdown = errors.New("executor not accepting new tasks due to shutdown")
)

var (
	tasksScheduledTotal = metrics.NewCounter("executor_tasks_scheduled_total")
	tasksRejectedTotal  = metrics.NewCounter("executor_tasks_rejected_total")
	threadsStartedTotal = metrics.NewCounter("executor_threads_started_total")
)

// defaults for Config fields left at their zero value
const (
	DefaultReserveThreads    = 4
	DefaultThreadIdleTimeout = 5000 * time.Millisecond
	DefaultThreadAgeLimit    = 512
)

// Config tunes the adaptive pool.
type Config struct {
	// ReserveThreads is the minimum number of worker threads kept alive
	// while the executor runs. Idle shrink never goes below this count.
	ReserveThreads int

	// ThreadIdleTimeout bounds one reactor pass; a worker observing a full
	// pass with no work done is considered idle.
	ThreadIdleTimeout time.Duration

	// ThreadAgeLimit is the number of tasks a single worker executes
	// before retiring in favor of a freshly spawned replacement.
	ThreadAgeLimit int
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.ReserveThreads <= 0 {
		c.ReserveThreads = DefaultReserveThreads
	}
	if c.ThreadIdleTimeout <= 0 {
		c.ThreadIdleTimeout = DefaultThreadIdleTimeout
	}
	if c.ThreadAgeLimit <= 0 {
		c.ThreadAgeLimit = DefaultThreadAgeLimit
	}
	return c
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	ThreadsRunning int64
	ThreadsStarted int64
	TasksExecuting int64
}

// ServiceExecutor runs the reactor on an adaptively sized pool of worker
// goroutines and executes tasks submitted by upper layers.
//
// Scaling rules:
//   - Start spawns the configured reserve.
//   - Schedule spawns additional workers whenever the number of executing
//     tasks exceeds what the running workers can cover, capped per call so
//     one burst cannot fork an unbounded number of goroutines.
//   - A worker that has executed ThreadAgeLimit tasks retires and spawns
//     its own replacement, bounding per-worker lifetime.
//   - A worker observing an idle pass exits if more than the reserve is
//     running. The reserve itself is only ever torn down by Shutdown.
type ServiceExecutor struct {
	reactor *reactor.Reactor
	cfg     Config

	running        atomic.Bool
	threadsRunning atomic.Int64
	threadsStarted atomic.Int64
	tasksExecuting atomic.Int64

	mu      sync.Mutex
	cond    *sync.Cond
	workers map[uint64]struct{}
	nextID  uint64
}

// NewServiceExecutor creates an executor driving the given reactor. Zero
// config fields fall back to the package defaults.
func NewServiceExecutor(r *reactor.Reactor, cfg Config) *ServiceExecutor {
	e := &ServiceExecutor{
		reactor: r,
		cfg:     cfg.withDefaults(),
		workers: make(map[uint64]struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start spins up the reserve workers. Starting a running executor is an
// invariant violation.
func (e *ServiceExecutor) Start() {
	if !e.running.CompareAndSwap(false, true) {
		Logger.Panicf("executor started twice")
	}

	for i := 0; i < e.cfg.ReserveThreads; i++ {
		e.addWorker()
	}
}

// Schedule submits a task for execution on the pool. The task runs on
// whichever worker receives it from the reactor queue. Rejected once the
// executor is shut down.
func (e *ServiceExecutor) Schedule(task reactor.Task) error {
	if !e.running.Load() {
		tasksRejectedTotal.Inc()
		return ErrShutdown
	}

	tasksExecuting := e.tasksExecuting.Add(1)
	threadsRunning := e.threadsRunning.Load()

	// Spawn enough workers to cover the backlog on top of the reserve,
	// capped per scheduling decision
	needed := int64(max(e.cfg.ReserveThreads, 1)) + tasksExecuting - threadsRunning
	if limit := int64(max(e.cfg.ReserveThreads, 1)); needed > limit {
		needed = limit
	}
	for i := int64(0); i < needed; i++ {
		e.addWorker()
	}

	wrapped := func() {
		defer e.tasksExecuting.Add(-1)
		task()
	}

	if !e.reactor.Submit(wrapped) {
		e.tasksExecuting.Add(-1)
		tasksRejectedTotal.Inc()
		return ErrShutdown
	}

	tasksScheduledTotal.Inc()
	return nil
}

// Shutdown stops the reactor and blocks until every worker has exited.
// Safe to call on a stopped executor.
func (e *ServiceExecutor) Shutdown() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.reactor.Stop()

	e.mu.Lock()
	for len(e.workers) > 0 {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// IsRunning returns true while the executor accepts tasks.
func (e *ServiceExecutor) IsRunning() bool {
	return e.running.Load()
}

// Stats returns a snapshot of the pool state.
func (e *ServiceExecutor) Stats() Stats {
	return Stats{
		ThreadsRunning: e.threadsRunning.Load(),
		ThreadsStarted: e.threadsStarted.Load(),
		TasksExecuting: e.tasksExecuting.Load(),
	}
}

// addWorker registers a new worker and starts its goroutine. No-op once
// the executor stops, so a retiring worker cannot respawn into a shutdown.
func (e *ServiceExecutor) addWorker() {
	if !e.running.Load() {
		return
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.workers[id] = struct{}{}
	threadNum := len(e.workers)
	e.mu.Unlock()

	go e.workerRoutine(id, threadNum)
}

// workerRoutine is the worker loop: drive the reactor for one idle timeout
// at a time and decide afterwards whether to keep going, retire or exit.
func (e *ServiceExecutor) workerRoutine(id uint64, threadNum int) {
	e.threadsRunning.Add(1)
	e.threadsStarted.Add(1)
	threadsStartedTotal.Inc()

	Logger.Infof("Starting worker thread, now have %d threads running", threadNum)

	tasksExecuted := 0
	for {
		ran, stopped := e.reactor.RunFor(e.cfg.ThreadIdleTimeout)
		tasksExecuted += ran

		if stopped || !e.running.Load() {
			Logger.Infof("Thread %d will terminate, due to shutdown", threadNum)
			e.threadsRunning.Add(-1)
			break
		}

		if ran > 0 {
			if tasksExecuted >= e.cfg.ThreadAgeLimit {
				Logger.Infof("Thread %d will retire in favor of a new thread, due to exhaustion", threadNum)
				e.threadsRunning.Add(-1)
				e.addWorker()
				break
			}
		} else if e.tryRetireIdle() {
			Logger.Infof("Thread %d will terminate, due to idleness", threadNum)
			break
		}
	}

	e.mu.Lock()
	delete(e.workers, id)
	remaining := len(e.workers)
	e.cond.Signal()
	e.mu.Unlock()

	Logger.Infof("Exiting worker thread, now have %d threads running", remaining)
}

// tryRetireIdle atomically claims the right to exit for idleness. Claiming
// via compare-and-swap keeps simultaneous idle passes from tearing the pool
// below the reserve.
func (e *ServiceExecutor) tryRetireIdle() bool {
	floor := int64(max(e.cfg.ReserveThreads, 1))
	for {
		n := e.threadsRunning.Load()
		if n <= floor {
			return false
		}
		if e.threadsRunning.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
