package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var (
	// Logger is the logger for this package
	Logger = logger.GetLogger("reactor")

	// ErrStopped is returned when an operation is attempted on a stopped reactor
	ErrStopped = errors.New("reactor is stopped")

	// ErrUnknownFd is returned when arming a file descriptor that was never added
	ErrUnknownFd = errors.New("file descriptor not registered with reactor")

	// ErrAlreadyArmed is returned when a direction already has a pending continuation
	ErrAlreadyArmed = errors.New("file descriptor already armed for this direction")
)

// wakeBuf is the 8-byte value written to the eventfd to interrupt epoll_wait
var wakeBuf = []byte{1, 0, 0, 0, 0, 0, 0, 0}

// fdHandler tracks the armed continuations and the current epoll interest
// mask for one registered file descriptor.
type fdHandler struct {
	fd    int
	read  Task   // pending read continuation, nil if not armed
	write Task   // pending write continuation, nil if not armed
	mask  uint32 // epoll events currently requested for this fd
	hup   bool   // peer hung up or fd errored, fd removed from epoll set
}

// Reactor multiplexes readiness of registered file descriptors onto a task
// queue consumed by worker goroutines.
//
// A single poller goroutine owns epoll_wait. When a registered fd becomes
// ready in an armed direction, the poller takes the continuation, disarms
// that direction and pushes the continuation onto the task queue. Workers
// drive the queue via RunFor or PollOne and execute continuations on
// whichever worker happens to receive them, so continuations must be
// thread-agnostic.
//
// Continuations are one-shot: each Arm delivers at most one callback, and
// re-arming is the caller's job after the continuation has run.
type Reactor struct {
	epfd   int
	wakefd int

	tasks *TaskQueue

	mu       sync.Mutex
	handlers map[int]*fdHandler

	stopped    atomic.Bool
	pollerDone chan struct{}
}

// NewReactor creates the epoll instance, the wakeup eventfd and the task
// queue, and starts the poller goroutine.
//
// Linux only: the reactor is built directly on epoll.
func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd create: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}

	r := &Reactor{
		epfd:       epfd,
		wakefd:     wakefd,
		tasks:      NewTaskQueue(),
		handlers:   make(map[int]*fdHandler),
		pollerDone: make(chan struct{}),
	}

	go r.poll()

	return r, nil
}

// ----------------------------------------------------------------------------
// registration
// ----------------------------------------------------------------------------

// Add registers a file descriptor with the reactor. No events are watched
// until a direction is armed.
func (r *Reactor) Add(fd int) error {
	if r.stopped.Load() {
		return ErrStopped
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}

	ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}

	r.handlers[fd] = &fdHandler{fd: fd}
	return nil
}

// Remove deregisters a file descriptor. Armed continuations are discarded,
// never invoked; callers tearing down a connection complete their own
// operations before removing the fd.
func (r *Reactor) Remove(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[fd]
	if !ok {
		return
	}
	delete(r.handlers, fd)

	if !h.hup {
		// Ignore errors here: the fd may already be closed
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// ArmRead registers a one-shot continuation to run once fd becomes readable.
// If the fd has already signaled an error or hangup, the continuation is
// scheduled immediately so its own syscall observes the condition.
func (r *Reactor) ArmRead(fd int, cont Task) error {
	return r.arm(fd, cont, false)
}

// ArmWrite registers a one-shot continuation to run once fd becomes writable.
func (r *Reactor) ArmWrite(fd int, cont Task) error {
	return r.arm(fd, cont, true)
}

func (r *Reactor) arm(fd int, cont Task, write bool) error {
	if r.stopped.Load() {
		return ErrStopped
	}

	r.mu.Lock()

	h, ok := r.handlers[fd]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownFd
	}

	if h.hup {
		// fd already errored, run the continuation right away so the
		// caller's syscall surfaces the error
		r.mu.Unlock()
		if !r.tasks.Push(cont) {
			return ErrStopped
		}
		return nil
	}

	if write {
		if h.write != nil {
			r.mu.Unlock()
			return ErrAlreadyArmed
		}
		h.write = cont
		h.mask |= unix.EPOLLOUT
	} else {
		if h.read != nil {
			r.mu.Unlock()
			return ErrAlreadyArmed
		}
		h.read = cont
		h.mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}

	ev := unix.EpollEvent{Events: h.mask, Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err != nil {
		if write {
			h.write = nil
		} else {
			h.read = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}

	r.mu.Unlock()
	return nil
}

// Cancel takes any armed continuations for fd and schedules them to run
// immediately. The caller is responsible for making the continuations
// observe the cancellation (e.g. by marking the stream closed first).
func (r *Reactor) Cancel(fd int) {
	r.mu.Lock()

	h, ok := r.handlers[fd]
	if !ok {
		r.mu.Unlock()
		return
	}

	read, write := h.read, h.write
	h.read, h.write = nil, nil

	if !h.hup && h.mask != 0 {
		h.mask = 0
		ev := unix.EpollEvent{Events: 0, Fd: int32(fd)}
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	r.mu.Unlock()

	if read != nil {
		r.tasks.Push(read)
	}
	if write != nil {
		r.tasks.Push(write)
	}
}

// ----------------------------------------------------------------------------
// poller
// ----------------------------------------------------------------------------

// poll is the poller goroutine: it blocks in epoll_wait and converts
// readiness into queued continuations.
func (r *Reactor) poll() {
	defer close(r.pollerDone)

	events := make([]unix.EpollEvent, 128)

	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if r.stopped.Load() {
				return
			}
			// The epoll fd itself failed, nothing sane can continue
			Logger.Panicf("epoll wait: %v", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == r.wakefd {
				r.drainWake()
				continue
			}

			r.dispatch(fd, ev.Events)
		}

		if r.stopped.Load() {
			return
		}
	}
}

// dispatch takes the armed continuations matching the reported events and
// pushes them onto the task queue.
func (r *Reactor) dispatch(fd int, events uint32) {
	failed := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	readable := failed || events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0
	writable := failed || events&unix.EPOLLOUT != 0

	r.mu.Lock()

	h, ok := r.handlers[fd]
	if !ok {
		// Removed concurrently, stale event
		r.mu.Unlock()
		return
	}

	var read, write Task
	if readable && h.read != nil {
		read = h.read
		h.read = nil
		h.mask &^= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if writable && h.write != nil {
		write = h.write
		h.write = nil
		h.mask &^= unix.EPOLLOUT
	}

	if failed {
		// ERR/HUP are reported regardless of the interest mask. Drop the
		// fd from the epoll set so an unarmed dead connection cannot spin
		// the poller; later arms complete immediately via h.hup.
		h.hup = true
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	} else if read != nil || write != nil {
		ev := unix.EpollEvent{Events: h.mask, Fd: int32(fd)}
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}

	r.mu.Unlock()

	if read != nil {
		r.tasks.Push(read)
	}
	if write != nil {
		r.tasks.Push(write)
	}
}

// drainWake resets the eventfd counter
func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakefd, buf[:])
		if err != nil {
			return
		}
	}
}

// ----------------------------------------------------------------------------
// running tasks
// ----------------------------------------------------------------------------

// Submit schedules an arbitrary task onto the reactor's queue. Returns
// false if the reactor has been stopped.
func (r *Reactor) Submit(fn Task) bool {
	return r.tasks.Push(fn)
}

// RunFor executes queued tasks until the given duration elapses or the
// reactor stops. Returns the number of tasks executed and whether the
// reactor has stopped. A zero task count after a full wait is the idle
// signal worker threads use to decide on retirement.
func (r *Reactor) RunFor(d time.Duration) (int, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	n := 0
	for {
		select {
		case fn, ok := <-r.tasks.Recv():
			if !ok {
				return n, true
			}
			fn()
			n++
		case <-timer.C:
			return n, r.stopped.Load()
		}
	}
}

// PollOne executes at most one immediately available task without blocking.
// Returns whether a task ran and whether the reactor has stopped. Callers
// polling for a completion must loop with their own backoff, progress is
// only guaranteed while worker threads also drive the reactor.
func (r *Reactor) PollOne() (bool, bool) {
	select {
	case fn, ok := <-r.tasks.Recv():
		if !ok {
			return false, true
		}
		fn()
		return true, r.stopped.Load()
	default:
		return false, r.stopped.Load()
	}
}

// ----------------------------------------------------------------------------
// lifecycle
// ----------------------------------------------------------------------------

// IsStopped returns true once Stop has been called.
func (r *Reactor) IsStopped() bool {
	return r.stopped.Load()
}

// Stop shuts the reactor down: the poller exits, the task queue stops
// accepting work and queued continuations are abandoned once no worker is
// left to run them. Safe to call more than once.
func (r *Reactor) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}

	Logger.Infof("stopping reactor")

	// Wake the poller so it observes the stopped flag
	if _, err := unix.Write(r.wakefd, wakeBuf); err != nil {
		Logger.Errorf("failed to wake poller: %v", err)
	}
	<-r.pollerDone

	unix.Close(r.wakefd)
	unix.Close(r.epfd)

	// Stop intake and let remaining continuations drain away even if all
	// workers have already exited
	r.tasks.Close()
	go r.tasks.Drain()
}

// Pending returns an approximate count of queued tasks, for debugging and
// stats reporting.
func (r *Reactor) Pending() int {
	return r.tasks.Len()
}
