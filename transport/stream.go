package transport

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ValentinKolb/dWire/lib/reactor"
)

// stream owns one connected non-blocking socket. It offers synchronous
// "try now" reads and writes that report ErrWouldBlock instead of blocking,
// and arms one-shot reactor continuations for the asynchronous path. Any
// error other than ErrWouldBlock is terminal for the stream.
type stream struct {
	fd     int
	r      *reactor.Reactor
	local  string
	remote string

	open     atomic.Bool
	canceled atomic.Bool
}

// newStream registers the connected fd with the reactor. The fd must
// already be non-blocking.
func newStream(fd int, r *reactor.Reactor, local, remote string) (*stream, error) {
	if err := r.Add(fd); err != nil {
		return nil, fmt.Errorf("failed to register connection: %w", err)
	}

	st := &stream{fd: fd, r: r, local: local, remote: remote}
	st.open.Store(true)
	return st, nil
}

// tryRead attempts a non-blocking read into buf and never blocks. A full
// receive buffer yields ErrWouldBlock, a clean peer shutdown or a reset
// yields ErrConnectionClosed.
func (st *stream) tryRead(buf []byte) (int, error) {
	if st.canceled.Load() {
		return 0, ErrCanceled
	}
	if !st.open.Load() {
		return 0, ErrSessionClosed
	}

	for {
		n, err := unix.Read(st.fd, buf)
		if err == nil {
			if n == 0 {
				return 0, fmt.Errorf("%w by peer", ErrConnectionClosed)
			}
			return n, nil
		}

		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case unix.ECONNRESET, unix.EPIPE:
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		default:
			return 0, fmt.Errorf("read failed: %w", err)
		}
	}
}

// tryWrite attempts a non-blocking write of buf and never blocks. Partial
// writes are normal, the caller loops over the remaining span.
func (st *stream) tryWrite(buf []byte) (int, error) {
	if st.canceled.Load() {
		return 0, ErrCanceled
	}
	if !st.open.Load() {
		return 0, ErrSessionClosed
	}

	for {
		n, err := unix.Write(st.fd, buf)
		if err == nil {
			return n, nil
		}

		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		case unix.ECONNRESET, unix.EPIPE:
			return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		default:
			return 0, fmt.Errorf("write failed: %w", err)
		}
	}
}

// armRead registers cont to run once the socket becomes readable. Used
// only after tryRead reported ErrWouldBlock.
func (st *stream) armRead(cont reactor.Task) error {
	return st.arm(cont, false)
}

// armWrite registers cont to run once the socket becomes writable.
func (st *stream) armWrite(cont reactor.Task) error {
	return st.arm(cont, true)
}

func (st *stream) arm(cont reactor.Task, write bool) error {
	if st.canceled.Load() {
		return ErrCanceled
	}
	if !st.open.Load() {
		return ErrSessionClosed
	}

	var err error
	if write {
		err = st.r.ArmWrite(st.fd, cont)
	} else {
		err = st.r.ArmRead(st.fd, cont)
	}

	switch err {
	case nil:
		return nil
	case reactor.ErrStopped:
		return ErrShutdownInProgress
	case reactor.ErrUnknownFd:
		// The stream was torn down between our open check and the arm
		return ErrCanceled
	default:
		return fmt.Errorf("failed to arm continuation: %w", err)
	}
}

// cancel aborts outstanding operations: armed continuations are scheduled
// immediately and observe the canceled flag before touching the socket.
func (st *stream) cancel() {
	if !st.canceled.CompareAndSwap(false, true) {
		return
	}
	st.r.Cancel(st.fd)
}

// close deregisters and closes the socket. Callers cancel first so no
// continuation can race the fd teardown.
func (st *stream) close() {
	if !st.open.CompareAndSwap(true, false) {
		return
	}
	st.r.Remove(st.fd)
	if err := unix.Close(st.fd); err != nil {
		Logger.Warningf("failed to close connection fd %d: %v", st.fd, err)
	}
}

// isOpen reports liveness without blocking.
func (st *stream) isOpen() bool {
	return st.open.Load() && !st.canceled.Load()
}

// setNoDelay disables Nagle's algorithm on a TCP socket
func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
