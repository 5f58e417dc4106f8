package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dWire/transport/common"
)

// --------------------------------------------------------------------------
// Operation Slots
// --------------------------------------------------------------------------

// direction distinguishes the two independent operation lanes of a session
type direction int

const (
	dirRead direction = iota
	dirWrite
)

func (d direction) String() string {
	if d == dirRead {
		return "source"
	}
	return "sink"
}

// opState is the result of polling a completion cell
type opState int

const (
	opPending opState = iota
	opResolved
	opStale
)

// opSlot is the single-assignment completion cell for one direction: at
// most one of {stored status, invoked callback} per operation, never both
// and never twice. The generation counter makes stale completions and
// consumed tickets detectable.
type opSlot struct {
	inFlight   bool
	generation uint64
	resolved   bool
	status     error
	callback   TicketCallback
	done       chan struct{}
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session owns one stream plus the framing state machines. It holds at
// most one in-flight operation per direction; the state machine fields
// below the mutex are owned exclusively by the respective in-flight
// operation and are therefore accessed without locking.
type session struct {
	id   uint64
	tl   *TransportLayerReactor
	st   *stream
	tags atomic.Uint32

	ended atomic.Bool

	mu     sync.Mutex
	source opSlot
	sink   opSlot

	// two-phase read state, owned by the in-flight source operation
	rbuf        []byte
	rfill       int
	rneed       int
	rheaderDone bool
	rout        *common.Message

	// write state, owned by the in-flight sink operation
	wbuf  []byte
	wfill int
}

// newSession wraps a connected stream. The caller registers the session
// with the transport layer's live registry.
func newSession(tl *TransportLayerReactor, st *stream, tags SessionTags) *session {
	s := &session{
		id: tl.nextSessionID(),
		tl: tl,
		st: st,
	}
	s.tags.Store(uint32(tags))
	return s
}

func (s *session) ID() uint64 {
	return s.id
}

func (s *session) Remote() string {
	return s.st.remote
}

func (s *session) Local() string {
	return s.st.local
}

func (s *session) Tags() SessionTags {
	return SessionTags(s.tags.Load())
}

func (s *session) ReplaceTags(tags SessionTags) {
	s.tags.Store(uint32(tags))
}

func (s *session) TransportLayer() ITransportLayer {
	return s.tl
}

// end tears the session down: the canceled flag wakes armed continuations
// so they resolve with ErrCanceled, the socket closes, and the registry
// entry disappears so outstanding tickets degrade to ErrSessionClosed.
func (s *session) end() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.st.cancel()
	s.st.close()
	s.tl.removeSession(s.id)
	Logger.Debugf("session %d to %s ended", s.id, s.st.remote)
}

// --------------------------------------------------------------------------
// Completion Protocol
// --------------------------------------------------------------------------

func (s *session) slot(d direction) *opSlot {
	if d == dirRead {
		return &s.source
	}
	return &s.sink
}

// beginOp opens a new operation in the given direction. Starting a second
// same-direction operation while one is in flight or its result remains
// unconsumed breaks the sequencing invariant and aborts.
func (s *session) beginOp(d direction) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slot(d)
	if slot.inFlight {
		Logger.Panicf("session %d: %s operation already in flight", s.id, d)
	}

	slot.inFlight = true
	slot.resolved = false
	slot.status = nil
	slot.callback = nil
	slot.generation++
	slot.done = make(chan struct{})
	return slot.generation
}

// complete resolves one operation with at-most-once delivery: exactly one
// of {store the status, invoke the registered callback} happens, a repeat
// or stale resolution is silently dropped.
func (s *session) complete(d direction, gen uint64, status error) {
	s.mu.Lock()

	slot := s.slot(d)
	if slot.generation != gen || !slot.inFlight || slot.resolved {
		// Stale generation or second resolution: lost result
		s.mu.Unlock()
		return
	}

	if cb := slot.callback; cb != nil {
		// Callback delivery consumes the operation
		slot.callback = nil
		slot.inFlight = false
		close(slot.done)
		s.mu.Unlock()
		cb(status)
		return
	}

	slot.resolved = true
	slot.status = status
	close(slot.done)
	s.mu.Unlock()
}

// pollStatus checks the completion cell once. A resolved status is
// consumed by the call; done is non-nil only while the operation is
// pending and is closed at resolution.
func (s *session) pollStatus(d direction, gen uint64) (error, <-chan struct{}, opState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slot(d)
	if slot.generation != gen {
		return nil, nil, opStale
	}
	if slot.resolved {
		status := slot.status
		slot.resolved = false
		slot.inFlight = false
		slot.status = nil
		return status, nil, opResolved
	}
	if !slot.inFlight {
		return nil, nil, opStale
	}
	return nil, slot.done, opPending
}

// registerCallback installs the one-shot completion callback, invoking it
// synchronously if the operation already resolved. A second registration
// for the same pending operation is an error.
func (s *session) registerCallback(d direction, gen uint64, cb TicketCallback) error {
	s.mu.Lock()

	slot := s.slot(d)
	if slot.generation != gen || (!slot.inFlight && !slot.resolved) {
		s.mu.Unlock()
		return ErrTicketConsumed
	}
	if slot.resolved {
		status := slot.status
		slot.resolved = false
		slot.inFlight = false
		slot.status = nil
		s.mu.Unlock()
		cb(status)
		return nil
	}
	if slot.callback != nil {
		s.mu.Unlock()
		return ErrCallbackRegistered
	}
	slot.callback = cb
	s.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Source State Machine
// --------------------------------------------------------------------------

// beginRead starts the two-phase source operation: fixed header first,
// then the body at the declared length. The synchronous attempt happens on
// the caller; would-block hands the machine to the reactor.
func (s *session) beginRead(out *common.Message) uint64 {
	gen := s.beginOp(dirRead)

	s.rbuf = make([]byte, common.InitialBufferSize)
	s.rfill = 0
	s.rneed = common.HeaderLen
	s.rheaderDone = false
	s.rout = out

	s.dispatchRead(gen)
	return gen
}

// dispatchRead advances the source state machine until it would block,
// fails, or completes. It re-enters itself as the armed continuation, so
// every transition funnels through this one function.
func (s *session) dispatchRead(gen uint64) {
	for {
		n, err := s.st.tryRead(s.rbuf[s.rfill:s.rneed])
		if errors.Is(err, ErrWouldBlock) {
			if aerr := s.st.armRead(func() { s.dispatchRead(gen) }); aerr != nil {
				s.complete(dirRead, gen, aerr)
			}
			return
		}
		if err != nil {
			s.complete(dirRead, gen, err)
			return
		}

		s.rfill += n
		s.tl.noteBytesIn(n)

		if s.rfill < s.rneed {
			continue
		}

		if !s.rheaderDone {
			hdr := common.ParseHeader(s.rbuf)
			if verr := hdr.Validate(s.tl.maxMessageSize()); verr != nil {
				// Protocol error: terminal for the session
				s.complete(dirRead, gen, verr)
				return
			}

			s.rheaderDone = true
			s.rneed = int(hdr.MessageLen)

			// Grow the buffer preserving the header bytes already read;
			// no lock needed since this operation owns the buffer
			if s.rneed > len(s.rbuf) {
				grown := make([]byte, s.rneed)
				copy(grown, s.rbuf[:s.rfill])
				s.rbuf = grown
			}

			if s.rfill < s.rneed {
				continue
			}
		}

		// Fully assembled, hand ownership to the caller's message
		msg, merr := common.FromBytes(s.rbuf[:s.rneed])
		if merr != nil {
			s.complete(dirRead, gen, merr)
			return
		}
		*s.rout = *msg
		s.rbuf = nil
		s.rout = nil
		s.tl.noteMessageSourced(s.rneed)
		s.complete(dirRead, gen, nil)
		return
	}
}

// --------------------------------------------------------------------------
// Sink State Machine
// --------------------------------------------------------------------------

// beginWrite starts the single-phase sink operation for the whole framed
// message, looping over partial writes.
func (s *session) beginWrite(msg *common.Message) uint64 {
	gen := s.beginOp(dirWrite)

	s.wbuf = msg.Bytes()
	s.wfill = 0

	s.dispatchWrite(gen)
	return gen
}

// dispatchWrite pushes the remaining unwritten span until it would block,
// fails, or the message is fully sent.
func (s *session) dispatchWrite(gen uint64) {
	for {
		n, err := s.st.tryWrite(s.wbuf[s.wfill:])
		if errors.Is(err, ErrWouldBlock) {
			if aerr := s.st.armWrite(func() { s.dispatchWrite(gen) }); aerr != nil {
				s.complete(dirWrite, gen, aerr)
			}
			return
		}
		if err != nil {
			s.complete(dirWrite, gen, err)
			return
		}

		s.wfill += n
		s.tl.noteBytesOut(n)

		if s.wfill == len(s.wbuf) {
			s.tl.noteMessageSunk(len(s.wbuf))
			s.wbuf = nil
			s.complete(dirWrite, gen, nil)
			return
		}
	}
}
