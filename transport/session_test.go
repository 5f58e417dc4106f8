package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dWire/transport/common"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Test Harness
// --------------------------------------------------------------------------

// peerFD guards the test-side socket so it closes exactly once
type peerFD struct {
	fd int
}

func (p *peerFD) Close() {
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
}

func (p *peerFD) Write(t *testing.T, b []byte) {
	t.Helper()
	off := 0
	for off < len(b) {
		n, err := unix.Write(p.fd, b[off:])
		if err != nil {
			t.Fatalf("failed to write to peer: %v", err)
		}
		off += n
	}
}

// newSessionHarness creates an unstarted transport layer (live reactor, no
// workers) plus a session wrapped around one end of a socketpair. Tests
// drive continuations explicitly via the reactor.
func newSessionHarness(t *testing.T) (*TransportLayerReactor, *session, *peerFD) {
	t.Helper()

	tl, err := NewTransportLayer(common.TransportConfig{}, nil)
	if err != nil {
		t.Fatalf("failed to create transport layer: %v", err)
	}
	t.Cleanup(tl.Shutdown)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("failed to create socketpair: %v", err)
	}

	st, err := newStream(fds[0], tl.reactor, "local", "remote")
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		t.Fatalf("failed to create stream: %v", err)
	}

	sess := tl.registerSession(st, TagExternal)
	t.Cleanup(sess.end)

	peer := &peerFD{fd: fds[1]}
	t.Cleanup(peer.Close)
	return tl, sess, peer
}

// drive runs queued continuations until check succeeds or the deadline
// passes
func drive(t *testing.T, tl *TransportLayerReactor, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		if ran, _ := tl.reactor.PollOne(); !ran {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("condition not reached before deadline")
}

// driveToStatus pumps the reactor until the given operation resolves and
// returns its consumed status
func driveToStatus(t *testing.T, tl *TransportLayerReactor, sess *session, d direction, gen uint64) error {
	t.Helper()
	var status error
	drive(t, tl, func() bool {
		st, _, state := sess.pollStatus(d, gen)
		switch state {
		case opResolved:
			status = st
			return true
		case opStale:
			t.Fatalf("operation consumed before the test read its status")
		}
		return false
	})
	return status
}

// --------------------------------------------------------------------------
// Completion Cell
// --------------------------------------------------------------------------

func TestCompletionResolveOnce(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	gen := sess.beginOp(dirRead)
	sess.complete(dirRead, gen, nil)

	status, _, state := sess.pollStatus(dirRead, gen)
	if state != opResolved {
		t.Fatalf("expected resolved operation, got state %d", state)
	}
	if status != nil {
		t.Fatalf("expected nil status, got %v", status)
	}

	// The first poll consumed the result
	if _, _, state := sess.pollStatus(dirRead, gen); state != opStale {
		t.Fatalf("expected consumed operation to report stale, got state %d", state)
	}
}

func TestCompletionSecondResolutionDropped(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	gen := sess.beginOp(dirRead)
	sess.complete(dirRead, gen, nil)
	sess.complete(dirRead, gen, errors.New("late failure"))

	status, _, state := sess.pollStatus(dirRead, gen)
	if state != opResolved || status != nil {
		t.Fatalf("late resolution must be dropped, got state %d status %v", state, status)
	}
}

func TestCompletionStaleGenerationIgnored(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	gen := sess.beginOp(dirRead)
	sess.complete(dirRead, gen-1, errors.New("stale"))

	if _, _, state := sess.pollStatus(dirRead, gen); state != opPending {
		t.Fatalf("stale resolution must not touch the live operation, got state %d", state)
	}

	sess.complete(dirRead, gen, nil)
}

func TestCompletionCallbackConsumes(t *testing.T) {
	_, sess, _ := newSessionHarness(t)
	want := errors.New("operation failed")

	gen := sess.beginOp(dirRead)

	results := make(chan error, 2)
	if err := sess.registerCallback(dirRead, gen, func(err error) { results <- err }); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	sess.complete(dirRead, gen, want)
	select {
	case got := <-results:
		if !errors.Is(got, want) {
			t.Fatalf("callback received %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never invoked")
	}

	// Delivery consumed the operation: no replay, no second invocation
	if _, _, state := sess.pollStatus(dirRead, gen); state != opStale {
		t.Fatalf("expected consumed operation after callback, got state %d", state)
	}
	sess.complete(dirRead, gen, errors.New("late"))
	select {
	case <-results:
		t.Fatalf("callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompletionCallbackAfterResolve(t *testing.T) {
	_, sess, _ := newSessionHarness(t)
	want := errors.New("operation failed")

	gen := sess.beginOp(dirWrite)
	sess.complete(dirWrite, gen, want)

	var got error
	if err := sess.registerCallback(dirWrite, gen, func(err error) { got = err }); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	if !errors.Is(got, want) {
		t.Fatalf("late registration must fire synchronously with %v, got %v", want, got)
	}

	if err := sess.registerCallback(dirWrite, gen, func(error) {}); !errors.Is(err, ErrTicketConsumed) {
		t.Fatalf("expected ErrTicketConsumed on re-registration, got %v", err)
	}
}

func TestCompletionDoubleCallbackRegistration(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	gen := sess.beginOp(dirRead)
	if err := sess.registerCallback(dirRead, gen, func(error) {}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := sess.registerCallback(dirRead, gen, func(error) {}); !errors.Is(err, ErrCallbackRegistered) {
		t.Fatalf("expected ErrCallbackRegistered, got %v", err)
	}

	sess.complete(dirRead, gen, nil)
}

func TestSecondOperationWhileInFlightAborts(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected overlapping same-direction operations to abort")
		}
	}()

	sess.beginOp(dirRead)
	sess.beginOp(dirRead)
}

func TestIndependentDirections(t *testing.T) {
	_, sess, _ := newSessionHarness(t)

	rgen := sess.beginOp(dirRead)
	wgen := sess.beginOp(dirWrite)

	sess.complete(dirWrite, wgen, nil)
	if _, _, state := sess.pollStatus(dirRead, rgen); state != opPending {
		t.Fatalf("read operation must be unaffected by write completion, got state %d", state)
	}
	if _, _, state := sess.pollStatus(dirWrite, wgen); state != opResolved {
		t.Fatalf("write operation must resolve, got state %d", state)
	}

	sess.complete(dirRead, rgen, nil)
}

// --------------------------------------------------------------------------
// Source State Machine
// --------------------------------------------------------------------------

func TestSourceCompleteFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	body := bytes.Repeat([]byte{0xAB}, 48)
	peer.Write(t, common.NewMessage(common.OpMsg, body).Bytes())

	var msg common.Message
	gen := sess.beginRead(&msg)

	if err := driveToStatus(t, tl, sess, dirRead, gen); err != nil {
		t.Fatalf("source failed: %v", err)
	}
	if msg.OpCode() != common.OpMsg {
		t.Fatalf("expected opcode %v, got %v", common.OpMsg, msg.OpCode())
	}
	if !bytes.Equal(msg.Body(), body) {
		t.Fatalf("body mismatch after reassembly")
	}
}

func TestSourceFragmentedFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	body := bytes.Repeat([]byte{0xC4}, 64)
	raw := common.NewMessage(common.OpMsg, body).Bytes()

	var msg common.Message
	gen := sess.beginRead(&msg)

	// Dribble the frame in, splitting inside the header and inside the
	// body, with pauses so the machine re-arms between chunks
	for _, chunk := range [][]byte{raw[:10], raw[10:40], raw[40:]} {
		time.Sleep(20 * time.Millisecond)
		peer.Write(t, chunk)
	}

	if err := driveToStatus(t, tl, sess, dirRead, gen); err != nil {
		t.Fatalf("source failed: %v", err)
	}
	if !bytes.Equal(msg.Body(), body) {
		t.Fatalf("body mismatch after fragmented reassembly")
	}
}

func TestSourceHeaderOnlyFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	peer.Write(t, common.NewMessage(common.OpPing, nil).Bytes())

	var msg common.Message
	gen := sess.beginRead(&msg)

	if err := driveToStatus(t, tl, sess, dirRead, gen); err != nil {
		t.Fatalf("source failed: %v", err)
	}
	if msg.OpCode() != common.OpPing || len(msg.Body()) != 0 {
		t.Fatalf("expected empty ping frame, got opcode %v with %d body bytes", msg.OpCode(), len(msg.Body()))
	}
}

func TestSourceBodyLargerThanInitialBuffer(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	body := make([]byte, 4*common.InitialBufferSize)
	for i := range body {
		body[i] = byte(i)
	}

	var msg common.Message
	gen := sess.beginRead(&msg)
	peer.Write(t, common.NewMessage(common.OpMsg, body).Bytes())

	if err := driveToStatus(t, tl, sess, dirRead, gen); err != nil {
		t.Fatalf("source failed: %v", err)
	}
	if !bytes.Equal(msg.Body(), body) {
		t.Fatalf("body mismatch after buffer growth")
	}
}

func TestSourceRejectsOversizedFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	hdr := common.Header{MessageLen: uint32(tl.maxMessageSize() + 1), OpCode: common.OpMsg}
	raw := make([]byte, common.HeaderLen)
	common.PutHeader(raw, hdr)
	peer.Write(t, raw)

	var msg common.Message
	gen := sess.beginRead(&msg)

	err := driveToStatus(t, tl, sess, dirRead, gen)
	if !errors.Is(err, common.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestSourceRejectsUndersizedFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	hdr := common.Header{MessageLen: common.HeaderLen - 1, OpCode: common.OpMsg}
	raw := make([]byte, common.HeaderLen)
	common.PutHeader(raw, hdr)
	peer.Write(t, raw)

	var msg common.Message
	gen := sess.beginRead(&msg)

	err := driveToStatus(t, tl, sess, dirRead, gen)
	if !errors.Is(err, common.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestSourcePeerClose(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	var msg common.Message
	gen := sess.beginRead(&msg)
	peer.Close()

	err := driveToStatus(t, tl, sess, dirRead, gen)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestSourceCanceledByEnd(t *testing.T) {
	tl, sess, _ := newSessionHarness(t)

	var msg common.Message
	gen := sess.beginRead(&msg)
	sess.end()

	err := driveToStatus(t, tl, sess, dirRead, gen)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if sess.st.isOpen() {
		t.Fatalf("expected stream to be closed after end")
	}
}

// --------------------------------------------------------------------------
// Sink State Machine
// --------------------------------------------------------------------------

func TestSinkCompleteFrame(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	body := bytes.Repeat([]byte{0x42}, 32)
	msg := common.NewMessage(common.OpMsg, body)
	gen := sess.beginWrite(msg)

	if err := driveToStatus(t, tl, sess, dirWrite, gen); err != nil {
		t.Fatalf("sink failed: %v", err)
	}

	got := make([]byte, msg.Len())
	read := 0
	for read < len(got) {
		n, err := unix.Read(peer.fd, got[read:])
		if err != nil {
			t.Fatalf("failed to read from peer: %v", err)
		}
		read += n
	}
	if !bytes.Equal(got, msg.Bytes()) {
		t.Fatalf("wire bytes differ from the framed message")
	}
}

func TestSinkPartialWrites(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	// Large enough to overflow the socket buffer several times, forcing
	// the would-block / re-arm path
	body := make([]byte, 2<<20)
	for i := range body {
		body[i] = byte(i * 31)
	}
	msg := common.NewMessage(common.OpMsg, body)
	gen := sess.beginWrite(msg)

	var assembled []byte
	tmp := make([]byte, 64*1024)
	var status error
	resolved := false

	drive(t, tl, func() bool {
		for {
			n, err := unix.Read(peer.fd, tmp)
			if n > 0 {
				assembled = append(assembled, tmp[:n]...)
				continue
			}
			if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				t.Fatalf("failed to drain peer: %v", err)
			}
			break
		}
		if resolved {
			return len(assembled) == msg.Len()
		}
		st, _, state := sess.pollStatus(dirWrite, gen)
		if state == opResolved {
			status = st
			resolved = true
		}
		return false
	})

	if status != nil {
		t.Fatalf("sink failed: %v", status)
	}
	if !bytes.Equal(assembled, msg.Bytes()) {
		t.Fatalf("reassembled stream differs from the framed message")
	}
}

func TestSinkAfterPeerClose(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)
	peer.Close()

	// The first write may land in the kernel buffer; keep sinking until
	// the broken pipe surfaces
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("sink never observed the closed peer")
		}
		gen := sess.beginWrite(common.NewMessage(common.OpMsg, bytes.Repeat([]byte{1}, 1024)))
		err := driveToStatus(t, tl, sess, dirWrite, gen)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
		return
	}
}

func TestConcurrentSourceAndSink(t *testing.T) {
	tl, sess, peer := newSessionHarness(t)

	inBody := bytes.Repeat([]byte{0x11}, 100)
	outBody := bytes.Repeat([]byte{0x22}, 200)

	var msg common.Message
	rgen := sess.beginRead(&msg)
	wgen := sess.beginWrite(common.NewMessage(common.OpMsg, outBody))

	peer.Write(t, common.NewMessage(common.OpMsg, inBody).Bytes())

	if err := driveToStatus(t, tl, sess, dirWrite, wgen); err != nil {
		t.Fatalf("sink failed: %v", err)
	}
	if err := driveToStatus(t, tl, sess, dirRead, rgen); err != nil {
		t.Fatalf("source failed: %v", err)
	}
	if !bytes.Equal(msg.Body(), inBody) {
		t.Fatalf("source body mismatch during concurrent operations")
	}
}
