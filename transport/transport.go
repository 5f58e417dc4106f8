package transport

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dWire/lib/executor"
	"github.com/ValentinKolb/dWire/lib/reactor"
	"github.com/ValentinKolb/dWire/transport/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	connectionsAcceptedTotal = metrics.NewCounter("transport_connections_accepted_total")
	messagesSourcedTotal     = metrics.NewCounter("transport_messages_sourced_total")
	messagesSunkTotal        = metrics.NewCounter("transport_messages_sunk_total")
	bytesInTotal             = metrics.NewCounter("transport_bytes_in_total")
	bytesOutTotal            = metrics.NewCounter("transport_bytes_out_total")
	messageSizeBytes         = metrics.NewHistogram("transport_message_size_bytes")
)

// --------------------------------------------------------------------------
// Transport Layer
// --------------------------------------------------------------------------

// lifecycle states, strictly forward-moving
const (
	stateCreated int32 = iota
	stateRunning
	stateShutdown
)

const (
	// waitPollInterval bounds how long Wait parks on the completion signal
	// before re-checking the deadline and the running state
	waitPollInterval = time.Millisecond

	defaultConnectTimeout = 10 * time.Second
)

// TransportLayerReactor is the reactor-backed ITransportLayer. All socket
// I/O is non-blocking and runs as continuations on the shared reactor,
// executed by an adaptive pool of worker threads.
type TransportLayerReactor struct {
	cfg common.TransportConfig
	sep IServiceEntryPoint

	reactor  *reactor.Reactor
	executor *executor.ServiceExecutor

	state atomic.Int32

	sessions  *xsync.MapOf[uint64, *session]
	sessionID atomic.Uint64

	tcpFD        int
	unixFD       int
	resolvedAddr string

	sessionsCreated atomic.Uint64
	messagesSourced atomic.Uint64
	messagesSunk    atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64
}

// NewTransportLayer creates the transport layer for the given service
// entry point. The reactor starts polling immediately, but no listener
// exists and no worker runs until Start. A nil entry point is allowed
// for egress-only layers that never announce inbound sessions.
func NewTransportLayer(cfg common.TransportConfig, sep IServiceEntryPoint) (*TransportLayerReactor, error) {
	cfg = cfg.WithDefaults()

	r, err := reactor.NewReactor()
	if err != nil {
		return nil, fmt.Errorf("failed to create reactor: %w", err)
	}

	return &TransportLayerReactor{
		cfg:      cfg,
		sep:      sep,
		reactor:  r,
		executor: executor.NewServiceExecutor(r, cfg.ToExecutorConfig()),
		sessions: xsync.NewMapOf[uint64, *session](),
		tcpFD:    -1,
		unixFD:   -1,
	}, nil
}

// Start binds the listeners, launches the worker pool and begins
// accepting connections. A second Start fails with ErrAlreadyRunning, a
// Start after Shutdown with ErrShutdownInProgress.
func (tl *TransportLayerReactor) Start() error {
	if !tl.state.CompareAndSwap(stateCreated, stateRunning) {
		if tl.state.Load() == stateRunning {
			return ErrAlreadyRunning
		}
		return ErrShutdownInProgress
	}

	fd, addr, err := listenTCP(tl.cfg)
	if err != nil {
		tl.abortStart()
		return err
	}
	tl.tcpFD = fd
	tl.resolvedAddr = addr

	if tl.cfg.UseUnixSockets {
		ufd, uerr := listenUnixSocket(tl.cfg.UnixSocketPath, tl.cfg.Backlog)
		if uerr != nil {
			tl.abortStart()
			return uerr
		}
		tl.unixFD = ufd
	}

	tl.executor.Start()

	if err := tl.reactor.Add(tl.tcpFD); err != nil {
		tl.abortStart()
		return fmt.Errorf("failed to register listener: %w", err)
	}
	tl.armAccept(tl.tcpFD, true)

	if tl.unixFD >= 0 {
		if err := tl.reactor.Add(tl.unixFD); err != nil {
			tl.abortStart()
			return fmt.Errorf("failed to register unix listener: %w", err)
		}
		tl.armAccept(tl.unixFD, false)
	}

	Logger.Infof("transport layer listening on %s", tl.resolvedAddr)
	if tl.unixFD >= 0 {
		Logger.Infof("transport layer listening on %s", tl.cfg.UnixSocketPath)
	}
	return nil
}

// abortStart rolls a failed Start into the terminal state so a retry
// cannot observe a half-initialized layer.
func (tl *TransportLayerReactor) abortStart() {
	tl.state.Store(stateShutdown)
	tl.executor.Shutdown()
	tl.reactor.Stop()
	tl.closeListeners()
}

// SourceMessage begins receiving one message into msg. The returned
// ticket must be redeemed with Wait or AsyncWait; preconditions that
// already failed (layer not running, expiration in the past, session
// gone) surface there, never here.
func (tl *TransportLayerReactor) SourceMessage(session ISession, msg *common.Message, expiration time.Time) Ticket {
	t := Ticket{sessionID: session.ID(), dir: dirRead, expiration: expiration}
	if !tl.isRunning() || t.expired(time.Now()) {
		return t
	}
	s, ok := tl.sessions.Load(t.sessionID)
	if !ok {
		return t
	}
	t.generation = s.beginRead(msg)
	return t
}

// SinkMessage begins sending msg over the session. Same ticket contract
// as SourceMessage.
func (tl *TransportLayerReactor) SinkMessage(session ISession, msg *common.Message, expiration time.Time) Ticket {
	t := Ticket{sessionID: session.ID(), dir: dirWrite, expiration: expiration}
	if !tl.isRunning() || t.expired(time.Now()) {
		return t
	}
	s, ok := tl.sessions.Load(t.sessionID)
	if !ok {
		return t
	}
	t.generation = s.beginWrite(msg)
	return t
}

// Wait blocks until the ticket's operation resolves and returns its
// status. Waiting threads help drive the reactor, so Wait makes progress
// even when every worker is parked in Wait itself. The first Wait
// consumes the ticket; shutdown and expiration preempt the result.
func (tl *TransportLayerReactor) Wait(t Ticket) error {
	for {
		if !tl.isRunning() {
			return ErrShutdownInProgress
		}
		if t.expired(time.Now()) {
			return ErrTicketExpired
		}

		s, ok := tl.sessions.Load(t.sessionID)
		if !ok {
			return ErrSessionClosed
		}

		status, done, state := s.pollStatus(t.dir, t.generation)
		switch state {
		case opResolved:
			return status
		case opStale:
			return ErrTicketConsumed
		}

		// Pending: run one queued continuation if there is one, otherwise
		// park briefly on the completion signal
		ran, stopped := tl.reactor.PollOne()
		if stopped {
			return ErrShutdownInProgress
		}
		if ran {
			continue
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// AsyncWait registers cb to receive the ticket's status. Failed
// preconditions are delivered through cb as well, so registration errors
// only report misuse: a consumed ticket or a second callback.
func (tl *TransportLayerReactor) AsyncWait(t Ticket, cb TicketCallback) error {
	if !tl.isRunning() {
		cb(ErrShutdownInProgress)
		return nil
	}
	if t.expired(time.Now()) {
		cb(ErrTicketExpired)
		return nil
	}

	s, ok := tl.sessions.Load(t.sessionID)
	if !ok {
		cb(ErrSessionClosed)
		return nil
	}
	return s.registerCallback(t.dir, t.generation, cb)
}

// Connect dials addr (host:port, or an absolute path for a unix domain
// socket) and returns the egress session, tagged internal. The session
// is registered like an accepted one but is not announced to the service
// entry point.
func (tl *TransportLayerReactor) Connect(addr string, timeout time.Duration) (ISession, error) {
	if !tl.isRunning() {
		return nil, ErrShutdownInProgress
	}
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	fd, tcp, pending, err := dialNonblock(addr)
	if err != nil {
		return nil, err
	}

	st, err := newStream(fd, tl.reactor, localAddrString(fd), addr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to register connection to %s: %w", addr, err)
	}

	if pending {
		done := make(chan error, 1)
		if aerr := st.armWrite(func() {
			if st.canceled.Load() {
				return
			}
			done <- connectResult(fd)
		}); aerr != nil {
			st.close()
			return nil, aerr
		}

		timer := time.NewTimer(timeout)
		select {
		case cerr := <-done:
			timer.Stop()
			if cerr != nil {
				st.close()
				return nil, fmt.Errorf("failed to connect to %s: %w", addr, cerr)
			}
		case <-timer.C:
			st.cancel()
			st.close()
			return nil, fmt.Errorf("timed out connecting to %s after %v", addr, timeout)
		}
	}

	if tcp {
		if nerr := setNoDelay(fd); nerr != nil {
			Logger.Warningf("failed to set TCP_NODELAY: %v", nerr)
		}
	}

	sess := tl.registerSession(st, TagInternal)
	if !tl.isRunning() {
		// Lost the race against shutdown, tear the session back down
		sess.end()
		return nil, ErrShutdownInProgress
	}
	Logger.Infof("connected to %s (session %d)", addr, sess.ID())
	return sess, nil
}

// End closes the given session and releases its resources. Outstanding
// tickets resolve with ErrCanceled or degrade to ErrSessionClosed.
func (tl *TransportLayerReactor) End(session ISession) {
	if s, ok := tl.sessions.Load(session.ID()); ok {
		s.end()
	}
}

// EndAllSessions ends every live session whose tags intersect the mask
func (tl *TransportLayerReactor) EndAllSessions(tags SessionTags) {
	ended := 0
	tl.sessions.Range(func(_ uint64, s *session) bool {
		if s.Tags()&tags != 0 {
			s.end()
			ended++
		}
		return true
	})
	if ended > 0 {
		Logger.Infof("ended %d session(s)", ended)
	}
}

// Shutdown stops the transport layer: no new sessions, all live sessions
// ended, the worker pool drained. It returns once every worker has
// exited and never hangs on in-flight operations; their waiters observe
// ErrShutdownInProgress or ErrCanceled. Shutdown is idempotent.
func (tl *TransportLayerReactor) Shutdown() {
	if !tl.state.CompareAndSwap(stateRunning, stateShutdown) {
		if tl.state.CompareAndSwap(stateCreated, stateShutdown) {
			// Never started: only the poller needs stopping
			tl.reactor.Stop()
		}
		return
	}

	Logger.Infof("shutting down transport layer")

	// Give the service entry point first say over its sessions, then
	// force whatever is left. Listener fds close last, after the workers
	// are gone, so no accept loop can touch a recycled descriptor.
	if tl.sep != nil {
		tl.sep.EndAllSessions(TagAll)
	}
	tl.EndAllSessions(TagAll)
	tl.executor.Shutdown()
	tl.closeListeners()

	Logger.Infof("transport layer shutdown complete")
}

func (tl *TransportLayerReactor) closeListeners() {
	if tl.tcpFD >= 0 {
		tl.reactor.Remove(tl.tcpFD)
		unix.Close(tl.tcpFD)
		tl.tcpFD = -1
	}
	if tl.unixFD >= 0 {
		tl.reactor.Remove(tl.unixFD)
		unix.Close(tl.unixFD)
		tl.unixFD = -1
		if err := os.RemoveAll(tl.cfg.UnixSocketPath); err != nil {
			Logger.Warningf("failed to remove socket file %s: %v", tl.cfg.UnixSocketPath, err)
		}
	}
}

// Addr returns the resolved listen address, useful when binding an
// ephemeral port. Empty before Start.
func (tl *TransportLayerReactor) Addr() string {
	return tl.resolvedAddr
}

// Stats returns a point-in-time snapshot of the transport counters
func (tl *TransportLayerReactor) Stats() Stats {
	return Stats{
		SessionsCreated: tl.sessionsCreated.Load(),
		SessionsActive:  tl.sessions.Size(),
		MessagesSourced: tl.messagesSourced.Load(),
		MessagesSunk:    tl.messagesSunk.Load(),
		BytesIn:         tl.bytesIn.Load(),
		BytesOut:        tl.bytesOut.Load(),
	}
}

// ExecutorStats exposes the worker pool gauges for diagnostics
func (tl *TransportLayerReactor) ExecutorStats() executor.Stats {
	return tl.executor.Stats()
}

// --------------------------------------------------------------------------
// Internal Helpers
// --------------------------------------------------------------------------

func (tl *TransportLayerReactor) isRunning() bool {
	return tl.state.Load() == stateRunning
}

func (tl *TransportLayerReactor) nextSessionID() uint64 {
	return tl.sessionID.Add(1)
}

func (tl *TransportLayerReactor) registerSession(st *stream, tags SessionTags) *session {
	s := newSession(tl, st, tags)
	tl.sessions.Store(s.id, s)
	tl.sessionsCreated.Add(1)
	return s
}

func (tl *TransportLayerReactor) removeSession(id uint64) {
	tl.sessions.Delete(id)
}

func (tl *TransportLayerReactor) maxMessageSize() int {
	return tl.cfg.MaxMessageSizeBytes
}

func (tl *TransportLayerReactor) noteBytesIn(n int) {
	tl.bytesIn.Add(uint64(n))
	bytesInTotal.Add(n)
}

func (tl *TransportLayerReactor) noteBytesOut(n int) {
	tl.bytesOut.Add(uint64(n))
	bytesOutTotal.Add(n)
}

func (tl *TransportLayerReactor) noteMessageSourced(size int) {
	tl.messagesSourced.Add(1)
	messagesSourcedTotal.Inc()
	messageSizeBytes.Update(float64(size))
}

func (tl *TransportLayerReactor) noteMessageSunk(size int) {
	tl.messagesSunk.Add(1)
	messagesSunkTotal.Inc()
	messageSizeBytes.Update(float64(size))
}
