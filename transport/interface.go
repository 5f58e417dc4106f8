package transport

import (
	"context"
	"time"

	"github.com/ValentinKolb/dWire/transport/common"
)

// --------------------------------------------------------------------------
// Callback Types
// --------------------------------------------------------------------------

// TicketCallback is invoked with the final status of one pending operation.
// It runs on whichever worker completes the operation, or synchronously on
// the caller if the operation already finished, so it must be thread-agnostic.
type TicketCallback func(error)

// --------------------------------------------------------------------------
// Session Tags
// --------------------------------------------------------------------------

// SessionTags is a bitmask classifying a session. EndAllSessions ends every
// session whose tags intersect the given mask, so every live session must
// carry at least one tag.
type SessionTags uint32

const (
	// TagExternal marks sessions accepted from remote clients
	TagExternal SessionTags = 1 << iota

	// TagInternal marks sessions the process itself dialed out
	TagInternal
)

// TagAll matches every tagged session
const TagAll = ^SessionTags(0)

// --------------------------------------------------------------------------
// Interfaces
// --------------------------------------------------------------------------

// ISession identifies one connection and carries its classification tags.
// Sessions are created by the transport layer (on accept or connect) and
// handed to the service entry point; all I/O goes through the transport
// layer's SourceMessage and SinkMessage.
type ISession interface {
	// ID returns the unique identifier of this session
	ID() uint64

	// Remote returns the peer address
	Remote() string

	// Local returns the local address
	Local() string

	// Tags returns the current classification bitmask
	Tags() SessionTags

	// ReplaceTags swaps the classification bitmask
	ReplaceTags(tags SessionTags)

	// TransportLayer returns the transport layer that owns this session
	TransportLayer() ITransportLayer
}

// IServiceEntryPoint is the application dispatcher collaborating with the
// transport layer. The transport hands every accepted connection to
// StartSession and never interprets message contents itself.
type IServiceEntryPoint interface {
	// StartSession is invoked once per accepted connection, on a worker
	// thread. The implementation owns the session's request loop.
	StartSession(session ISession)

	// HandleRequest produces the response for one fully framed inbound
	// message, or an error that ends the session.
	HandleRequest(ctx context.Context, msg *common.Message) (*common.Message, error)

	// EndAllSessions is invoked on shutdown with the mask of sessions
	// being torn down.
	EndAllSessions(tags SessionTags)
}

// ITransportLayer moves framed messages between sessions and the network.
// SourceMessage and SinkMessage always return a Ticket; failed
// preconditions surface when the ticket is waited on.
type ITransportLayer interface {
	// SourceMessage begins receiving one message into msg. The read
	// completes asynchronously; the ticket reports completion.
	SourceMessage(session ISession, msg *common.Message, expiration time.Time) Ticket

	// SinkMessage begins sending msg. The write completes asynchronously;
	// the ticket reports completion.
	SinkMessage(session ISession, msg *common.Message, expiration time.Time) Ticket

	// Wait blocks the caller until the ticket's operation completes,
	// driving the reactor between polls, and returns its status.
	Wait(t Ticket) error

	// AsyncWait registers cb to run when the ticket's operation completes,
	// invoking it synchronously if it already has. The returned error
	// covers registration failures only.
	AsyncWait(t Ticket, cb TicketCallback) error

	// Connect opens an outbound session to addr (host:port, or an absolute
	// path for a unix socket) through the same reactor.
	Connect(addr string, timeout time.Duration) (ISession, error)

	// Start binds the configured listeners and begins accepting. A second
	// call fails with ErrAlreadyRunning.
	Start() error

	// Shutdown stops accepting, ends every session and drains the worker
	// pool. It returns in bounded time and is safe to call repeatedly.
	Shutdown()

	// End terminates one session, canceling its in-flight operations.
	End(session ISession)

	// EndAllSessions terminates every session whose tags intersect the mask.
	EndAllSessions(tags SessionTags)

	// Addr returns the resolved TCP listen address once started.
	Addr() string

	// Stats returns a snapshot of transfer counters.
	Stats() Stats
}

// Stats is a point-in-time snapshot of the transport layer's counters.
type Stats struct {
	SessionsCreated uint64
	SessionsActive  int
	MessagesSourced uint64
	MessagesSunk    uint64
	BytesIn         uint64
	BytesOut        uint64
}
