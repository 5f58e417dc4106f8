package transport

import (
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

// Logger is the logger for this package
var Logger = logger.GetLogger("transport")

// Operational error surface. These are returned synchronously or through a
// ticket's status without touching the network; I/O and protocol errors
// are wrapped with context where they occur.
var (
	// ErrShutdownInProgress is returned for operations on a transport
	// layer that is shutting down or already stopped
	ErrShutdownInProgress = errors.New("transport layer shutdown in progress")

	// ErrAlreadyRunning is returned by a second Start call
	ErrAlreadyRunning = errors.New("transport layer is already running")

	// ErrTicketExpired is returned when a ticket's deadline passed before
	// it was waited on
	ErrTicketExpired = errors.New("ticket has expired")

	// ErrTicketConsumed is returned when a ticket is waited on twice
	ErrTicketConsumed = errors.New("ticket was already consumed")

	// ErrSessionClosed is returned when the session a ticket refers to no
	// longer exists
	ErrSessionClosed = errors.New("session is closed")

	// ErrConnectionClosed is the terminal status for a peer that went away
	// mid-transfer
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCanceled is the status of operations interrupted by Cancel or End
	ErrCanceled = errors.New("operation canceled")

	// ErrWouldBlock reports that a non-blocking attempt cannot complete
	// right now. It drives async re-registration and is never terminal.
	ErrWouldBlock = errors.New("operation would block")

	// ErrCallbackRegistered is returned when a second callback is
	// registered for the same pending operation
	ErrCallbackRegistered = errors.New("a callback is already registered for this operation")
)
