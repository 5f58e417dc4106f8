package transport

import "time"

// Ticket is the caller-visible handle for one pending session operation.
// It references its session only by identifier, so a ticket outliving its
// session degrades to ErrSessionClosed instead of touching freed state.
// Tickets are single-use: the first Wait or callback delivery consumes
// the result.
type Ticket struct {
	sessionID  uint64
	dir        direction
	generation uint64
	expiration time.Time
}

// SessionID returns the identifier of the owning session.
func (t Ticket) SessionID() uint64 {
	return t.sessionID
}

// Expiration returns the ticket's deadline. The zero time means the
// ticket never expires.
func (t Ticket) Expiration() time.Time {
	return t.expiration
}

// expired reports whether the deadline passed at the given instant
func (t Ticket) expired(now time.Time) bool {
	return !t.expiration.IsZero() && now.After(t.expiration)
}
