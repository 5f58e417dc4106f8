// Package transport implements the session-oriented message transport of
// the server: accepting connections, framing wire messages, and resolving
// asynchronous operations through single-use tickets.
//
// The package focuses on:
//   - Ticket-based asynchronous I/O (SourceMessage / SinkMessage return a
//     Ticket that is redeemed exactly once via Wait or AsyncWait)
//   - Two-phase message reception: fixed header first, then the body at
//     the length the header declares
//   - Session lifecycle management with tag-based bulk termination
//   - Bounded shutdown that never hangs on in-flight operations
//
// Key Components:
//
//   - TransportLayerReactor: The ITransportLayer implementation. It owns
//     a reactor for socket readiness, an adaptive executor for running
//     continuations, TCP and optional unix domain listeners, and the
//     registry of live sessions. Waiters drive the reactor themselves, so
//     progress does not depend on a free worker.
//
//   - session: One connection plus its framing state machines. Each
//     direction holds at most one in-flight operation whose outcome lands
//     in a single-assignment completion cell: the first consumer takes
//     the status, a second resolution is dropped.
//
//   - Ticket: A value handle referencing its session by identifier only.
//     Tickets outliving their session degrade to ErrSessionClosed rather
//     than touching freed state, and expired tickets report
//     ErrTicketExpired without being redeemed.
//
//   - IServiceEntryPoint: The upper layer notified of new inbound
//     sessions. It drives each session's request loop using the ticket
//     operations and is asked to release its sessions during shutdown.
//
// The subpackage common carries the wire header codec, the message type,
// configuration structures and the logging setup shared by the server
// and client commands.
package transport
