// Package common provides the data structures and utilities shared across
// the transport layer: the wire message format, configuration structures
// and the logging integration.
//
// The package focuses on:
//   - The fixed 16-byte little-endian message header and its validation
//   - Message assembly and correlation (requests, replies, pings)
//   - Configuration structs for the transport and its service executor
//   - Custom logging implementation integrated with the Dragonboat logger
//
// Key Components:
//
//   - Message: One framed wire message, header plus opaque body in a
//     single buffer. The transport never interprets the body; factory
//     functions cover the request, reply and ping/pong shapes.
//
//   - Header: The decoded message prefix with total length, request
//     identifier, response correlation and opcode. Validate enforces the
//     minimum header size and the configured length ceiling so a hostile
//     header cannot trigger unbounded allocation.
//
//   - TransportConfig: Listener endpoints, framing bounds and executor
//     tuning with defaults and a human-readable String form logged at
//     startup.
//
//   - Logger: Custom logging implementation that integrates with
//     Dragonboat's logging system while providing consistent formatting
//     across the application.
package common
