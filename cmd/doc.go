// Package cmd implements the command-line interface for the dWire message
// transport server. It provides a hierarchical command structure with
// operations for running the server and probing it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the dWire server
//   - ping: Commands for measuring round trip latency against a running server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dwire -help for a list of all commands.
package cmd
