package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dWire/lib/executor"
)

// --------------------------------------------------------------------------
// Transport configuration struct
// --------------------------------------------------------------------------

// defaults applied by WithDefaults
const (
	DefaultPort           = 28017
	DefaultBindIP         = "127.0.0.1"
	DefaultListenBacklog  = 128
	DefaultUnixSocketPerm = 0700
)

// TransportConfig holds all configuration parameters for the transport
// layer: listeners, framing bounds and executor tuning.
type TransportConfig struct {
	// Listener parameters
	BindIP         string
	Port           int // 0 picks an ephemeral port
	IPv6           bool
	UseUnixSockets bool
	UnixSocketPath string // derived from the port when empty
	Backlog        int

	// Framing parameters
	MaxMessageSizeBytes int

	// Executor tuning
	ReserveThreads          int
	ThreadIdleTimeoutMillis int
	ThreadAgeLimit          int

	// Logging configuration
	LogLevel string
}

// WithDefaults returns a copy with unset fields filled in.
func (c TransportConfig) WithDefaults() TransportConfig {
	if c.BindIP == "" {
		c.BindIP = DefaultBindIP
	}
	if c.Port < 0 {
		c.Port = DefaultPort
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultListenBacklog
	}
	if c.MaxMessageSizeBytes <= 0 {
		c.MaxMessageSizeBytes = DefaultMaxMessageSize
	}
	if c.ReserveThreads <= 0 {
		c.ReserveThreads = executor.DefaultReserveThreads
	}
	if c.ThreadIdleTimeoutMillis <= 0 {
		c.ThreadIdleTimeoutMillis = int(executor.DefaultThreadIdleTimeout / time.Millisecond)
	}
	if c.ThreadAgeLimit <= 0 {
		c.ThreadAgeLimit = executor.DefaultThreadAgeLimit
	}
	if c.UseUnixSockets && c.UnixSocketPath == "" {
		c.UnixSocketPath = fmt.Sprintf("/tmp/dwire-%d.sock", c.Port)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// ToExecutorConfig converts the TransportConfig to an executor Config
func (c *TransportConfig) ToExecutorConfig() executor.Config {
	return executor.Config{
		ReserveThreads:    c.ReserveThreads,
		ThreadIdleTimeout: time.Duration(c.ThreadIdleTimeoutMillis) * time.Millisecond,
		ThreadAgeLimit:    c.ThreadAgeLimit,
	}
}

// String returns a formatted string representation of the configuration
func (c *TransportConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Listener settings
	addSection("Listeners")
	addField("Bind IP", c.BindIP)
	addField("Port", strconv.Itoa(c.Port))
	addField("IPv6", fmt.Sprintf("%t", c.IPv6))
	addField("Unix Sockets", fmt.Sprintf("%t", c.UseUnixSockets))
	if c.UseUnixSockets {
		addField("Unix Socket Path", c.UnixSocketPath)
	}
	addField("Backlog", strconv.Itoa(c.Backlog))

	// Framing
	addSection("Framing")
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSizeBytes))

	// Executor
	addSection("Service Executor")
	addField("Reserve Threads", strconv.Itoa(c.ReserveThreads))
	addField("Thread Idle Timeout", fmt.Sprintf("%d ms", c.ThreadIdleTimeoutMillis))
	addField("Thread Age Limit", strconv.Itoa(c.ThreadAgeLimit))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int64
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	return sb.String()
}
