// Package mcp manages client connections to upstream Model Context Protocol
// servers: transport setup, capability negotiation, tool and prompt access,
// and automatic reconnection with backoff.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport types
const (
	TransportSSE   = "sse"
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ClientName is reported to servers during initialization
const ClientName = "threadloom"

// ClientVersion is reported to servers during initialization
var ClientVersion = "0.1.0"

// ParentMessageMetaKey carries the id of the thread message that triggered a
// tool call. Servers echo it on sampling requests made during that call.
const ParentMessageMetaKey = "threadloom/parentMessageId"

var (
	// ErrConnectionClosed reports that the upstream transport went away
	ErrConnectionClosed = errors.New("mcp connection closed")
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("mcp connection disposed")
	// ErrNotConnected is returned when no session is currently established
	ErrNotConnected = errors.New("mcp connection not established")
	// ErrInvalidToolSchema is returned when a listed tool's input schema is not an object
	ErrInvalidToolSchema = errors.New("tool input schema must be of type object")
	// ErrCapabilityNotAdvertised is matched by *CapabilityError
	ErrCapabilityNotAdvertised = errors.New("capability was not advertised at connect time")
	// ErrHandlerRemoved is returned to the server when a handler was cleared after connect
	ErrHandlerRemoved = errors.New("handler no longer registered")
	// ErrSessionNotFound means the server no longer knows a resumed session id
	ErrSessionNotFound = errors.New("mcp session not found on server")
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Name        string            `json:"name"`
	Transport   string            `json:"transport"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearerToken,omitempty"`
	// SessionID resumes an existing server session on first connect
	SessionID string        `json:"sessionId,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// ConnectionState is the lifecycle position of a Connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// SamplingHandler answers sampling/createMessage requests from the server
type SamplingHandler func(ctx context.Context, req *sdk.CreateMessageRequest) (*sdk.CreateMessageResult, error)

// ElicitationHandler answers elicitation/create requests from the server
type ElicitationHandler func(ctx context.Context, req *sdk.ElicitRequest) (*sdk.ElicitResult, error)

// Handlers are the server-initiated request handlers. A capability is
// advertised only when its handler is non-nil at construction.
type Handlers struct {
	Sampling    SamplingHandler
	Elicitation ElicitationHandler
}

// Capabilities records what was advertised to the server
type Capabilities struct {
	Sampling    bool `json:"sampling"`
	Elicitation bool `json:"elicitation"`
}

func capabilitiesOf(h Handlers) Capabilities {
	return Capabilities{
		Sampling:    h.Sampling != nil,
		Elicitation: h.Elicitation != nil,
	}
}

// CapabilityError is returned when a handler is supplied for a capability
// that was not advertised when the connection was created.
type CapabilityError struct {
	Server     string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("mcp server %q: cannot register %s handler: capability was not advertised at connect time", e.Server, e.Capability)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityNotAdvertised
}

// ReconnectOptions controls a manual reconnect
type ReconnectOptions struct {
	// NewSession drops the current session id instead of resuming it
	NewSession bool
	// ReportCloseErrors logs failures closing the old session at warn level
	ReportCloseErrors bool
}

// ReconnectObserver is notified after every reconnect attempt
type ReconnectObserver func(server string, automatic bool, err error)
