// Package agent resolves and runs tool calls requested by the model, over
// MCP servers and locally registered tools.
package agent

import (
	"context"

	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/elee1766/threadloom/src/thread"
)

// Tool is the interface that all tools must implement
type Tool interface {
	// GetName returns the tool's name
	GetName() string

	// GetDescription returns the tool's description
	GetDescription() string

	// GetParameters returns the JSON schema for the tool's parameters
	GetParameters() *jsonschema.Schema

	// Execute runs the tool. The result is either a string, content parts,
	// an MCP call result or any JSON value; see NormalizeResult.
	Execute(ctx context.Context, call *Call) (any, error)
}

// Call is one tool invocation
type Call struct {
	// ID correlates the call with the assistant message that requested it
	ID      string
	Request *thread.ToolCallRequest
	// ParentMessageID is the thread message the call belongs to
	ParentMessageID string
}

// Name returns the requested tool name
func (c *Call) Name() string {
	return c.Request.ToolName
}
