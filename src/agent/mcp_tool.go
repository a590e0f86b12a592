package agent

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/elee1766/threadloom/src/mcp"
)

// ToolSource lists and calls tools on one upstream server. *mcp.Connection
// implements it.
type ToolSource interface {
	Name() string
	ListTools(ctx context.Context) ([]*sdk.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, opts ...mcp.CallOption) (*sdk.CallToolResult, error)
}

var _ ToolSource = (*mcp.Connection)(nil)

// MCPTool is a tool hosted on an MCP server
type MCPTool struct {
	Source ToolSource
	Tool   *sdk.Tool
	schema *jsonschema.Schema
}

// NewMCPTool wraps t, converting its input schema for the model
func NewMCPTool(src ToolSource, t *sdk.Tool) (*MCPTool, error) {
	m, err := mcp.SchemaMap(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.Name, err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", t.Name, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("tool %s: failed to decode schema: %w", t.Name, err)
	}
	return &MCPTool{Source: src, Tool: t, schema: &schema}, nil
}

func (t *MCPTool) GetName() string {
	return t.Tool.Name
}

func (t *MCPTool) GetDescription() string {
	return t.Tool.Description
}

func (t *MCPTool) GetParameters() *jsonschema.Schema {
	return t.schema
}

// Execute calls the tool upstream, passing the parent message id in the
// request metadata.
func (t *MCPTool) Execute(ctx context.Context, call *Call) (any, error) {
	var opts []mcp.CallOption
	if call.ParentMessageID != "" {
		opts = append(opts, mcp.WithMeta(mcp.ParentMessageMetaKey, call.ParentMessageID))
	}
	res, err := t.Source.CallTool(ctx, t.Tool.Name, call.Request.Arguments(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", t.Source.Name(), t.Tool.Name, err)
	}
	return res, nil
}

var _ Tool = (*MCPTool)(nil)
