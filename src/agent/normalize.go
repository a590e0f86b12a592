package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/thread"
)

var (
	// ErrToolResponseEmpty is returned when a tool produced no content
	ErrToolResponseEmpty = errors.New("no response content from tool")
	// ErrToolNotFound is returned when no source offers the requested tool
	ErrToolNotFound = errors.New("tool not found")
)

// NormalizeResult turns a tool result into thread content. A string becomes
// one text part, an MCP result's content is converted item by item, and
// anything else is rendered as JSON text. An empty result is an error.
func NormalizeResult(logger *slog.Logger, result any) ([]thread.ContentPart, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch r := result.(type) {
	case nil:
		return nil, ErrToolResponseEmpty
	case string:
		return []thread.ContentPart{thread.TextPart(r)}, nil
	case []thread.ContentPart:
		if len(r) == 0 {
			return nil, ErrToolResponseEmpty
		}
		return r, nil
	case *sdk.CallToolResult:
		if r == nil || len(r.Content) == 0 {
			return nil, ErrToolResponseEmpty
		}
		if r.IsError {
			logger.Warn("tool reported an error result")
		}
		return mcp.ContentParts(logger, r.Content), nil
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool result: %w", err)
		}
		return []thread.ContentPart{thread.TextPart(string(data))}, nil
	}
}
