// Package aisdk defines the contract between the generation engine and the
// language model backend.
package aisdk

import (
	"encoding/json"

	jsonschema "github.com/swaggest/jsonschema-go"

	"github.com/elee1766/threadloom/src/thread"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    thread.Role          `json:"role"`
	Content []thread.ContentPart `json:"content"`
	// ToolCallID is required for tool responses to reference the original call
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls contains function calls requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Text joins the text parts of the message
func (m *Message) Text() string {
	return thread.JoinText(m.Content)
}

// ToolCall represents a function call request from the model (OpenAI format).
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // Always "function" for now
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"` // JSON Schema for parameters
}

// CompletionRequest is a plain, non-streaming completion
type CompletionRequest struct {
	Messages []*Message `json:"messages"`
	// PromptTemplate names the server-side prompt to apply, if the backend has one
	PromptTemplate string         `json:"promptTemplate,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	MaxTokens      int            `json:"maxTokens,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Completion is the result of a CompletionRequest. Content is nil when the
// model returned nothing.
type Completion struct {
	Content *string `json:"content"`
	Model   string  `json:"model"`
}

// DecisionRequest asks the backend for the next step of a turn
type DecisionRequest struct {
	ThreadID   string            `json:"threadId"`
	ContextKey string            `json:"contextKey,omitempty"`
	Messages   []*Message        `json:"messages"`
	Tools      []*ToolDefinition `json:"tools,omitempty"`
	// Hydrating is set when the previous step returned tool output
	Hydrating bool `json:"hydrating"`
}

// Decision is a cumulative snapshot of the backend's choice. Each item of a
// decision stream carries the whole message so far, not a diff.
type Decision struct {
	Message         string                  `json:"message"`
	ComponentName   string                  `json:"componentName,omitempty"`
	Props           map[string]any          `json:"props,omitempty"`
	ComponentState  map[string]any          `json:"componentState,omitempty"`
	ToolCallRequest *thread.ToolCallRequest `json:"toolCallRequest,omitempty"`
	ToolCallID      string                  `json:"toolCallId,omitempty"`
}

// ComponentDecision returns the UI component part of d
func (d *Decision) ComponentDecision() *thread.ComponentDecision {
	return &thread.ComponentDecision{
		ComponentName:  d.ComponentName,
		Props:          d.Props,
		Message:        d.Message,
		ComponentState: d.ComponentState,
	}
}

// FromThread converts persisted messages into backend messages. Tool call
// requests are carried as OpenAI style tool calls.
func FromThread(msgs []*thread.Message) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		am := &Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.ActionType == thread.ActionToolCall && m.ToolCallRequest != nil {
			args, _ := json.Marshal(m.ToolCallRequest.Arguments())
			am.ToolCalls = []ToolCall{{
				ID:   m.ToolCallID,
				Type: "function",
				Function: FunctionCall{
					Name:      m.ToolCallRequest.ToolName,
					Arguments: args,
				},
			}}
			am.ToolCallID = ""
		}
		if m.ActionType == thread.ActionToolResponse {
			am.Role = thread.RoleTool
		}
		out = append(out, am)
	}
	return out
}
