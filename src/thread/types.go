// Package thread defines the conversational thread model shared by storage,
// the generation engine and the MCP bridges.
package thread

import (
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ActionType marks messages that take part in a tool round trip
type ActionType string

const (
	ActionNone         ActionType = ""
	ActionToolCall     ActionType = "tool_call"
	ActionToolResponse ActionType = "tool_response"
)

// Thread is a conversation owned by a project
type Thread struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"projectId"`
	ContextKey      *string         `json:"contextKey,omitempty"`
	GenerationStage GenerationStage `json:"generationStage"`
	StatusMessage   string          `json:"statusMessage"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ComponentDecision is the UI component chosen (or hydrated) for a message
type ComponentDecision struct {
	ComponentName  string         `json:"componentName,omitempty"`
	Props          map[string]any `json:"props,omitempty"`
	Message        string         `json:"message"`
	ComponentState map[string]any `json:"componentState,omitempty"`
}

// ToolParameter is a single named argument of a tool call
type ToolParameter struct {
	ParameterName  string `json:"parameterName"`
	ParameterValue any    `json:"parameterValue"`
}

// ToolCallRequest asks for a tool to be invoked with the given parameters
type ToolCallRequest struct {
	ToolName   string          `json:"toolName"`
	Parameters []ToolParameter `json:"parameters"`
}

// Arguments flattens the name/value pairs into a plain argument map.
// Later duplicates win.
func (r *ToolCallRequest) Arguments() map[string]any {
	args := make(map[string]any, len(r.Parameters))
	for _, p := range r.Parameters {
		args[p.ParameterName] = p.ParameterValue
	}
	return args
}

// Message is one entry of a thread's append-only log
type Message struct {
	ID                string             `json:"id"`
	ThreadID          string             `json:"threadId"`
	Role              Role               `json:"role"`
	Content           []ContentPart      `json:"content"`
	ComponentDecision *ComponentDecision `json:"component,omitempty"`
	ToolCallRequest   *ToolCallRequest   `json:"toolCallRequest,omitempty"`
	ToolCallID        string             `json:"tool_call_id,omitempty"`
	ActionType        ActionType         `json:"actionType,omitempty"`
	ComponentState    map[string]any     `json:"componentState"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// Ref returns the identity of m as seen by the consistency guard
func (m *Message) Ref() MessageRef {
	return MessageRef{ID: m.ID, CreatedAt: m.CreatedAt}
}

// Text joins the text parts of the message
func (m *Message) Text() string {
	return JoinText(m.Content)
}

// Clone returns a copy of m that shares no slices with the original.
// Maps inside the component decision and props are shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Content = append([]ContentPart(nil), m.Content...)
	if m.ComponentDecision != nil {
		d := *m.ComponentDecision
		c.ComponentDecision = &d
	}
	if m.ToolCallRequest != nil {
		r := *m.ToolCallRequest
		r.Parameters = append([]ToolParameter(nil), m.ToolCallRequest.Parameters...)
		c.ToolCallRequest = &r
	}
	return &c
}

// MessageRef identifies a message by id and exact creation time
type MessageRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether both refs name the same row. A resurrected or
// duplicated row with the same id but a different timestamp does not match.
func (r MessageRef) Matches(o MessageRef) bool {
	return r.ID == o.ID && r.CreatedAt.Equal(o.CreatedAt)
}

// IsZero reports whether r is unset
func (r MessageRef) IsZero() bool {
	return r.ID == "" && r.CreatedAt.IsZero()
}
