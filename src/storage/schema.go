package storage

import (
	"github.com/elee1766/threadloom/src/thread"
)

type threadRow struct {
	ID              string  `db:"id"`
	ProjectID       string  `db:"project_id"`
	ContextKey      *string `db:"context_key"`
	GenerationStage string  `db:"generation_stage"`
	StatusMessage   string  `db:"status_message"`
	CreatedAt       int64   `db:"created_at"`
	UpdatedAt       int64   `db:"updated_at"`
}

const threadColumns = `id, project_id, context_key, generation_stage, status_message, created_at, updated_at`

func (r *threadRow) toThread() (*thread.Thread, error) {
	stage, err := thread.ParseStage(r.GenerationStage)
	if err != nil {
		return nil, err
	}
	return &thread.Thread{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		ContextKey:      r.ContextKey,
		GenerationStage: stage,
		StatusMessage:   r.StatusMessage,
		CreatedAt:       fromMicros(r.CreatedAt),
		UpdatedAt:       fromMicros(r.UpdatedAt),
	}, nil
}

type messageRow struct {
	ID                string                         `db:"id"`
	ThreadID          string                         `db:"thread_id"`
	Role              string                         `db:"role"`
	Content           JSON[[]thread.ContentPart]     `db:"content"`
	ComponentDecision JSON[thread.ComponentDecision] `db:"component_decision"`
	ToolCallRequest   JSON[thread.ToolCallRequest]   `db:"tool_call_request"`
	ToolCallID        *string                        `db:"tool_call_id"`
	ActionType        *string                        `db:"action_type"`
	ComponentState    JSON[map[string]any]           `db:"component_state"`
	CreatedAt         int64                          `db:"created_at"`
}

const messageColumns = `id, thread_id, role, content, component_decision, tool_call_request, tool_call_id, action_type, component_state, created_at`

func (r *messageRow) toMessage() *thread.Message {
	m := &thread.Message{
		ID:                r.ID,
		ThreadID:          r.ThreadID,
		Role:              thread.Role(r.Role),
		Content:           r.Content.V,
		ComponentDecision: r.ComponentDecision.Ptr(),
		ToolCallRequest:   r.ToolCallRequest.Ptr(),
		ComponentState:    r.ComponentState.V,
		CreatedAt:         fromMicros(r.CreatedAt),
	}
	if m.Content == nil {
		m.Content = []thread.ContentPart{}
	}
	if m.ComponentState == nil {
		m.ComponentState = map[string]any{}
	}
	if r.ToolCallID != nil {
		m.ToolCallID = *r.ToolCallID
	}
	if r.ActionType != nil {
		m.ActionType = thread.ActionType(*r.ActionType)
	}
	return m
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
