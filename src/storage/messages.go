package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/elee1766/threadloom/src/thread"
)

// AddMessage inserts m at the end of its thread. The id and createdAt are
// assigned here; createdAt is strictly after the current tail.
func AddMessage(ctx context.Context, h Handle, m *thread.Message) error {
	if !m.Role.Valid() {
		return fmt.Errorf("failed to add message: invalid role %q", m.Role)
	}
	if m.ID == "" {
		m.ID = GenerateID()
	}
	tail, err := RecentMessages(ctx, h, m.ThreadID, 1)
	if err != nil {
		return err
	}
	var last thread.MessageRef
	if len(tail) > 0 {
		last = tail[0].Ref()
	}
	m.CreatedAt = nextCreatedAt(last.CreatedAt)
	if m.Content == nil {
		m.Content = []thread.ContentPart{}
	}

	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = h.ExecContext(ctx, h.Dialect().Rebind(query),
		m.ID, m.ThreadID, string(m.Role),
		NewJSON(m.Content),
		NullJSON(m.ComponentDecision),
		NullJSON(m.ToolCallRequest),
		nullString(m.ToolCallID),
		nullString(string(m.ActionType)),
		componentState(m.ComponentState),
		toMicros(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

// UpdateMessage rewrites the mutable fields of m in place. The creation time
// is never changed.
func UpdateMessage(ctx context.Context, h Handle, m *thread.Message) error {
	query := `UPDATE messages SET content = ?, component_decision = ?, tool_call_request = ?, tool_call_id = ?, action_type = ?, component_state = ? WHERE id = ? AND thread_id = ?`
	res, err := h.ExecContext(ctx, h.Dialect().Rebind(query),
		NewJSON(nonNilContent(m.Content)),
		NullJSON(m.ComponentDecision),
		NullJSON(m.ToolCallRequest),
		nullString(m.ToolCallID),
		nullString(string(m.ActionType)),
		componentState(m.ComponentState),
		m.ID, m.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, m.ID)
	}
	return nil
}

// RecentMessages returns up to n messages, newest first
func RecentMessages(ctx context.Context, h Handle, threadID string, n int) ([]*thread.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	return selectMessages(ctx, h, query, threadID, n)
}

// ListMessages returns the thread's log, oldest first
func ListMessages(ctx context.Context, h Handle, threadID string) ([]*thread.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = ? ORDER BY created_at ASC, id ASC`
	return selectMessages(ctx, h, query, threadID)
}

// GetMessage retrieves a message by its ID
func GetMessage(ctx context.Context, h Handle, id string) (*thread.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	var row messageRow
	if err := sqlscan.Get(ctx, h, &row, h.Dialect().Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		}
		return nil, err
	}
	return row.toMessage(), nil
}

func selectMessages(ctx context.Context, h Handle, query string, args ...interface{}) ([]*thread.Message, error) {
	var rows []messageRow
	if err := sqlscan.Select(ctx, h, &rows, h.Dialect().Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*thread.Message, len(rows))
	for i := range rows {
		out[i] = rows[i].toMessage()
	}
	return out, nil
}

func nonNilContent(c []thread.ContentPart) []thread.ContentPart {
	if c == nil {
		return []thread.ContentPart{}
	}
	return c
}

func componentState(s map[string]any) JSON[map[string]any] {
	if s == nil {
		return JSON[map[string]any]{}
	}
	return NewJSON(s)
}
