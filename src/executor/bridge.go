package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/stream"
	"github.com/elee1766/threadloom/src/thread"
)

// turnWriter persists one assistant message fed by cumulative decisions and
// emits a delta per decision. The first decision becomes a placeholder row,
// later ones rewrite it, and the last one finalizes it under the tail guard.
type turnWriter struct {
	store    Store
	threadID string
	cursor   *thread.Cursor
	queue    *stream.Queue[thread.Delta]
	logger   *slog.Logger

	placeholder *thread.Message
	// tail observed before the placeholder was appended
	before thread.MessageRef
}

// streamDecisions drains ds, holding one decision back so that only the last
// emitted delta can carry a tool call. It returns the finalized message.
func (w *turnWriter) streamDecisions(ctx context.Context, ds aisdk.DecisionStream) (*thread.Message, error) {
	defer ds.Close()

	var pending *aisdk.Decision
	for {
		d, err := ds.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decision stream: %w", err)
		}
		if d == nil {
			continue
		}
		if pending != nil {
			if _, err := w.write(ctx, pending, false); err != nil {
				return nil, err
			}
		}
		pending = d
	}
	if pending == nil {
		return nil, ErrEmptyDecisionStream
	}
	return w.write(ctx, pending, true)
}

func (w *turnWriter) write(ctx context.Context, d *aisdk.Decision, final bool) (*thread.Message, error) {
	m := decisionMessage(w.threadID, d, final)

	switch {
	case w.placeholder == nil:
		before := w.cursor.Get()
		if err := w.store.AppendMessage(ctx, before, m); err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}
		w.before = before
		w.placeholder = m
		w.cursor.Set(m.Ref())
	case !final:
		m.ID, m.CreatedAt = w.placeholder.ID, w.placeholder.CreatedAt
		if err := w.store.UpdateMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("update assistant message: %w", err)
		}
	default:
		m.ID, m.CreatedAt = w.placeholder.ID, w.placeholder.CreatedAt
		if err := w.store.FinalizeMessage(ctx, w.before, m); err != nil {
			return nil, fmt.Errorf("finalize assistant message: %w", err)
		}
	}

	w.emit(thread.Delta{Message: m.Clone(), Stage: thread.StageStreamingResponse})
	return m, nil
}

func (w *turnWriter) emit(d thread.Delta) {
	if err := w.queue.Push(d); err != nil {
		w.logger.Debug("dropping delta", "error", err)
	}
}

// decisionMessage maps a decision to an assistant message. The tool call is
// only copied onto the final message.
func decisionMessage(threadID string, d *aisdk.Decision, final bool) *thread.Message {
	m := &thread.Message{
		ThreadID:       threadID,
		Role:           thread.RoleAssistant,
		Content:        []thread.ContentPart{thread.TextPart(d.Message)},
		ComponentState: d.ComponentState,
	}
	if d.ComponentName != "" {
		m.ComponentDecision = d.ComponentDecision()
	}
	if final && d.ToolCallRequest != nil {
		m.ToolCallRequest = d.ToolCallRequest
		m.ToolCallID = d.ToolCallID
		if m.ToolCallID == "" {
			m.ToolCallID = uuid.NewString()
		}
		m.ActionType = thread.ActionToolCall
	}
	return m
}
