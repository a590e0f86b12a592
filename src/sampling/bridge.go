// Package sampling answers server initiated MCP requests: sampling runs a
// completion on the backend and records the exchange on the thread that
// triggered the tool call; elicitation is declared but not supported.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/metrics"
	"github.com/elee1766/threadloom/src/stream"
	"github.com/elee1766/threadloom/src/thread"
)

// ErrElicitationNotImplemented is returned for every elicitation request
var ErrElicitationNotImplemented = errors.New("elicitation is not implemented")

// Appender persists a message after checking the thread tail.
// *storage.DB implements it.
type Appender interface {
	AppendMessage(ctx context.Context, expected thread.MessageRef, m *thread.Message) error
}

// Binding routes sampling requests for one parent message to its thread
type Binding struct {
	ThreadID string
	Cursor   *thread.Cursor
	Queue    *stream.Queue[thread.Delta]
}

// Options configures a Bridge
type Options struct {
	Backend aisdk.Backend
	Store   Appender
	// PromptTemplate is passed to the backend with every completion
	PromptTemplate string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Bridge implements the client side of sampling and elicitation
type Bridge struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
}

type binding struct {
	Binding
	// serializes writes for one parent message
	mu sync.Mutex
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		opts:     opts,
		logger:   logger.With("component", "sampling"),
		bindings: make(map[string]*binding),
	}
}

// Handlers returns the MCP handlers backed by b
func (b *Bridge) Handlers() mcp.Handlers {
	return mcp.Handlers{
		Sampling:    b.HandleCreateMessage,
		Elicitation: b.HandleElicitation,
	}
}

// Bind routes requests carrying parentMessageID to the given thread until
// the returned func is called.
func (b *Bridge) Bind(parentMessageID string, target Binding) (unbind func()) {
	bd := &binding{Binding: target}
	b.mu.Lock()
	b.bindings[parentMessageID] = bd
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		if b.bindings[parentMessageID] == bd {
			delete(b.bindings, parentMessageID)
		}
		b.mu.Unlock()
	}
}

func (b *Bridge) lookup(req *sdk.CreateMessageRequest) (*binding, string) {
	if req.Params == nil {
		return nil, ""
	}
	parent, _ := req.Params.GetMeta()[mcp.ParentMessageMetaKey].(string)
	if parent == "" {
		return nil, ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[parent], parent
}

// HandleCreateMessage converts the requested messages, records them on the
// bound thread one at a time, runs a completion and records the answer.
// Requests without a bound parent message are answered without persisting.
func (b *Bridge) HandleCreateMessage(ctx context.Context, req *sdk.CreateMessageRequest) (*sdk.CreateMessageResult, error) {
	res, err := b.createMessage(ctx, req)
	b.opts.Metrics.SamplingRequest(err)
	return res, err
}

func (b *Bridge) createMessage(ctx context.Context, req *sdk.CreateMessageRequest) (*sdk.CreateMessageResult, error) {
	if req.Params == nil {
		return nil, fmt.Errorf("sampling request has no params")
	}
	bd, parent := b.lookup(req)
	logger := b.logger.With("parent_message_id", parent, "messages", len(req.Params.Messages))
	if parent != "" && bd == nil {
		logger.Warn("no active turn for sampling request, not persisting")
	}

	if bd != nil {
		bd.mu.Lock()
		defer bd.mu.Unlock()
	}

	history := make([]*thread.Message, 0, len(req.Params.Messages)+1)
	for _, sm := range req.Params.Messages {
		m := &thread.Message{
			Role:    roleOf(sm.Role),
			Content: []thread.ContentPart{mcp.ContentPart(logger, sm.Content)},
		}
		if err := b.record(ctx, bd, m); err != nil {
			return nil, err
		}
		history = append(history, m)
	}

	creq := &aisdk.CompletionRequest{
		Messages:       aisdk.FromThread(history),
		PromptTemplate: b.opts.PromptTemplate,
		SystemPrompt:   req.Params.SystemPrompt,
		MaxTokens:      int(req.Params.MaxTokens),
	}
	if req.Params.Temperature != 0 {
		creq.Params = map[string]any{"temperature": req.Params.Temperature}
	}
	completion, err := b.opts.Backend.Complete(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("sampling completion: %w", err)
	}

	text := ""
	if completion.Content != nil {
		text = *completion.Content
	}
	answer := &thread.Message{
		Role:    thread.RoleAssistant,
		Content: []thread.ContentPart{thread.TextPart(text)},
	}
	if err := b.record(ctx, bd, answer); err != nil {
		return nil, err
	}

	logger.Debug("sampling request answered", "model", completion.Model)
	return &sdk.CreateMessageResult{
		Role:    "assistant",
		Content: &sdk.TextContent{Text: text},
		Model:   completion.Model,
	}, nil
}

// record persists m on the bound thread and pushes it to the stream
func (b *Bridge) record(ctx context.Context, bd *binding, m *thread.Message) error {
	if bd == nil {
		return nil
	}
	m.ThreadID = bd.ThreadID
	if err := b.opts.Store.AppendMessage(ctx, bd.Cursor.Get(), m); err != nil {
		return fmt.Errorf("persist sampling message: %w", err)
	}
	bd.Cursor.Set(m.Ref())
	if bd.Queue != nil {
		if err := bd.Queue.Push(thread.Delta{Message: m.Clone(), Stage: thread.StageStreamingResponse}); err != nil {
			b.logger.Debug("dropping sampling delta", "error", err)
		}
	}
	return nil
}

// HandleElicitation always fails: the capability is advertised so servers
// can detect it, but there is no user input surface behind it.
func (b *Bridge) HandleElicitation(ctx context.Context, req *sdk.ElicitRequest) (*sdk.ElicitResult, error) {
	b.logger.Warn("elicitation requested but not implemented")
	return nil, ErrElicitationNotImplemented
}

func roleOf(r sdk.Role) thread.Role {
	if r == "assistant" {
		return thread.RoleAssistant
	}
	return thread.RoleUser
}
