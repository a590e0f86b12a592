package executor

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/threadloom/src/agent"
	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/mcp/mcptest"
	"github.com/elee1766/threadloom/src/sampling"
	"github.com/elee1766/threadloom/src/storage"
	"github.com/elee1766/threadloom/src/stream"
	"github.com/elee1766/threadloom/src/thread"
)

// scriptedBackend answers each decision request with the next script entry
type scriptedBackend struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, req *aisdk.DecisionRequest) (aisdk.DecisionStream, error)
	requests []*aisdk.DecisionRequest
	complete string
}

func (b *scriptedBackend) StreamDecisions(ctx context.Context, req *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	if len(b.script) == 0 {
		b.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	next := b.script[0]
	b.script = b.script[1:]
	b.mu.Unlock()
	return next(ctx, req)
}

func (b *scriptedBackend) Complete(ctx context.Context, req *aisdk.CompletionRequest) (*aisdk.Completion, error) {
	return &aisdk.Completion{Content: &b.complete, Model: "scripted"}, nil
}

func decisions(ds ...*aisdk.Decision) func(context.Context, *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
	return func(context.Context, *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
		return &aisdk.SliceStream{Items: ds}, nil
	}
}

func weatherCall() *thread.ToolCallRequest {
	return &thread.ToolCallRequest{
		ToolName:   "weather",
		Parameters: []thread.ToolParameter{{ParameterName: "city", ParameterValue: "Oslo"}},
	}
}

type cityInput struct {
	City string `json:"city" required:"true"`
}

type fixture struct {
	db      *storage.DB
	svc     *Service
	backend *scriptedBackend
	toolbox *agent.Toolbox
	thread  *thread.Thread
}

func newFixture(t *testing.T, cfg ServiceConfig) *fixture {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	th := &thread.Thread{ProjectID: "proj"}
	require.NoError(t, db.CreateThread(context.Background(), th))

	f := &fixture{db: db, backend: &scriptedBackend{}, thread: th}
	if cfg.Toolbox == nil {
		cfg.Toolbox = agent.NewToolbox(nil)
	}
	f.toolbox = cfg.Toolbox
	cfg.Store = db
	cfg.Backend = f.backend
	cfg.Clock = clockwork.NewFakeClock()
	f.svc, err = NewService(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(text string) AdvanceRequest {
	return AdvanceRequest{ThreadID: f.thread.ID, Content: []thread.ContentPart{thread.TextPart(text)}}
}

func (f *fixture) stage(t *testing.T) *thread.Thread {
	t.Helper()
	th, err := f.db.GetThread(context.Background(), f.thread.ID)
	require.NoError(t, err)
	return th
}

func drain(t *testing.T, q *stream.Queue[thread.Delta]) ([]thread.Delta, error) {
	t.Helper()
	var out []thread.Delta
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		d, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}

func TestAdvanceSimpleTurn(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.backend.script = append(f.backend.script, decisions(&aisdk.Decision{Message: "hello there"}))

	r, err := f.svc.Begin(context.Background(), f.advance("hi"))
	require.NoError(t, err)
	assert.Equal(t, thread.StageChoosingComponent, f.stage(t).GenerationStage)
	assert.Same(t, r, f.svc.Active(f.thread.ID))

	msg, err := r.Execute()
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Text())
	assert.Equal(t, thread.StageComplete, f.stage(t).GenerationStage)
	assert.Nil(t, f.svc.Active(f.thread.ID))

	msgs, err := f.db.ListMessages(context.Background(), f.thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.RoleUser, msgs[0].Role)
	assert.Equal(t, thread.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Text())

	deltas, err := drain(t, r.Deltas())
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, thread.StageStreamingResponse, deltas[0].Stage)
}

func TestToolCallWithheldUntilLastDelta(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	require.NoError(t, f.toolbox.RegisterTool(agent.MustNewGenericTool("weather", "weather",
		func(ctx context.Context, in cityInput) (string, error) { return "sunny in " + in.City, nil })))

	f.backend.script = append(f.backend.script,
		decisions(
			&aisdk.Decision{Message: "Let", ToolCallRequest: nil},
			&aisdk.Decision{Message: "Let me", ToolCallRequest: nil},
			&aisdk.Decision{Message: "Let me check", ToolCallRequest: weatherCall(), ToolCallID: "call-1"},
		),
		decisions(&aisdk.Decision{Message: "It is sunny", ComponentName: "Weather", Props: map[string]any{"city": "Oslo"}}),
	)

	r, err := f.svc.Begin(context.Background(), f.advance("weather?"))
	require.NoError(t, err)
	msg, err := r.Execute()
	require.NoError(t, err)
	assert.Equal(t, "It is sunny", msg.Text())
	require.NotNil(t, msg.ComponentDecision)
	assert.Equal(t, "Weather", msg.ComponentDecision.ComponentName)

	deltas, err := drain(t, r.Deltas())
	require.NoError(t, err)
	require.Len(t, deltas, 5)
	assert.Nil(t, deltas[0].Message.ToolCallRequest)
	assert.Nil(t, deltas[1].Message.ToolCallRequest)
	require.NotNil(t, deltas[2].Message.ToolCallRequest)
	assert.Equal(t, "call-1", deltas[2].Message.ToolCallID)
	assert.Equal(t, thread.ActionToolResponse, deltas[3].Message.ActionType)
	assert.Equal(t, thread.StageFetchingContext, deltas[3].Stage)
	assert.Equal(t, "It is sunny", deltas[4].Message.Text())

	// placeholder rewritten in place: one assistant row per round
	msgs, err := f.db.ListMessages(context.Background(), f.thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Let me check", msgs[1].Text())
	assert.Equal(t, thread.ActionToolCall, msgs[1].ActionType)
	assert.Equal(t, "sunny in Oslo", msgs[2].Text())
	assert.Equal(t, "call-1", msgs[2].ToolCallID)

	require.Len(t, f.backend.requests, 2)
	assert.False(t, f.backend.requests[0].Hydrating)
	assert.True(t, f.backend.requests[1].Hydrating)
	assert.Len(t, f.backend.requests[1].Messages, 3)
	assert.Len(t, f.backend.requests[0].Tools, 1)
}

func TestEmptyToolResponseFailsTurn(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	require.NoError(t, f.toolbox.RegisterTool(agent.MustNewGenericTool("weather", "weather",
		func(ctx context.Context, in cityInput) ([]thread.ContentPart, error) { return nil, nil })))
	// remote servers may answer with an empty content list
	f.toolbox.RegisterMiddleware(func(next agent.ToolExecutor) agent.ToolExecutor {
		return func(ctx context.Context, tool agent.Tool, call *agent.Call) (any, error) {
			return &sdk.CallToolResult{Content: []sdk.Content{}}, nil
		}
	})
	f.backend.script = append(f.backend.script,
		decisions(&aisdk.Decision{Message: "checking", ToolCallRequest: weatherCall()}))

	r, err := f.svc.Begin(context.Background(), f.advance("weather?"))
	require.NoError(t, err)
	_, err = r.Execute()
	require.ErrorIs(t, err, agent.ErrToolResponseEmpty)

	th := f.stage(t)
	assert.Equal(t, thread.StageError, th.GenerationStage)
	assert.Contains(t, th.StatusMessage, "no response content")

	_, err = drain(t, r.Deltas())
	assert.ErrorIs(t, err, agent.ErrToolResponseEmpty)
	assert.Len(t, f.backend.requests, 1)
}

func TestBusyThreadRejected(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.backend.script = append(f.backend.script, decisions(&aisdk.Decision{Message: "done"}))

	r, err := f.svc.Begin(context.Background(), f.advance("first"))
	require.NoError(t, err)

	_, err = f.svc.Begin(context.Background(), f.advance("second"))
	require.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	_, err = r.Execute()
	require.NoError(t, err)
	msgs, err := f.db.ListMessages(context.Background(), f.thread.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// a finished thread admits the next turn
	f.backend.script = append(f.backend.script, decisions(&aisdk.Decision{Message: "again"}))
	_, err = f.svc.Advance(context.Background(), f.advance("third"))
	require.NoError(t, err)
}

func TestBusyWhileFetchingContext(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.toolbox.RegisterTool(agent.MustNewGenericTool("weather", "weather",
		func(ctx context.Context, in cityInput) (string, error) {
			close(entered)
			<-release
			return "rain in " + in.City, nil
		})))
	f.backend.script = append(f.backend.script,
		decisions(&aisdk.Decision{Message: "checking", ToolCallRequest: weatherCall(), ToolCallID: "call-1"}),
		decisions(&aisdk.Decision{Message: "It rains"}),
	)

	r, err := f.svc.Begin(context.Background(), f.advance("weather?"))
	require.NoError(t, err)
	r.Deltas().Close()
	r.Start()
	<-entered

	assert.Equal(t, thread.StageFetchingContext, f.stage(t).GenerationStage)
	_, err = f.svc.Begin(context.Background(), f.advance("second"))
	require.ErrorIs(t, err, storage.ErrAlreadyProcessing)

	close(release)
	msg, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "It rains", msg.Text())

	msgs, err := f.db.ListMessages(context.Background(), f.thread.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
	assert.Nil(t, f.svc.Active(f.thread.ID))
}

func TestStaleLastObservedRejected(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.backend.script = append(f.backend.script, decisions(&aisdk.Decision{Message: "one"}))
	first, err := f.svc.Advance(context.Background(), f.advance("hi"))
	require.NoError(t, err)

	stale := thread.MessageRef{ID: first.ID, CreatedAt: first.CreatedAt.Add(time.Millisecond)}
	req := f.advance("again")
	req.LastObserved = &stale
	_, err = f.svc.Begin(context.Background(), req)
	require.ErrorIs(t, err, storage.ErrConsistencyViolation)

	msgs, err := f.db.ListMessages(context.Background(), f.thread.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, thread.StageComplete, f.stage(t).GenerationStage)

	ok := first.Ref()
	req.LastObserved = &ok
	f.backend.script = append(f.backend.script, decisions(&aisdk.Decision{Message: "two"}))
	_, err = f.svc.Advance(context.Background(), req)
	require.NoError(t, err)
}

func TestMaxToolRounds(t *testing.T) {
	f := newFixture(t, ServiceConfig{MaxToolRounds: 1})
	require.NoError(t, f.toolbox.RegisterTool(agent.MustNewGenericTool("weather", "weather",
		func(ctx context.Context, in cityInput) (string, error) { return "sunny", nil })))
	loop := decisions(&aisdk.Decision{Message: "again", ToolCallRequest: weatherCall()})
	f.backend.script = append(f.backend.script, loop, loop, loop)

	_, err := f.svc.Advance(context.Background(), f.advance("weather?"))
	require.ErrorIs(t, err, ErrMaxToolRoundsExceeded)
	assert.Equal(t, thread.StageError, f.stage(t).GenerationStage)
	assert.Len(t, f.backend.requests, 2)
}

func TestBackendStreamError(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	boom := errors.New("model overloaded")
	f.backend.script = append(f.backend.script, func(context.Context, *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
		return &aisdk.SliceStream{Items: []*aisdk.Decision{{Message: "par"}}, Err: boom}, nil
	})

	r, err := f.svc.Begin(context.Background(), f.advance("hi"))
	require.NoError(t, err)
	r.Start()
	deltas, err := drain(t, r.Deltas())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, deltas)
	assert.Equal(t, thread.StageError, f.stage(t).GenerationStage)

	_, err = f.svc.Advance(context.Background(), AdvanceRequest{ThreadID: f.thread.ID})
	assert.ErrorIs(t, err, ErrMessageRequired)
}

func TestRunSurvivesConsumerDisconnect(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	release := make(chan struct{})
	f.backend.script = append(f.backend.script, func(ctx context.Context, _ *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
		<-release
		return aisdk.Single(&aisdk.Decision{Message: "late answer"}), nil
	})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	r, err := f.svc.Begin(reqCtx, f.advance("hi"))
	require.NoError(t, err)
	r.Start()

	// client goes away
	cancelReq()
	r.Deltas().Close()
	close(release)

	msg, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late answer", msg.Text())
	assert.Equal(t, thread.StageComplete, f.stage(t).GenerationStage)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	started := make(chan struct{})
	f.backend.script = append(f.backend.script, func(ctx context.Context, _ *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r, err := f.svc.Begin(context.Background(), f.advance("hi"))
	require.NoError(t, err)
	r.Start()
	<-started

	th, err := f.svc.Cancel(context.Background(), f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StageError, th.GenerationStage)
	assert.Equal(t, "cancelled", th.StatusMessage)
	assert.Equal(t, "cancelled", f.stage(t).StatusMessage)

	_, err = r.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)

	// nothing to cancel on a finished thread
	th, err = f.svc.Cancel(context.Background(), f.thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StageError, th.GenerationStage)
}

type askArgs struct {
	Text string `json:"text"`
}

func TestSamplingDuringToolCall(t *testing.T) {
	srv := mcptest.NewServer("mem")
	sdk.AddTool(srv.Server, &sdk.Tool{Name: "ask", Description: "ask the client model"},
		func(ctx context.Context, req *sdk.CallToolRequest, in askArgs) (*sdk.CallToolResult, any, error) {
			res, err := req.Session.CreateMessage(ctx, &sdk.CreateMessageParams{
				Meta:      req.Params.Meta,
				MaxTokens: 10,
				Messages:  []*sdk.SamplingMessage{{Role: "user", Content: &sdk.TextContent{Text: in.Text}}},
			})
			if err != nil {
				return nil, nil, err
			}
			return &sdk.CallToolResult{Content: []sdk.Content{
				&sdk.TextContent{Text: "answer: " + res.Content.(*sdk.TextContent).Text},
			}}, nil, nil
		})

	db, err := storage.Open(storage.DriverSQLite, filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	defer db.Close()
	th := &thread.Thread{ProjectID: "proj"}
	require.NoError(t, db.CreateThread(context.Background(), th))

	backend := &scriptedBackend{complete: "forty-two"}
	bridge := sampling.New(sampling.Options{Backend: backend, Store: db})
	mgr := mcp.NewManager(mcp.Options{Handlers: bridge.Handlers(), Clock: clockwork.NewFakeClock(), Dialer: srv})
	defer mgr.Close()
	_, err = mgr.AddServer(context.Background(), mcp.ServerConfig{Name: "mem"})
	require.NoError(t, err)

	tb := agent.NewToolbox(nil)
	require.NoError(t, tb.RefreshFrom(context.Background(), mgr))

	svc, err := NewService(ServiceConfig{Store: db, Backend: backend, Toolbox: tb, Sampling: bridge})
	require.NoError(t, err)
	backend.script = append(backend.script,
		decisions(&aisdk.Decision{Message: "asking", ToolCallRequest: &thread.ToolCallRequest{
			ToolName:   "ask",
			Parameters: []thread.ToolParameter{{ParameterName: "text", ParameterValue: "meaning?"}},
		}}),
		decisions(&aisdk.Decision{Message: "The answer is forty-two"}),
	)

	msg, err := svc.Advance(context.Background(), AdvanceRequest{
		ThreadID: th.ID,
		Content:  []thread.ContentPart{thread.TextPart("go")},
	})
	require.NoError(t, err)
	assert.Equal(t, "The answer is forty-two", msg.Text())

	msgs, err := db.ListMessages(context.Background(), th.ID)
	require.NoError(t, err)
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text())
	}
	assert.Equal(t, []string{"go", "asking", "meaning?", "forty-two", "answer: forty-two", "The answer is forty-two"}, texts)
}
