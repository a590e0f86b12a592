package agent

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/thread"
)

type fakeSource struct {
	name    string
	tools   []*sdk.Tool
	listErr error
	result  *sdk.CallToolResult
	callErr error

	gotArgs map[string]any
	gotMeta sdk.Meta
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeSource) CallTool(ctx context.Context, name string, args map[string]any, opts ...mcp.CallOption) (*sdk.CallToolResult, error) {
	p := &sdk.CallToolParams{Name: name, Arguments: args}
	for _, o := range opts {
		o(p)
	}
	f.gotArgs = args
	f.gotMeta = p.Meta
	return f.result, f.callErr
}

func objectTool(name string) *sdk.Tool {
	return &sdk.Tool{
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		},
	}
}

func weatherCall() *Call {
	return &Call{
		ID:              "call-1",
		ParentMessageID: "msg-9",
		Request: &thread.ToolCallRequest{
			ToolName:   "weather",
			Parameters: []thread.ToolParameter{{ParameterName: "city", ParameterValue: "Oslo"}},
		},
	}
}

func TestToolboxInvokeMCP(t *testing.T) {
	src := &fakeSource{
		name:   "wx",
		tools:  []*sdk.Tool{objectTool("weather")},
		result: &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "sunny"}}},
	}
	tb := NewToolbox(nil)
	require.NoError(t, tb.Refresh(context.Background(), []ToolSource{src}))

	parts, err := tb.Invoke(context.Background(), weatherCall())
	require.NoError(t, err)
	assert.Equal(t, []thread.ContentPart{thread.TextPart("sunny")}, parts)
	assert.Equal(t, map[string]any{"city": "Oslo"}, src.gotArgs)
	assert.Equal(t, "msg-9", src.gotMeta[mcp.ParentMessageMetaKey])
}

func TestToolboxEmptyResultIsFatal(t *testing.T) {
	src := &fakeSource{
		name:   "wx",
		tools:  []*sdk.Tool{objectTool("weather")},
		result: &sdk.CallToolResult{Content: []sdk.Content{}},
	}
	tb := NewToolbox(nil)
	require.NoError(t, tb.Refresh(context.Background(), []ToolSource{src}))

	_, err := tb.Invoke(context.Background(), weatherCall())
	assert.ErrorIs(t, err, ErrToolResponseEmpty)
}

func TestToolboxCallErrorPropagates(t *testing.T) {
	boom := errors.New("upstream down")
	src := &fakeSource{name: "wx", tools: []*sdk.Tool{objectTool("weather")}, callErr: boom}
	tb := NewToolbox(nil)
	require.NoError(t, tb.Refresh(context.Background(), []ToolSource{src}))

	_, err := tb.Invoke(context.Background(), weatherCall())
	assert.ErrorIs(t, err, boom)
}

func TestToolboxNotFound(t *testing.T) {
	tb := NewToolbox(nil)
	_, err := tb.Invoke(context.Background(), weatherCall())
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestToolboxRefreshDuplicatesAndFailures(t *testing.T) {
	first := &fakeSource{name: "a", tools: []*sdk.Tool{objectTool("weather"), objectTool("time")}}
	second := &fakeSource{name: "b", tools: []*sdk.Tool{objectTool("weather"), objectTool("news")}}
	broken := &fakeSource{name: "c", listErr: errors.New("refused")}

	tb := NewToolbox(nil)
	err := tb.Refresh(context.Background(), []ToolSource{first, second, broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list tools on c")

	tool, ok := tb.GetTool("weather")
	require.True(t, ok)
	assert.Same(t, first, tool.(*MCPTool).Source)

	var names []string
	for _, d := range tb.Definitions() {
		names = append(names, d.Name)
		assert.NotNil(t, d.Parameters)
	}
	assert.Equal(t, []string{"news", "time", "weather"}, names)
}

func TestToolboxFilter(t *testing.T) {
	src := &fakeSource{name: "a", tools: []*sdk.Tool{objectTool("weather"), objectTool("admin_reset")}}
	tb := NewToolbox(nil)
	tb.SetFilter(func(name string) bool { return name != "admin_reset" })
	require.NoError(t, tb.Refresh(context.Background(), []ToolSource{src}))

	_, ok := tb.GetTool("admin_reset")
	assert.False(t, ok)
	_, ok = tb.GetTool("weather")
	assert.True(t, ok)
}

type cityInput struct {
	City string `json:"city" required:"true"`
}

func TestToolboxLocalToolShadowsRemote(t *testing.T) {
	src := &fakeSource{name: "wx", tools: []*sdk.Tool{objectTool("weather")}}
	tb := NewToolbox(nil)
	require.NoError(t, tb.Refresh(context.Background(), []ToolSource{src}))
	require.NoError(t, tb.RegisterTool(MustNewGenericTool("weather", "local weather",
		func(ctx context.Context, in cityInput) (string, error) {
			return "local " + in.City, nil
		})))
	assert.Error(t, tb.RegisterTool(MustNewGenericTool("weather", "again",
		func(ctx context.Context, in cityInput) (string, error) { return "", nil })))

	parts, err := tb.Invoke(context.Background(), weatherCall())
	require.NoError(t, err)
	assert.Equal(t, "local Oslo", parts[0].Text)
	assert.Len(t, tb.Tools(), 1)
}

func TestGenericToolRequired(t *testing.T) {
	tool := MustNewGenericTool("weather", "local weather",
		func(ctx context.Context, in cityInput) (map[string]string, error) {
			return map[string]string{"city": in.City}, nil
		})
	assert.Equal(t, []string{"city"}, tool.GetParameters().Required)

	_, err := tool.Execute(context.Background(), &Call{Request: &thread.ToolCallRequest{ToolName: "weather"}})
	assert.ErrorContains(t, err, "required field 'city' is missing")

	out, err := tool.Execute(context.Background(), weatherCall())
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Oslo"}`, out.(string))
}

func TestMiddlewareOrder(t *testing.T) {
	tb := NewToolbox(nil)
	require.NoError(t, tb.RegisterTool(MustNewGenericTool("weather", "w",
		func(ctx context.Context, in cityInput) (string, error) { return "ok", nil })))

	var order []string
	mw := func(name string) ToolMiddleware {
		return func(next ToolExecutor) ToolExecutor {
			return func(ctx context.Context, tool Tool, call *Call) (any, error) {
				order = append(order, name)
				return next(ctx, tool, call)
			}
		}
	}
	tb.RegisterMiddleware(mw("outer"))
	tb.RegisterMiddleware(mw("inner"))

	_, err := tb.Invoke(context.Background(), weatherCall())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestNormalizeResult(t *testing.T) {
	parts, err := NormalizeResult(nil, "plain")
	require.NoError(t, err)
	assert.Equal(t, []thread.ContentPart{thread.TextPart("plain")}, parts)

	parts, err = NormalizeResult(nil, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, parts[0].Text)

	_, err = NormalizeResult(nil, nil)
	assert.ErrorIs(t, err, ErrToolResponseEmpty)
	_, err = NormalizeResult(nil, []thread.ContentPart{})
	assert.ErrorIs(t, err, ErrToolResponseEmpty)
	_, err = NormalizeResult(nil, &sdk.CallToolResult{})
	assert.ErrorIs(t, err, ErrToolResponseEmpty)
}

func TestAgentDecide(t *testing.T) {
	var got *aisdk.DecisionRequest
	backend := aisdk.BackendFuncs{
		StreamDecisionsFunc: func(ctx context.Context, req *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
			got = req
			return aisdk.Single(&aisdk.Decision{Message: "hi"}), nil
		},
	}
	tb := NewToolbox(nil)
	require.NoError(t, tb.RegisterTool(MustNewGenericTool("weather", "w",
		func(ctx context.Context, in cityInput) (string, error) { return "ok", nil })))

	key := "ctx"
	a := &Agent{Backend: backend, Toolbox: tb}
	_, err := a.Decide(context.Background(), &thread.Thread{ID: "t1", ContextKey: &key},
		[]*thread.Message{{Role: thread.RoleUser, Content: []thread.ContentPart{thread.TextPart("hi")}}}, true)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)
	assert.Equal(t, "ctx", got.ContextKey)
	assert.True(t, got.Hydrating)
	require.Len(t, got.Tools, 1)
	assert.Len(t, got.Messages, 1)
}
