package orclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/thread"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "openai/gpt-4o-mini"
)

var _ aisdk.Backend = (*Client)(nil)

// Client is an aisdk.Backend talking to OpenRouter or any OpenAI compatible
// chat completions API.
type Client struct {
	config Config
	client openai.Client
	logger *slog.Logger
}

// NewClient creates a new OpenRouter API client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "openrouter_client")

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}
	if config.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(config.MaxRetries))
	}
	// OpenRouter ranking headers
	if config.SiteURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", config.SiteURL))
	}
	if config.SiteName != "" {
		opts = append(opts, option.WithHeader("X-Title", config.SiteName))
	}

	return &Client{
		config: config,
		client: openai.NewClient(opts...),
		logger: logger,
	}, nil
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.config.Model
}

// Complete runs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *aisdk.CompletionRequest) (*aisdk.Completion, error) {
	logger := c.logger.With("method", "Complete", "model", c.config.Model)

	system := req.SystemPrompt
	if req.PromptTemplate != "" {
		tmpl, ok := c.config.Prompts[req.PromptTemplate]
		if !ok {
			return nil, fmt.Errorf("unknown prompt template %q", req.PromptTemplate)
		}
		if system == "" {
			system = tmpl
		} else {
			system = tmpl + "\n\n" + system
		}
	}

	msgs, err := toParams(system, req.Messages)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.config.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if v, ok := req.Params["temperature"].(float64); ok {
		params.Temperature = openai.Float(v)
	}
	if v, ok := req.Params["top_p"].(float64); ok {
		params.TopP = openai.Float(v)
	}

	logger.Debug("sending completion request", "messages", len(msgs))
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		logger.Error("completion failed", "error", err)
		return nil, wrapError(err)
	}

	out := &aisdk.Completion{Model: resp.Model}
	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		content := resp.Choices[0].Message.Content
		out.Content = &content
	}
	logger.Info("completion successful", "usage_total", resp.Usage.TotalTokens)
	return out, nil
}

// StreamDecisions streams a chat completion with the request's tools
// attached. Each decision carries the full text so far; the tool call, if
// the model made one, is only set on the last decision.
func (c *Client) StreamDecisions(ctx context.Context, req *aisdk.DecisionRequest) (aisdk.DecisionStream, error) {
	msgs, err := toParams(c.config.SystemPrompt, req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := toToolParams(req.Tools)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.config.Model,
		Messages: msgs,
		Tools:    tools,
	}
	if len(tools) > 0 {
		params.ParallelToolCalls = openai.Bool(false)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan aisdk.StreamResult)
	logger := c.logger.With("method", "StreamDecisions", "thread_id", req.ThreadID, "model", c.config.Model)

	go func() {
		defer close(ch)
		send := func(r aisdk.StreamResult) bool {
			select {
			case ch <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		last := ""
		for stream.Next() {
			acc.AddChunk(stream.Current())
			if len(acc.Choices) == 0 {
				continue
			}
			text := acc.Choices[0].Message.Content
			if text == last {
				continue
			}
			last = text
			if !send(aisdk.StreamResult{Decision: &aisdk.Decision{Message: text}}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			logger.Error("stream failed", "error", err)
			send(aisdk.StreamResult{Error: wrapError(err)})
			return
		}
		if len(acc.Choices) == 0 {
			send(aisdk.StreamResult{Error: ErrEmptyResponse})
			return
		}

		final := &aisdk.Decision{Message: acc.Choices[0].Message.Content}
		if calls := acc.Choices[0].Message.ToolCalls; len(calls) > 0 {
			if len(calls) > 1 {
				logger.Warn("model requested several tool calls, using the first", "count", len(calls))
			}
			tcr, err := toolCallRequest(calls[0].Function.Name, calls[0].Function.Arguments)
			if err != nil {
				send(aisdk.StreamResult{Error: err})
				return
			}
			final.ToolCallRequest = tcr
			final.ToolCallID = calls[0].ID
		}
		logger.Debug("stream finished", "tool_call", final.ToolCallRequest != nil, "usage_total", acc.Usage.TotalTokens)
		send(aisdk.StreamResult{Decision: final})
	}()

	return aisdk.NewChanStream(ch, cancel), nil
}

// toolCallRequest flattens JSON arguments into name/value pairs in key order
func toolCallRequest(name, arguments string) (*thread.ToolCallRequest, error) {
	args := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("invalid arguments for tool %s: %w", name, err)
		}
	}
	out := &thread.ToolCallRequest{ToolName: name}
	for _, k := range slices.Sorted(maps.Keys(args)) {
		out.Parameters = append(out.Parameters, thread.ToolParameter{ParameterName: k, ParameterValue: args[k]})
	}
	return out, nil
}
