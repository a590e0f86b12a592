package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/elee1766/threadloom/src/backoff"
)

const reconnectKey = "reconnect"

// Options configures a Connection
type Options struct {
	Handlers Handlers
	Backoff  backoff.Config
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// Dialer overrides the transport built from ServerConfig
	Dialer      Dialer
	HTTPClient  *http.Client
	OnReconnect ReconnectObserver
}

// Connection owns one session with one upstream MCP server. It reconnects
// automatically when the server closes the session.
type Connection struct {
	cfg       ServerConfig
	client    *sdk.Client
	dialer    Dialer
	logger    *slog.Logger
	scheduler *backoff.Scheduler
	observer  ReconnectObserver
	caps      Capabilities
	handlers  atomic.Pointer[Handlers]
	group     singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     ConnectionState
	session   Session
	sessionID string
	// generation detaches watchers of sessions that were replaced or closed
	generation uint64
}

// NewConnection creates a disconnected Connection. Capabilities are fixed
// here from the handlers that are non-nil.
func NewConnection(cfg ServerConfig, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp", "server", cfg.Name)

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:       cfg,
		logger:    logger,
		observer:  opts.OnReconnect,
		caps:      capabilitiesOf(opts.Handlers),
		sessionID: cfg.SessionID,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		scheduler: backoff.NewScheduler(opts.Backoff,
			backoff.WithClock(clock),
			backoff.WithLogger(logger),
		),
	}
	h := opts.Handlers
	c.handlers.Store(&h)

	clientOpts := &sdk.ClientOptions{
		Logger: logger,
		// no roots
		Capabilities: &sdk.ClientCapabilities{},
	}
	if c.caps.Sampling {
		clientOpts.CreateMessageHandler = c.handleCreateMessage
	}
	if c.caps.Elicitation {
		clientOpts.ElicitationHandler = c.handleElicit
	}
	c.client = sdk.NewClient(&sdk.Implementation{Name: ClientName, Version: ClientVersion}, clientOpts)

	c.dialer = opts.Dialer
	if c.dialer == nil {
		c.dialer = &TransportDialer{Config: cfg, HTTPClient: opts.HTTPClient}
	}
	return c
}

// Name returns the configured server name
func (c *Connection) Name() string {
	return c.cfg.Name
}

// Capabilities returns what was advertised to the server
func (c *Connection) Capabilities() Capabilities {
	return c.caps
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, if the transport has one
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// BackoffAttempts returns the number of consecutive failed automatic reconnects
func (c *Connection) BackoffAttempts() int {
	return c.scheduler.Attempts()
}

// UpdateHandlers swaps the sampling and elicitation handlers. A handler may be
// replaced or removed, but one for a capability that was not advertised at
// construction returns a *CapabilityError.
func (c *Connection) UpdateHandlers(h Handlers) error {
	if h.Sampling != nil && !c.caps.Sampling {
		return &CapabilityError{Server: c.cfg.Name, Capability: "sampling"}
	}
	if h.Elicitation != nil && !c.caps.Elicitation {
		return &CapabilityError{Server: c.cfg.Name, Capability: "elicitation"}
	}
	c.handlers.Store(&h)
	return nil
}

func (c *Connection) handleCreateMessage(ctx context.Context, req *sdk.CreateMessageRequest) (*sdk.CreateMessageResult, error) {
	h := c.handlers.Load()
	if h.Sampling == nil {
		return nil, fmt.Errorf("sampling: %w", ErrHandlerRemoved)
	}
	return h.Sampling(ctx, req)
}

func (c *Connection) handleElicit(ctx context.Context, req *sdk.ElicitRequest) (*sdk.ElicitResult, error) {
	h := c.handlers.Load()
	if h.Elicitation == nil {
		return nil, fmt.Errorf("elicitation: %w", ErrHandlerRemoved)
	}
	return h.Elicitation(ctx, req)
}

// Connect establishes the session. It is a no-op when already connected and
// joins an in-flight reconnect if there is one.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.await(ctx, ReconnectOptions{})
}

// Reconnect replaces the session. Concurrent callers share one attempt; the
// options of the caller that started it apply. A pending automatic retry is
// cancelled so a manual call never waits for backoff.
func (c *Connection) Reconnect(ctx context.Context, opts ReconnectOptions) error {
	if c.scheduler.Cancel() {
		c.logger.Debug("pending reconnect superseded by manual reconnect")
	}
	err := c.await(ctx, opts)
	c.notify(false, err)
	return err
}

func (c *Connection) await(ctx context.Context, opts ReconnectOptions) error {
	ch := c.group.DoChan(reconnectKey, func() (any, error) {
		return nil, c.reconnect(opts)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reconnect runs at most once at a time through the singleflight group
func (c *Connection) reconnect(opts ReconnectOptions) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.generation++
	old := c.session
	c.session = nil
	requested := c.sessionID
	if opts.NewSession {
		requested = ""
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		if err := release(old, requested != ""); err != nil {
			if opts.ReportCloseErrors {
				c.logger.Warn("failed to close previous session", "error", err)
			} else {
				c.logger.Debug("failed to close previous session", "error", err)
			}
		}
	}

	sess, err := c.dialer.Dial(c.ctx, c.client, requested)
	fresh := opts.NewSession
	if err != nil && requested != "" && errors.Is(err, ErrSessionNotFound) {
		c.logger.Warn("server no longer has the session, starting a new one", "session_id", requested, "error", err)
		requested = ""
		fresh = true
		sess, err = c.dialer.Dial(c.ctx, c.client, "")
	}
	if err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("connect to mcp server %q: %w", c.cfg.Name, err)
	}

	received := sess.ID()
	if requested != "" && received != "" && received != requested {
		c.logger.Warn("server returned a different session id", "requested", requested, "received", received)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	c.session = sess
	if received != "" || fresh {
		c.sessionID = received
	}
	c.state = StateConnected
	gen := c.generation
	c.mu.Unlock()

	c.scheduler.Reset()
	c.logger.Info("mcp server connected", "session_id", received)
	go c.watch(sess, gen)
	return nil
}

// watch schedules an automatic reconnect when sess ends on its own
func (c *Connection) watch(sess Session, gen uint64) {
	err := sess.Wait()

	c.mu.Lock()
	if c.generation != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateReconnectScheduled
	resume := c.sessionID != ""
	c.mu.Unlock()

	_ = release(sess, resume)
	c.logger.Warn("mcp session ended", "error", fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	// a session can end while the reconnect that opened it is still running
	c.scheduler.ScheduleAfterRun(c.autoReconnect)
}

// release closes sess. With resume set the server side is left alive so the
// id can be offered again.
func release(sess Session, resume bool) error {
	if d, ok := sess.(interface{ Detach() }); ok && resume {
		d.Detach()
	}
	return sess.Close()
}

func (c *Connection) autoReconnect() error {
	ch := c.group.DoChan(reconnectKey, func() (any, error) {
		return nil, c.reconnect(ReconnectOptions{})
	})
	res := <-ch
	c.notify(true, res.Err)
	if res.Err == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		// stopped scheduler will not retry
		return res.Err
	}
	if c.session == nil {
		c.state = StateReconnectScheduled
	}
	return res.Err
}

func (c *Connection) notify(automatic bool, err error) {
	if c.observer != nil {
		c.observer(c.cfg.Name, automatic, err)
	}
}

// Close disposes the connection. It never reconnects afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.generation++
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.scheduler.Stop()
	c.cancel()
	if sess != nil {
		if err := sess.Close(); err != nil {
			return fmt.Errorf("close mcp server %q: %w", c.cfg.Name, err)
		}
	}
	return nil
}

func (c *Connection) current() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, fmt.Errorf("mcp server %q (%s): %w", c.cfg.Name, c.state, ErrNotConnected)
	}
	return c.session, nil
}

func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// ListTools returns every tool the server exposes, following pagination
// cursors. A tool whose input schema is not an object fails the listing.
func (c *Connection) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var tools []*sdk.Tool
	seen := map[string]bool{}
	cursor := ""
	for {
		res, err := sess.ListTools(ctx, &sdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list tools on %q: %w", c.cfg.Name, err)
		}
		for _, tool := range res.Tools {
			if err := validateToolSchema(tool); err != nil {
				return nil, fmt.Errorf("list tools on %q: %w", c.cfg.Name, err)
			}
			tools = append(tools, tool)
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("list tools on %q: cursor %q repeated", c.cfg.Name, res.NextCursor)
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

func validateToolSchema(tool *sdk.Tool) error {
	if tool == nil {
		return fmt.Errorf("%w: nil tool", ErrInvalidToolSchema)
	}
	schema, err := SchemaMap(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidToolSchema, tool.Name, err)
	}
	if t, _ := schema["type"].(string); t != "object" {
		return fmt.Errorf("%w: tool %q has type %v", ErrInvalidToolSchema, tool.Name, schema["type"])
	}
	return nil
}

// SchemaMap normalizes a tool schema of any representation into a JSON object
func SchemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, fmt.Errorf("missing schema")
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CallOption configures a single tool call
type CallOption func(*sdk.CallToolParams)

// WithMeta attaches request metadata, visible to the server and echoed back in
// any server-initiated request made while handling the call.
func WithMeta(key string, value any) CallOption {
	return func(p *sdk.CallToolParams) {
		if p.Meta == nil {
			p.Meta = sdk.Meta{}
		}
		p.Meta[key] = value
	}
}

// CallTool invokes a tool. Errors are returned as-is to the caller.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (*sdk.CallToolResult, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &sdk.CallToolParams{Name: name, Arguments: args}
	for _, o := range opts {
		o(params)
	}
	return sess.CallTool(ctx, params)
}

// ListPrompts returns every prompt the server exposes
func (c *Connection) ListPrompts(ctx context.Context) ([]*sdk.Prompt, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var prompts []*sdk.Prompt
	seen := map[string]bool{}
	cursor := ""
	for {
		res, err := sess.ListPrompts(ctx, &sdk.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list prompts on %q: %w", c.cfg.Name, err)
		}
		prompts = append(prompts, res.Prompts...)
		if res.NextCursor == "" {
			return prompts, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("list prompts on %q: cursor %q repeated", c.cfg.Name, res.NextCursor)
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

// GetPrompt renders a prompt with the given arguments
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*sdk.GetPromptResult, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return sess.GetPrompt(ctx, &sdk.GetPromptParams{Name: name, Arguments: args})
}
