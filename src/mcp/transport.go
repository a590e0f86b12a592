package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionIDHeader carries the server-assigned session on streamable HTTP
const SessionIDHeader = "Mcp-Session-Id"

// Session is an established client session. *sdk.ClientSession satisfies it.
type Session interface {
	ID() string
	ListTools(ctx context.Context, params *sdk.ListToolsParams) (*sdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdk.CallToolParams) (*sdk.CallToolResult, error)
	ListPrompts(ctx context.Context, params *sdk.ListPromptsParams) (*sdk.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *sdk.GetPromptParams) (*sdk.GetPromptResult, error)
	// Wait blocks until the session ends
	Wait() error
	Close() error
}

var _ Session = (*sdk.ClientSession)(nil)

// Dialer opens a session for client. A non-empty sessionID asks the server
// to resume that session.
type Dialer interface {
	Dial(ctx context.Context, client *sdk.Client, sessionID string) (Session, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, client *sdk.Client, sessionID string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, client *sdk.Client, sessionID string) (Session, error) {
	return f(ctx, client, sessionID)
}

// TransportDialer builds an SDK transport from a ServerConfig
type TransportDialer struct {
	Config     ServerConfig
	HTTPClient *http.Client
}

func (d *TransportDialer) Dial(ctx context.Context, client *sdk.Client, sessionID string) (Session, error) {
	transport, ht, err := d.transport(sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if ht != nil && ht.rejected.Load() {
			return nil, fmt.Errorf("%w: %s: %v", ErrSessionNotFound, sessionID, err)
		}
		return nil, err
	}
	if ht == nil {
		return sess, nil
	}
	return &httpSession{ClientSession: sess, transport: ht}, nil
}

func (d *TransportDialer) transport(sessionID string) (sdk.Transport, *headerTransport, error) {
	cfg := d.Config
	switch cfg.Transport {
	case TransportHTTP, "":
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("mcp server %q: url is required for %s transport", cfg.Name, TransportHTTP)
		}
		client, ht := d.httpClient(sessionID)
		return &sdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: client,
			MaxRetries: -1,
		}, ht, nil
	case TransportSSE:
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("mcp server %q: url is required for %s transport", cfg.Name, TransportSSE)
		}
		client, ht := d.httpClient("")
		return &sdk.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: client,
		}, ht, nil
	case TransportStdio:
		if cfg.Command == "" {
			return nil, nil, fmt.Errorf("mcp server %q: command is required for %s transport", cfg.Name, TransportStdio)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &sdk.CommandTransport{Command: cmd}, nil, nil
	}
	return nil, nil, fmt.Errorf("mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
}

func (d *TransportDialer) httpClient(sessionID string) (*http.Client, *headerTransport) {
	base := http.DefaultTransport
	if d.HTTPClient != nil && d.HTTPClient.Transport != nil {
		base = d.HTTPClient.Transport
	}
	ht := &headerTransport{
		base:      base,
		headers:   d.Config.Headers,
		bearer:    d.Config.BearerToken,
		sessionID: sessionID,
	}
	// no client timeout: streamable HTTP keeps a hanging GET open
	return &http.Client{Transport: ht}, ht
}

// httpSession is a client session over an HTTP transport that can be let go
// without terminating it on the server.
type httpSession struct {
	*sdk.ClientSession
	transport *headerTransport
}

// Detach makes the next Close skip the DELETE that ends the server session,
// so the id stays resumable.
func (s *httpSession) Detach() {
	s.transport.detached.Store(true)
}

// headerTransport adds configured headers, auth and a resumed session id to
// every request that does not already set them.
type headerTransport struct {
	base      http.RoundTripper
	headers   map[string]string
	bearer    string
	sessionID string

	// detached answers DELETE locally
	detached atomic.Bool
	// rejected records a 404 for the injected session id
	rejected atomic.Bool
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if t.bearer != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	if req.Method == http.MethodDelete && t.detached.Load() {
		return &http.Response{
			Status:     "204 No Content",
			StatusCode: http.StatusNoContent,
			Header:     make(http.Header),
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}
	injected := false
	if t.sessionID != "" && req.Header.Get(SessionIDHeader) == "" {
		req.Header.Set(SessionIDHeader, t.sessionID)
		injected = true
	}
	resp, err := t.base.RoundTrip(req)
	if err == nil && injected && resp.StatusCode == http.StatusNotFound {
		t.rejected.Store(true)
	}
	return resp, err
}
