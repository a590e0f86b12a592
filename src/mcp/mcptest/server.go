// Package mcptest serves a real MCP server over in-memory transports for
// tests that need an upstream.
package mcptest

import (
	"context"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elee1766/threadloom/src/mcp"
)

// Server is an mcp.Dialer that connects every dial to its SDK server
type Server struct {
	*sdk.Server

	mu       sync.Mutex
	sessions []*sdk.ServerSession
}

func NewServer(name string) *Server {
	return &Server{Server: sdk.NewServer(&sdk.Implementation{Name: name, Version: "v0"}, nil)}
}

func (s *Server) Dial(ctx context.Context, client *sdk.Client, _ string) (mcp.Session, error) {
	ct, st := sdk.NewInMemoryTransports()
	ss, err := s.Server.Connect(ctx, st, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()
	return client.Connect(ctx, ct, nil)
}

// DropLast closes the newest server session
func (s *Server) DropLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.sessions); n > 0 {
		s.sessions[n-1].Close()
	}
}

// Sessions counts dials served so far
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

var _ mcp.Dialer = (*Server)(nil)
