package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(Options{Clock: clockwork.NewFakeClock(), Dialer: d})
	ctx := context.Background()

	require.NoError(t, m.ConnectAll(ctx, []ServerConfig{{Name: "b"}, {Name: "a"}}))
	assert.Equal(t, []string{"a", "b"}, m.Names())
	assert.Equal(t, StateConnected, m.Get("a").State())
	assert.Nil(t, m.Get("missing"))

	_, err := m.AddServer(ctx, ServerConfig{Name: "a"})
	assert.Error(t, err)

	conns := m.Connections()
	require.Len(t, conns, 2)

	require.NoError(t, m.RemoveServer("a"))
	assert.Equal(t, StateClosed, conns[0].State())
	assert.Error(t, m.RemoveServer("a"))

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, conns[1].State())
	assert.Empty(t, m.Names())
}

func TestManagerFailedServerIsDropped(t *testing.T) {
	d := &fakeDialer{fail: 1}
	m := NewManager(Options{Clock: clockwork.NewFakeClock(), Dialer: d})
	defer m.Close()

	_, err := m.AddServer(context.Background(), ServerConfig{Name: "flaky"})
	require.Error(t, err)
	assert.Empty(t, m.Names())
}

func TestManagerUpdateHandlers(t *testing.T) {
	m := NewManager(Options{Clock: clockwork.NewFakeClock(), Dialer: &fakeDialer{}})
	defer m.Close()
	_, err := m.AddServer(context.Background(), ServerConfig{Name: "a"})
	require.NoError(t, err)

	err = m.UpdateHandlers(Handlers{
		Sampling: func(context.Context, *sdk.CreateMessageRequest) (*sdk.CreateMessageResult, error) { return nil, nil },
	})
	assert.True(t, errors.Is(err, ErrCapabilityNotAdvertised))
}
