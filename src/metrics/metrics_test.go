package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.GenerationStarted()("complete")
	m.StageTransition("COMPLETE")
	m.ToolCall("x", time.Second, nil)
	m.Reconnect("s", true, nil)
	m.ConsistencyViolation()
	m.SamplingRequest(nil)
}

func TestRecording(t *testing.T) {
	m := New(Opts{})
	done := m.GenerationStarted()
	assert.Contains(t, scrape(t, m), "threadloom_generations_in_flight 1")
	done("complete")

	m.ToolCall("weather", 10*time.Millisecond, errors.New("x"))
	m.Reconnect("wx", true, nil)
	m.Reconnect("wx", false, errors.New("refused"))
	m.ConsistencyViolation()
	m.SamplingRequest(nil)

	out := scrape(t, m)
	assert.Contains(t, out, "threadloom_generations_in_flight 0")
	assert.Contains(t, out, `threadloom_generations_total{outcome="complete"} 1`)
	assert.Contains(t, out, `threadloom_tool_calls_total{outcome="error",tool="weather"} 1`)
	assert.Contains(t, out, `threadloom_mcp_reconnects_total{outcome="ok",server="wx",trigger="automatic"} 1`)
	assert.Contains(t, out, `threadloom_mcp_reconnects_total{outcome="error",server="wx",trigger="manual"} 1`)
	assert.Contains(t, out, "threadloom_consistency_violations_total 1")
	assert.Contains(t, out, `threadloom_sampling_requests_total{outcome="ok"} 1`)
}

func TestAuthMiddleware(t *testing.T) {
	m := New(Opts{AuthMiddleware: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}})
	srv := httptest.NewServer(m.Router)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
