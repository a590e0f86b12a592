package metrics

import (
	"time"
)

// GenerationStarted marks a generation as running and returns a func that
// records its end.
func (m *Metrics) GenerationStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.generationsInFlight.Inc()
	return func(outcome string) {
		m.generationsInFlight.Dec()
		m.generationDuration.Observe(time.Since(start).Seconds())
		m.generations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) StageTransition(stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage).Inc()
}

func (m *Metrics) ToolCall(tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(err)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Reconnect records one reconnect attempt
func (m *Metrics) Reconnect(server string, automatic bool, err error) {
	if m == nil {
		return
	}
	trigger := "manual"
	if automatic {
		trigger = "automatic"
	}
	m.reconnects.WithLabelValues(server, trigger, outcome(err)).Inc()
}

func (m *Metrics) ConsistencyViolation() {
	if m == nil {
		return
	}
	m.consistencyFailures.Inc()
}

func (m *Metrics) SamplingRequest(err error) {
	if m == nil {
		return
	}
	m.samplingRequests.WithLabelValues(outcome(err)).Inc()
}
