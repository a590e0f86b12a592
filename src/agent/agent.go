package agent

import (
	"context"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/thread"
)

// Agent pairs a backend with the tools it may call
type Agent struct {
	Backend aisdk.Backend
	Toolbox *Toolbox
}

// Decide asks the backend for the next decision of a turn over history
func (a *Agent) Decide(ctx context.Context, t *thread.Thread, history []*thread.Message, hydrating bool) (aisdk.DecisionStream, error) {
	req := &aisdk.DecisionRequest{
		ThreadID:  t.ID,
		Messages:  aisdk.FromThread(history),
		Hydrating: hydrating,
	}
	if t.ContextKey != nil {
		req.ContextKey = *t.ContextKey
	}
	if a.Toolbox != nil {
		req.Tools = a.Toolbox.Definitions()
	}
	return a.Backend.StreamDecisions(ctx, req)
}
