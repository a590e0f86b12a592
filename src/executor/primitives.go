package executor

import (
	"context"

	"github.com/elee1766/threadloom/src/storage"
	"github.com/elee1766/threadloom/src/thread"
)

// Store is the persistence the engine drives. *storage.DB implements it.
type Store interface {
	BeginGeneration(ctx context.Context, p storage.BeginParams) (*thread.Thread, error)
	SetStage(ctx context.Context, threadID string, stage thread.GenerationStage, status string) error
	AppendMessage(ctx context.Context, expected thread.MessageRef, m *thread.Message) error
	UpdateMessage(ctx context.Context, m *thread.Message) error
	FinalizeMessage(ctx context.Context, expected thread.MessageRef, m *thread.Message) error
	ListMessages(ctx context.Context, threadID string) ([]*thread.Message, error)
	GetThread(ctx context.Context, id string) (*thread.Thread, error)
}

var _ Store = (*storage.DB)(nil)

// AdvanceRequest appends a user message and starts a turn
type AdvanceRequest struct {
	ThreadID string
	Content  []thread.ContentPart
	// LastObserved is the newest message the client saw; nil skips the check
	LastObserved *thread.MessageRef
	// ComponentState from the client's current component, stored on the message
	ComponentState map[string]any
}

// Status messages written with each stage
const (
	statusChoosing   = "Choosing component"
	statusStreaming  = "Streaming response"
	statusHydrating  = "Hydrating component"
	statusComplete   = "Complete"
	statusCancelled  = "cancelled"
	statusFetchingFn = "Fetching context from %s"
)
