// Package executor drives generation turns on a thread: admission, decision
// streaming, tool rounds and stage transitions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/elee1766/threadloom/src/agent"
	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/metrics"
	"github.com/elee1766/threadloom/src/sampling"
	"github.com/elee1766/threadloom/src/storage"
	"github.com/elee1766/threadloom/src/stream"
	"github.com/elee1766/threadloom/src/thread"
)

const (
	defaultMaxToolRounds    = 10
	defaultStreamBufferSize = 64
)

// Service starts and tracks generation runs
type Service struct {
	store         Store
	agent         *agent.Agent
	toolbox       *agent.Toolbox
	sampling      *sampling.Bridge
	metrics       *metrics.Metrics
	clock         clockwork.Clock
	logger        *slog.Logger
	maxToolRounds int
	bufferSize    int

	mu   sync.Mutex
	runs map[string]*Run
	// admitting holds threads with a Begin in flight
	admitting map[string]bool
}

// ServiceConfig holds configuration for creating a new Service
type ServiceConfig struct {
	Store   Store
	Backend aisdk.Backend
	Toolbox *agent.Toolbox
	// Sampling, if set, receives the thread binding during tool calls
	Sampling         *sampling.Bridge
	MaxToolRounds    int
	StreamBufferSize int
	Metrics          *metrics.Metrics
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

// NewService creates a new generation service
func NewService(config ServiceConfig) (*Service, error) {
	if config.Store == nil {
		return nil, ErrStoreRequired
	}
	if config.Backend == nil {
		return nil, ErrBackendRequired
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Toolbox == nil {
		config.Toolbox = agent.NewToolbox(config.Logger)
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = defaultMaxToolRounds
	}
	if config.StreamBufferSize <= 0 {
		config.StreamBufferSize = defaultStreamBufferSize
	}

	return &Service{
		store:         config.Store,
		agent:         &agent.Agent{Backend: config.Backend, Toolbox: config.Toolbox},
		toolbox:       config.Toolbox,
		sampling:      config.Sampling,
		metrics:       config.Metrics,
		clock:         config.Clock,
		logger:        config.Logger.With("component", "executor"),
		maxToolRounds: config.MaxToolRounds,
		bufferSize:    config.StreamBufferSize,
		runs:          make(map[string]*Run),
		admitting:     make(map[string]bool),
	}, nil
}

// Begin admits a turn: the user message is appended and the thread moves to
// CHOOSING_COMPONENT in one transaction. A busy thread returns
// storage.ErrAlreadyProcessing and a stale LastObserved returns
// storage.ErrConsistencyViolation, both without side effects. A thread with a
// run in this process is busy even while that run sits in FETCHING_CONTEXT.
//
// The returned run is detached from ctx; call Start or Execute to drive it.
func (s *Service) Begin(ctx context.Context, req AdvanceRequest) (*Run, error) {
	if len(req.Content) == 0 {
		return nil, ErrMessageRequired
	}
	for i, p := range req.Content {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("content part %d: %w", i, err)
		}
	}

	s.mu.Lock()
	if s.runs[req.ThreadID] != nil || s.admitting[req.ThreadID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has a local run", storage.ErrAlreadyProcessing, req.ThreadID)
	}
	s.admitting[req.ThreadID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.admitting, req.ThreadID)
		s.mu.Unlock()
	}()

	user := &thread.Message{
		Role:           thread.RoleUser,
		Content:        req.Content,
		ComponentState: req.ComponentState,
	}
	t, err := s.store.BeginGeneration(ctx, storage.BeginParams{
		ThreadID:     req.ThreadID,
		LastObserved: req.LastObserved,
		Message:      user,
		Status:       statusChoosing,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConsistencyViolation) {
			s.metrics.ConsistencyViolation()
			s.logger.Warn("consistency violation on admission", "thread_id", req.ThreadID, "error", err)
		}
		return nil, err
	}
	s.metrics.StageTransition(string(thread.StageChoosingComponent))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Run{
		svc:      s,
		thread:   t,
		user:     user,
		queue:    stream.New[thread.Delta](s.bufferSize),
		cursor:   thread.NewCursor(user.Ref()),
		logger:   s.logger.With("thread_id", t.ID),
		done:     s.metrics.GenerationStarted(),
		ctx:      runCtx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[t.ID] = r
	s.mu.Unlock()
	r.logger.Debug("generation admitted", "user_message_id", user.ID)
	return r, nil
}

// Advance admits a turn and runs it to completion
func (s *Service) Advance(ctx context.Context, req AdvanceRequest) (*thread.Message, error) {
	r, err := s.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	r.Deltas().Close()
	return r.Execute()
}

// Active returns the run in progress on threadID, if this process has one
func (s *Service) Active(threadID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[threadID]
}

func (s *Service) forget(r *Run) {
	s.mu.Lock()
	if s.runs[r.thread.ID] == r {
		delete(s.runs, r.thread.ID)
	}
	s.mu.Unlock()
}

// Cancel stops a local run on the thread, if any, and moves a thread that is
// still mid-generation to ERROR. Threads stuck by a run in another process
// are reset the same way.
func (s *Service) Cancel(ctx context.Context, threadID string) (*thread.Thread, error) {
	if r := s.Active(threadID); r != nil {
		r.markCancelled()
		if _, err := r.Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, err
		}
	}

	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.GenerationStage.IsProcessing() && t.GenerationStage != thread.StageFetchingContext {
		return t, nil
	}
	if err := s.store.SetStage(ctx, threadID, thread.StageError, statusCancelled); err != nil {
		return nil, err
	}
	s.metrics.StageTransition(string(thread.StageError))
	s.logger.Info("generation cancelled", "thread_id", threadID, "stage", t.GenerationStage)
	t.GenerationStage = thread.StageError
	t.StatusMessage = statusCancelled
	return t, nil
}
