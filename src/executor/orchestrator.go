package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elee1766/threadloom/src/agent"
	"github.com/elee1766/threadloom/src/sampling"
	"github.com/elee1766/threadloom/src/storage"
	"github.com/elee1766/threadloom/src/stream"
	"github.com/elee1766/threadloom/src/thread"
)

// Run is one admitted generation turn. Deltas are delivered on Deltas; the
// run keeps going when the consumer goes away.
type Run struct {
	svc    *Service
	thread *thread.Thread
	user   *thread.Message
	queue  *stream.Queue[thread.Delta]
	cursor *thread.Cursor
	logger *slog.Logger
	done   func(outcome string)

	ctx    context.Context
	cancel context.CancelFunc

	once      sync.Once
	finished  chan struct{}
	result    *thread.Message
	err       error
	cancelled bool
	mu        sync.Mutex
}

// Thread returns the thread as admitted
func (r *Run) Thread() *thread.Thread {
	return r.thread
}

// UserMessage returns the persisted user message that started the turn
func (r *Run) UserMessage() *thread.Message {
	return r.user
}

// Deltas is the stream of message increments for this run
func (r *Run) Deltas() *stream.Queue[thread.Delta] {
	return r.queue
}

// Start executes the run in the background
func (r *Run) Start() {
	go r.Execute()
}

// Wait blocks until the run finishes or ctx ends
func (r *Run) Wait(ctx context.Context) (*thread.Message, error) {
	select {
	case <-r.finished:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute runs the turn to completion. Calling it more than once returns the
// first result.
func (r *Run) Execute() (*thread.Message, error) {
	r.once.Do(func() {
		defer close(r.finished)
		defer r.svc.forget(r)
		defer r.cancel()
		r.result, r.err = r.loop(r.ctx)
		r.finish(r.err)
	})
	<-r.finished
	return r.result, r.err
}

func (r *Run) loop(ctx context.Context) (*thread.Message, error) {
	s := r.svc
	hydrating := false
	for round := 0; ; round++ {
		history, err := s.store.ListMessages(ctx, r.thread.ID)
		if err != nil {
			return nil, err
		}

		ds, err := s.agent.Decide(ctx, r.thread, history, hydrating)
		if err != nil {
			return nil, fmt.Errorf("decide: %w", err)
		}
		if err := r.setStage(ctx, thread.StageStreamingResponse, statusStreaming); err != nil {
			ds.Close()
			return nil, err
		}

		w := &turnWriter{
			store:    s.store,
			threadID: r.thread.ID,
			cursor:   r.cursor,
			queue:    r.queue,
			logger:   r.logger,
		}
		msg, err := w.streamDecisions(ctx, ds)
		if err != nil {
			return nil, err
		}

		if msg.ToolCallRequest == nil {
			if err := r.setStage(ctx, thread.StageComplete, statusComplete); err != nil {
				return nil, err
			}
			return msg, nil
		}
		if round >= s.maxToolRounds {
			return nil, fmt.Errorf("%w (%d)", ErrMaxToolRoundsExceeded, s.maxToolRounds)
		}

		if err := r.callTool(ctx, msg); err != nil {
			return nil, err
		}
		if err := r.setStage(ctx, thread.StageHydratingComponent, statusHydrating); err != nil {
			return nil, err
		}
		hydrating = true
	}
}

// callTool runs the tool requested by msg and appends its response
func (r *Run) callTool(ctx context.Context, msg *thread.Message) error {
	s := r.svc
	name := msg.ToolCallRequest.ToolName
	if err := r.setStage(ctx, thread.StageFetchingContext, fmt.Sprintf(statusFetchingFn, name)); err != nil {
		return err
	}

	if s.sampling != nil {
		unbind := s.sampling.Bind(msg.ID, sampling.Binding{
			ThreadID: r.thread.ID,
			Cursor:   r.cursor,
			Queue:    r.queue,
		})
		defer unbind()
	}

	start := s.clock.Now()
	parts, err := s.toolbox.Invoke(ctx, &agent.Call{
		ID:              msg.ToolCallID,
		Request:         msg.ToolCallRequest,
		ParentMessageID: msg.ID,
	})
	s.metrics.ToolCall(name, s.clock.Since(start), err)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	resp := &thread.Message{
		ThreadID:   r.thread.ID,
		Role:       thread.RoleTool,
		Content:    parts,
		ToolCallID: msg.ToolCallID,
		ActionType: thread.ActionToolResponse,
	}
	if err := s.store.AppendMessage(ctx, r.cursor.Get(), resp); err != nil {
		return fmt.Errorf("append tool response: %w", err)
	}
	r.cursor.Set(resp.Ref())
	r.emit(thread.Delta{Message: resp.Clone(), Stage: thread.StageFetchingContext})
	return nil
}

func (r *Run) setStage(ctx context.Context, stage thread.GenerationStage, status string) error {
	if err := r.svc.store.SetStage(ctx, r.thread.ID, stage, status); err != nil {
		return fmt.Errorf("set stage %s: %w", stage, err)
	}
	r.thread.GenerationStage = stage
	r.thread.StatusMessage = status
	r.svc.metrics.StageTransition(string(stage))
	r.logger.Debug("stage transition", "stage", stage, "status", status)
	return nil
}

func (r *Run) emit(d thread.Delta) {
	if err := r.queue.Push(d); err != nil {
		r.logger.Debug("dropping delta", "error", err)
	}
}

// finish records the outcome. Failures move the thread to ERROR unless the
// run was cancelled, in which case Cancel already did.
func (r *Run) finish(err error) {
	if err == nil {
		r.done("complete")
		r.queue.Finish()
		return
	}

	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
		r.err = err
		r.done("cancelled")
		r.queue.Fail(err)
		return
	}

	if errors.Is(err, storage.ErrConsistencyViolation) {
		r.svc.metrics.ConsistencyViolation()
		r.logger.Warn("consistency violation", "error", err)
	} else {
		r.logger.Error("generation failed", "error", err)
	}
	// the run context may be done; the ERROR stage must still land
	ctx := context.WithoutCancel(r.ctx)
	if serr := r.setStage(ctx, thread.StageError, err.Error()); serr != nil {
		r.logger.Error("failed to record error stage", "error", serr)
	}
	r.done("error")
	r.queue.Fail(err)
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}
