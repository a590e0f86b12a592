package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elee1766/threadloom/src/thread"
)

// InTx runs fn in a transaction at the given isolation level. Any error from
// fn rolls the transaction back before it is returned.
func (d *DB) InTx(ctx context.Context, level sql.IsolationLevel, fn func(tx Handle) error) (err error) {
	tx, err := d.db.BeginTx(ctx, d.dialect.TxOptions(level))
	if err != nil {
		return mapTxError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txHandle{Tx: tx, dialect: d.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(mapTxError(err), fmt.Errorf("rollback: %w", rbErr))
		}
		return mapTxError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapTxError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// admit locks the thread row and rejects it when a generation is in flight.
// Every writer that extends the log takes this lock first, so a read
// committed admission still sees the latest log.
func admit(ctx context.Context, tx Handle, threadID string) (*thread.Thread, error) {
	t, err := LockThread(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if t.GenerationStage.IsProcessing() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessing, threadID, t.GenerationStage)
	}
	return t, nil
}

// TryBeginProcessing moves an idle or finished thread into
// CHOOSING_COMPONENT. A thread already in a processing stage returns
// ErrAlreadyProcessing and is left untouched.
func (d *DB) TryBeginProcessing(ctx context.Context, threadID, status string) (*thread.Thread, error) {
	var out *thread.Thread
	err := d.InTx(ctx, sql.LevelReadCommitted, func(tx Handle) error {
		t, err := admit(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if err := UpdateThreadGenerationStage(ctx, tx, threadID, thread.StageChoosingComponent, status); err != nil {
			return err
		}
		t.GenerationStage = thread.StageChoosingComponent
		t.StatusMessage = status
		out = t
		return nil
	})
	return out, err
}

// BeginParams admits a new turn
type BeginParams struct {
	ThreadID string
	// LastObserved is the tail the client saw. Nil accepts the current tail.
	LastObserved *thread.MessageRef
	Message      *thread.Message
	Status       string
}

// BeginGeneration atomically admits a turn: it locks the thread, rejects a
// busy thread, checks the tail, appends the user message and moves the
// thread to CHOOSING_COMPONENT.
func (d *DB) BeginGeneration(ctx context.Context, p BeginParams) (*thread.Thread, error) {
	var out *thread.Thread
	err := d.InTx(ctx, sql.LevelReadCommitted, func(tx Handle) error {
		t, err := admit(ctx, tx, p.ThreadID)
		if err != nil {
			return err
		}
		if p.LastObserved != nil {
			if err := CheckTail(ctx, tx, p.ThreadID, *p.LastObserved, ""); err != nil {
				return err
			}
		}
		p.Message.ThreadID = p.ThreadID
		if err := AddMessage(ctx, tx, p.Message); err != nil {
			return err
		}
		if err := UpdateThreadGenerationStage(ctx, tx, p.ThreadID, thread.StageChoosingComponent, p.Status); err != nil {
			return err
		}
		t.GenerationStage = thread.StageChoosingComponent
		t.StatusMessage = p.Status
		out = t
		return nil
	})
	return out, err
}

// SetStage records a stage transition
func (d *DB) SetStage(ctx context.Context, threadID string, stage thread.GenerationStage, status string) error {
	return UpdateThreadGenerationStage(ctx, d, threadID, stage, status)
}

// AppendMessage adds m to the end of the log if the tail still matches
// expected. On success m carries its assigned id and createdAt.
func (d *DB) AppendMessage(ctx context.Context, expected thread.MessageRef, m *thread.Message) error {
	return d.InTx(ctx, sql.LevelRepeatableRead, func(tx Handle) error {
		if _, err := LockThread(ctx, tx, m.ThreadID); err != nil {
			return err
		}
		if err := CheckTail(ctx, tx, m.ThreadID, expected, ""); err != nil {
			return err
		}
		return AddMessage(ctx, tx, m)
	})
}

// UpdateMessage rewrites an in-progress message without a tail check
func (d *DB) UpdateMessage(ctx context.Context, m *thread.Message) error {
	return UpdateMessage(ctx, d, m)
}

// FinalizeMessage writes the final state of the placeholder m. The
// placeholder must still be the newest message and the one before it must
// match expected.
func (d *DB) FinalizeMessage(ctx context.Context, expected thread.MessageRef, m *thread.Message) error {
	return d.InTx(ctx, sql.LevelSerializable, func(tx Handle) error {
		if _, err := LockThread(ctx, tx, m.ThreadID); err != nil {
			return err
		}
		if err := CheckTail(ctx, tx, m.ThreadID, expected, m.ID); err != nil {
			return err
		}
		return UpdateMessage(ctx, tx, m)
	})
}

// CreateThread inserts a new thread
func (d *DB) CreateThread(ctx context.Context, t *thread.Thread) error {
	return CreateThread(ctx, d, t)
}

func (d *DB) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	return GetThread(ctx, d, id)
}

// ListThreads returns up to limit of a project's threads, newest first
func (d *DB) ListThreads(ctx context.Context, projectID string, limit int) ([]*thread.Thread, error) {
	return ListThreads(ctx, d, projectID, limit)
}

func (d *DB) ListMessages(ctx context.Context, threadID string) ([]*thread.Message, error) {
	if _, err := GetThread(ctx, d, threadID); err != nil {
		return nil, err
	}
	return ListMessages(ctx, d, threadID)
}

// GetMessage returns one message of a thread
func (d *DB) GetMessage(ctx context.Context, threadID, messageID string) (*thread.Message, error) {
	m, err := GetMessage(ctx, d, messageID)
	if err != nil {
		return nil, err
	}
	if m.ThreadID != threadID {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return m, nil
}

// Tail returns the newest message ref, or the zero ref for an empty thread
func (d *DB) Tail(ctx context.Context, threadID string) (thread.MessageRef, error) {
	recent, err := RecentMessages(ctx, d, threadID, 1)
	if err != nil || len(recent) == 0 {
		return thread.MessageRef{}, err
	}
	return recent[0].Ref(), nil
}
