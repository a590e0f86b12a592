package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/elee1766/threadloom/src/thread"
)

// CreateThread inserts a thread. Missing id, stage and timestamps are filled in.
func CreateThread(ctx context.Context, h Handle, t *thread.Thread) error {
	if t.ID == "" {
		t.ID = GenerateID()
	}
	if t.GenerationStage == "" {
		t.GenerationStage = thread.StageIdle
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	t.UpdatedAt = t.CreatedAt

	query := `INSERT INTO threads (` + threadColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := h.ExecContext(ctx, h.Dialect().Rebind(query),
		t.ID, t.ProjectID, t.ContextKey, string(t.GenerationStage), t.StatusMessage,
		toMicros(t.CreatedAt), toMicros(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by its ID
func GetThread(ctx context.Context, h Handle, id string) (*thread.Thread, error) {
	return getThread(ctx, h, id, "")
}

// LockThread reads a thread and holds its row lock until the transaction ends
func LockThread(ctx context.Context, h Handle, id string) (*thread.Thread, error) {
	return getThread(ctx, h, id, h.Dialect().ForUpdate())
}

func getThread(ctx context.Context, h Handle, id, suffix string) (*thread.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = ?` + suffix
	var row threadRow
	if err := sqlscan.Get(ctx, h, &row, h.Dialect().Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return nil, err
	}
	return row.toThread()
}

// ListThreads returns a project's threads, newest first
func ListThreads(ctx context.Context, h Handle, projectID string, limit int) ([]*thread.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + threadColumns + ` FROM threads WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	var rows []threadRow
	if err := sqlscan.Select(ctx, h, &rows, h.Dialect().Rebind(query), projectID, limit); err != nil {
		return nil, err
	}
	out := make([]*thread.Thread, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toThread()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateThreadGenerationStage writes the stage and status message
func UpdateThreadGenerationStage(ctx context.Context, h Handle, id string, stage thread.GenerationStage, status string) error {
	query := `UPDATE threads SET generation_stage = ?, status_message = ?, updated_at = ? WHERE id = ?`
	res, err := h.ExecContext(ctx, h.Dialect().Rebind(query), string(stage), status, toMicros(now()), id)
	if err != nil {
		return fmt.Errorf("failed to update generation stage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return nil
}
