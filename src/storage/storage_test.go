package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/threadloom/src/thread"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newThread(t *testing.T, db *DB) *thread.Thread {
	t.Helper()
	th := &thread.Thread{ProjectID: "proj"}
	require.NoError(t, db.CreateThread(context.Background(), th))
	return th
}

func userMessage(text string) *thread.Message {
	return &thread.Message{Role: thread.RoleUser, Content: []thread.ContentPart{thread.TextPart(text)}}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.db")
	db, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()

	applied, err := db.AppliedVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)
}

func TestPostgresMigrationsEmbedded(t *testing.T) {
	db := &DB{driver: DriverPostgres, dialect: DialectPostgres}
	migrations, err := db.Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Contains(t, migrations[0].SQL, "JSONB")
	assert.NotContains(t, migrations[0].SQL, "DROP TABLE")
}

func TestThreadCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := "ctx-1"
	th := &thread.Thread{ProjectID: "proj", ContextKey: &key}
	require.NoError(t, db.CreateThread(ctx, th))

	got, err := db.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StageIdle, got.GenerationStage)
	assert.Equal(t, "ctx-1", *got.ContextKey)
	assert.True(t, th.CreatedAt.Equal(got.CreatedAt))

	_, err = db.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	list, err := ListThreads(ctx, db, "proj", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBeginGeneration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	msg := userMessage("hi")
	got, err := db.BeginGeneration(ctx, BeginParams{ThreadID: th.ID, Message: msg, Status: "Choosing component"})
	require.NoError(t, err)
	assert.Equal(t, thread.StageChoosingComponent, got.GenerationStage)
	assert.NotEmpty(t, msg.ID)

	stored, err := db.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StageChoosingComponent, stored.GenerationStage)
	assert.Equal(t, "Choosing component", stored.StatusMessage)

	msgs, err := db.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.True(t, msgs[0].CreatedAt.Equal(msg.CreatedAt))
}

func TestBeginGenerationRejectsBusyThread(t *testing.T) {
	for _, stage := range []thread.GenerationStage{
		thread.StageStreamingResponse,
		thread.StageHydratingComponent,
		thread.StageChoosingComponent,
	} {
		t.Run(string(stage), func(t *testing.T) {
			db := openTestDB(t)
			ctx := context.Background()
			th := newThread(t, db)
			require.NoError(t, db.SetStage(ctx, th.ID, stage, "busy"))

			_, err := db.BeginGeneration(ctx, BeginParams{ThreadID: th.ID, Message: userMessage("hi")})
			assert.ErrorIs(t, err, ErrAlreadyProcessing)
			_, err = db.TryBeginProcessing(ctx, th.ID, "x")
			assert.ErrorIs(t, err, ErrAlreadyProcessing)

			stored, err := db.GetThread(ctx, th.ID)
			require.NoError(t, err)
			assert.Equal(t, stage, stored.GenerationStage)
			assert.Equal(t, "busy", stored.StatusMessage)

			msgs, err := db.ListMessages(ctx, th.ID)
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestBeginGenerationAdmitsFinishedThread(t *testing.T) {
	for _, stage := range []thread.GenerationStage{thread.StageIdle, thread.StageComplete, thread.StageError, thread.StageFetchingContext} {
		t.Run(string(stage), func(t *testing.T) {
			db := openTestDB(t)
			ctx := context.Background()
			th := newThread(t, db)
			require.NoError(t, db.SetStage(ctx, th.ID, stage, ""))
			_, err := db.TryBeginProcessing(ctx, th.ID, "")
			assert.NoError(t, err)
		})
	}
}

func TestBeginGenerationIsMutuallyExclusive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = db.BeginGeneration(ctx, BeginParams{ThreadID: th.ID, Message: userMessage("hi")})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyProcessing)
	}
	assert.Equal(t, 1, ok)

	msgs, err := db.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestBeginGenerationChecksLastObserved(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	first := userMessage("one")
	first.ThreadID = th.ID
	require.NoError(t, db.AppendMessage(ctx, thread.MessageRef{}, first))

	stale := thread.MessageRef{}
	_, err := db.BeginGeneration(ctx, BeginParams{ThreadID: th.ID, LastObserved: &stale, Message: userMessage("two")})
	assert.ErrorIs(t, err, ErrConsistencyViolation)

	stored, err := db.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StageIdle, stored.GenerationStage)

	ref := first.Ref()
	_, err = db.BeginGeneration(ctx, BeginParams{ThreadID: th.ID, LastObserved: &ref, Message: userMessage("two")})
	assert.NoError(t, err)
}

func TestAppendMessageGuard(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	first := userMessage("one")
	first.ThreadID = th.ID
	require.NoError(t, db.AppendMessage(ctx, thread.MessageRef{}, first))

	tests := []struct {
		name     string
		expected thread.MessageRef
	}{
		{"empty", thread.MessageRef{}},
		{"different id", thread.MessageRef{ID: "other", CreatedAt: first.CreatedAt}},
		{"different timestamp", thread.MessageRef{ID: first.ID, CreatedAt: first.CreatedAt.Add(time.Microsecond)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := userMessage("stale")
			m.ThreadID = th.ID
			err := db.AppendMessage(ctx, tt.expected, m)
			require.ErrorIs(t, err, ErrConsistencyViolation)
			var ce *ConsistencyError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, first.ID, ce.Actual.ID)
		})
	}

	msgs, err := db.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	second := userMessage("two")
	second.ThreadID = th.ID
	require.NoError(t, db.AppendMessage(ctx, first.Ref(), second))
	assert.True(t, second.CreatedAt.After(first.CreatedAt))
}

func TestCreatedAtIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := now
	now = func() time.Time { return fixed }
	defer func() { now = orig }()

	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	var tail thread.MessageRef
	for i := 0; i < 3; i++ {
		m := userMessage("m")
		m.ThreadID = th.ID
		require.NoError(t, db.AppendMessage(ctx, tail, m))
		assert.Equal(t, fixed.Add(time.Duration(i)*time.Microsecond), m.CreatedAt)
		tail = m.Ref()
	}
}

func TestFinalizeMessage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	user := userMessage("hi")
	user.ThreadID = th.ID
	require.NoError(t, db.AppendMessage(ctx, thread.MessageRef{}, user))

	placeholder := &thread.Message{ThreadID: th.ID, Role: thread.RoleAssistant}
	require.NoError(t, db.AppendMessage(ctx, user.Ref(), placeholder))

	placeholder.Content = []thread.ContentPart{thread.TextPart("partial")}
	require.NoError(t, db.UpdateMessage(ctx, placeholder))

	placeholder.Content = []thread.ContentPart{thread.TextPart("done")}
	placeholder.ToolCallRequest = &thread.ToolCallRequest{ToolName: "weather"}
	placeholder.ToolCallID = "call-1"
	placeholder.ActionType = thread.ActionToolCall
	require.NoError(t, db.FinalizeMessage(ctx, user.Ref(), placeholder))

	got, err := GetMessage(ctx, db, placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Text())
	assert.Equal(t, "weather", got.ToolCallRequest.ToolName)
	assert.Equal(t, "call-1", got.ToolCallID)
	assert.Equal(t, thread.ActionToolCall, got.ActionType)
	assert.True(t, got.CreatedAt.Equal(placeholder.CreatedAt))

	// a message appended after the placeholder invalidates it
	intruder := userMessage("intruder")
	intruder.ThreadID = th.ID
	require.NoError(t, db.AppendMessage(ctx, placeholder.Ref(), intruder))
	err = db.FinalizeMessage(ctx, user.Ref(), placeholder)
	assert.ErrorIs(t, err, ErrConsistencyViolation)
}

func TestFinalizeMessageChecksPredecessor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	placeholder := &thread.Message{ThreadID: th.ID, Role: thread.RoleAssistant}
	require.NoError(t, db.AppendMessage(ctx, thread.MessageRef{}, placeholder))

	err := db.FinalizeMessage(ctx, thread.MessageRef{ID: "ghost", CreatedAt: time.Now()}, placeholder)
	assert.ErrorIs(t, err, ErrConsistencyViolation)
	assert.NoError(t, db.FinalizeMessage(ctx, thread.MessageRef{}, placeholder))
}

func TestInTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	th := newThread(t, db)

	err := db.InTx(ctx, sql.LevelSerializable, func(tx Handle) error {
		m := userMessage("rolled back")
		m.ThreadID = th.ID
		require.NoError(t, AddMessage(ctx, tx, m))
		return ErrConsistencyViolation
	})
	assert.ErrorIs(t, err, ErrConsistencyViolation)

	msgs, err := db.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?"
	assert.Equal(t, q, DialectSQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2", DialectPostgres.Rebind(q))
	assert.Nil(t, DialectSQLite.TxOptions(sql.LevelSerializable))
	assert.Equal(t, " FOR UPDATE", DialectPostgres.ForUpdate())
}

func TestJSONScan(t *testing.T) {
	var j JSON[map[string]any]
	require.NoError(t, j.Scan(nil))
	assert.False(t, j.Valid)
	assert.Nil(t, j.Ptr())

	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.True(t, j.Valid)
	assert.Equal(t, float64(1), j.V["a"])

	v, err := NewJSON([]int{1, 2}).Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", v)

	v, err = NullJSON[int](nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
