package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/elee1766/threadloom/src/thread"
)

var (
	// ErrThreadNotFound is returned when a thread id does not exist
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound is returned when a message id does not exist
	ErrMessageNotFound = errors.New("message not found")
	// ErrAlreadyProcessing rejects a generation on a thread that has one in flight
	ErrAlreadyProcessing = errors.New("thread already processing")
	// ErrConsistencyViolation reports that the message log changed under a writer
	ErrConsistencyViolation = errors.New("thread message log changed concurrently")
)

// ConsistencyError describes a failed tail check
type ConsistencyError struct {
	ThreadID string
	Expected thread.MessageRef
	Actual   thread.MessageRef
	Reason   string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("thread %s: expected tail %s@%d, found %s@%d",
		e.ThreadID,
		e.Expected.ID, e.Expected.CreatedAt.UnixMicro(),
		e.Actual.ID, e.Actual.CreatedAt.UnixMicro())
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistencyViolation
}

// serialization_failure and deadlock_detected
var retryableCodes = map[string]bool{"40001": true, "40P01": true}

// mapTxError turns a postgres serialization failure into a consistency violation
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s", ErrConsistencyViolation, pgErr.Message)
	}
	return err
}
