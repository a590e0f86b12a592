package storage

import (
	"context"

	"github.com/elee1766/threadloom/src/thread"
)

// guardWindow is how many recent messages the tail check reads
const guardWindow = 2

// CheckTail confirms the thread's log still ends where the writer last saw
// it. Equality is by id and exact creation time.
//
// With a placeholderID the placeholder must still be the newest message, and
// the message right before it is compared instead.
func CheckTail(ctx context.Context, h Handle, threadID string, expected thread.MessageRef, placeholderID string) error {
	recent, err := RecentMessages(ctx, h, threadID, guardWindow)
	if err != nil {
		return err
	}

	idx := 0
	if placeholderID != "" {
		if len(recent) == 0 || recent[0].ID != placeholderID {
			var actual thread.MessageRef
			if len(recent) > 0 {
				actual = recent[0].Ref()
			}
			return &ConsistencyError{
				ThreadID: threadID,
				Expected: expected,
				Actual:   actual,
				Reason:   "placeholder " + placeholderID + " is no longer the newest message",
			}
		}
		idx = 1
	}

	var actual thread.MessageRef
	if idx < len(recent) {
		actual = recent[idx].Ref()
	}
	if actual.IsZero() && expected.IsZero() {
		return nil
	}
	if !actual.Matches(expected) {
		return &ConsistencyError{ThreadID: threadID, Expected: expected, Actual: actual}
	}
	return nil
}
