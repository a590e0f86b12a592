package aisdk

import (
	"context"
	"errors"
	"io"
)

// DecisionStream yields cumulative decision snapshots. Next returns io.EOF
// after the last item.
type DecisionStream interface {
	Next(ctx context.Context) (*Decision, error)
	Close() error
}

// StreamCallback is a function called for each decision in a stream.
type StreamCallback func(d *Decision) error

// StreamToCallback reads a stream and calls the callback for each decision.
func StreamToCallback(ctx context.Context, stream DecisionStream, callback StreamCallback) error {
	defer stream.Close()

	for {
		d, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // End of stream
			}
			return err
		}
		if d == nil {
			continue
		}
		if err := callback(d); err != nil {
			return err
		}
	}
}

// Last drains the stream and returns its final decision
func Last(ctx context.Context, stream DecisionStream) (*Decision, error) {
	var last *Decision
	err := StreamToCallback(ctx, stream, func(d *Decision) error {
		last = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return last, nil
}

// SliceStream replays fixed decisions, optionally ending with an error
type SliceStream struct {
	Items []*Decision
	Err   error
	pos   int
}

// Single wraps one decision as a stream
func Single(d *Decision) *SliceStream {
	return &SliceStream{Items: []*Decision{d}}
}

func (s *SliceStream) Next(ctx context.Context) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.Items) {
		d := s.Items[s.pos]
		s.pos++
		return d, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *SliceStream) Close() error {
	return nil
}

// ChanStream reads decisions from a channel fed by a producer goroutine
type ChanStream struct {
	ch     <-chan StreamResult
	cancel context.CancelFunc
}

// StreamResult represents a result from a streaming operation.
type StreamResult struct {
	Decision *Decision
	Error    error
}

// NewChanStream wraps ch. cancel, if set, is called on Close.
func NewChanStream(ch <-chan StreamResult, cancel context.CancelFunc) *ChanStream {
	return &ChanStream{ch: ch, cancel: cancel}
}

func (s *ChanStream) Next(ctx context.Context) (*Decision, error) {
	select {
	case r, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		if r.Error != nil {
			return nil, r.Error
		}
		return r.Decision, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChanStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
