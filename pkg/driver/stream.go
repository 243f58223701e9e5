package driver

import (
	"context"
)

// Stream is a lazy sequence of messages from an agentic run. Messages are
// produced by a backend goroutine and consumed via Next; the stream ends
// when the run finishes or fails.
type Stream struct {
	ch  chan Message
	err chan error

	done    chan struct{}
	lastErr error
}

// NewStream creates a stream and hands the producer side to fn, which runs
// on its own goroutine. fn must return when ctx is cancelled; its error is
// surfaced by Err after the stream is drained. Exported for out-of-package
// backends and test doubles.
func NewStream(ctx context.Context, fn func(ctx context.Context, emit func(Message) bool) error) *Stream {
	return newStream(ctx, fn)
}

func newStream(ctx context.Context, fn func(ctx context.Context, emit func(Message) bool) error) *Stream {
	s := &Stream{
		ch:   make(chan Message),
		err:  make(chan error, 1),
		done: make(chan struct{}),
	}

	emit := func(m Message) bool {
		select {
		case s.ch <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(s.ch)
		s.err <- fn(ctx, emit)
	}()
	return s
}

// Next returns the next message. ok is false when the stream is exhausted;
// the caller should then check Err.
func (s *Stream) Next() (Message, bool) {
	m, ok := <-s.ch
	if !ok {
		s.finish()
	}
	return m, ok
}

// Drain consumes and discards the remaining messages, then returns Err.
// Used when a caller aborts mid-stream and needs the terminal error.
func (s *Stream) Drain() error {
	for {
		if _, ok := s.Next(); !ok {
			return s.Err()
		}
	}
}

// Err returns the producer's terminal error. Valid after Next reported
// exhaustion.
func (s *Stream) Err() error {
	s.finish()
	return s.lastErr
}

func (s *Stream) finish() {
	select {
	case e := <-s.err:
		s.lastErr = e
		close(s.done)
	case <-s.done:
	}
}
