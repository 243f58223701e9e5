package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDeliversInOrder(t *testing.T) {
	s := newStream(context.Background(), func(_ context.Context, emit func(Message) bool) error {
		emit(Thinking("a"))
		emit(Result("b"))
		return nil
	})

	m, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, KindThinking, m.Kind)

	m, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "b", m.Content)

	_, ok = s.Next()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
}

func TestStreamSurfacesProducerError(t *testing.T) {
	want := errors.New("backend exploded")
	s := newStream(context.Background(), func(_ context.Context, emit func(Message) bool) error {
		emit(Thinking("partial"))
		return want
	})

	_, ok := s.Next()
	require.True(t, ok)
	_, ok = s.Next()
	require.False(t, ok)
	assert.ErrorIs(t, s.Err(), want)
}

func TestStreamDrain(t *testing.T) {
	want := errors.New("late failure")
	s := newStream(context.Background(), func(_ context.Context, emit func(Message) bool) error {
		for i := 0; i < 10; i++ {
			emit(Thinking("x"))
		}
		return want
	})

	assert.ErrorIs(t, s.Drain(), want)
}

func TestStreamCancelUnblocksProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	produced := make(chan struct{})

	s := newStream(ctx, func(ctx context.Context, emit func(Message) bool) error {
		defer close(produced)
		for {
			if !emit(Thinking("spin")) {
				return ctx.Err()
			}
		}
	})

	_, ok := s.Next()
	require.True(t, ok)

	cancel()
	<-produced

	assert.ErrorIs(t, s.Drain(), context.Canceled)
}

func TestStreamErrIsIdempotent(t *testing.T) {
	s := newStream(context.Background(), func(context.Context, func(Message) bool) error {
		return errors.New("once")
	})
	require.Error(t, s.Drain())
	assert.Equal(t, s.Err(), s.Err())
}
