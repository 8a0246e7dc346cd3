package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueRequeuesFailedMessages(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Publish(ctx, []byte("event")))

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(context.Context, []byte) error {
			calls++
			if calls == 1 {
				return errors.New("retry me")
			}
			cancel()
			return nil
		})
	}()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), []byte("pending")))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.Error(t, q.Publish(context.Background(), []byte("late")))

	var got []string
	err := q.Consume(context.Background(), 1, func(_ context.Context, payload []byte) error {
		got = append(got, string(payload))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"pending"}, got)
}
