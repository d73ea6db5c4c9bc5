package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue(context.Background(), "item-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "item-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue[int](1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), 1))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = qEnqueue.Enqueue(ctx, 2)
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueDequeueTimeout(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	_, err := q.DequeueTimeout(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, q.Enqueue(context.Background(), 7))
	require.Equal(t, 1, q.Len())
	got, err := q.DequeueTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.Equal(t, 0, q.Len())
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 1))
	q.Close()
	// Closing twice should be safe.
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), 2), ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, got)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseReleasesBlockedProducer(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	require.NoError(t, q.Enqueue(context.Background(), 1))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(context.Background(), 2)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("blocked producer was not released")
	}
}
