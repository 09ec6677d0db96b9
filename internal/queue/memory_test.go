package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	url, err := m.CreateQueue(ctx, "tasks")
	require.NoError(t, err)

	require.NoError(t, m.Send(ctx, url, "a"))
	require.NoError(t, m.Send(ctx, url, "b"))

	msgs, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.Equal(t, "b", msgs[1].Body)

	// In flight: invisible to a second receiver.
	again, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 10, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, m.Delete(ctx, url, msgs[0].ReceiptHandle))
	assert.Equal(t, []string{"b"}, m.Bodies("tasks"))
}

func TestMemory_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	url, _ := m.CreateQueue(ctx, "tasks")
	require.NoError(t, m.Send(ctx, url, "x"))

	first, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 1, Visibility: 20 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 1, Wait: time.Second, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	// The stale receipt no longer acknowledges the delivery.
	require.NoError(t, m.Delete(ctx, url, first[0].ReceiptHandle))
	assert.Len(t, m.Bodies("tasks"), 1)
}

func TestMemory_LongPollWakesOnSend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	url, _ := m.CreateQueue(ctx, "tasks")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Send(ctx, url, "late")
	}()

	msgs, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 1, Wait: 5 * time.Second, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", msgs[0].Body)
}

func TestMemory_ReceiveHonoursContext(t *testing.T) {
	m := NewMemory()
	url, _ := m.CreateQueue(context.Background(), "tasks")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Receive(ctx, url, ReceiveOptions{MaxMessages: 1, Wait: 10 * time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemory_QueueLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.QueueURL(ctx, "reply")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	url, err := m.CreateQueue(ctx, "reply")
	require.NoError(t, err)
	got, err := m.QueueURL(ctx, "reply")
	require.NoError(t, err)
	assert.Equal(t, url, got)

	require.NoError(t, m.DeleteQueue(ctx, url))
	assert.False(t, m.Exists("reply"))
	assert.ErrorIs(t, m.Send(ctx, url, "x"), ErrQueueNotFound)
	assert.ErrorIs(t, m.DeleteQueue(ctx, url), ErrQueueNotFound)
}

func TestMemory_SendHook(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	url, _ := m.CreateQueue(ctx, "tasks")

	boom := errors.New("throttled")
	m.SetSendHook(func(string, string) error { return boom })
	assert.ErrorIs(t, m.Send(ctx, url, "x"), boom)
	assert.Empty(t, m.Bodies("tasks"))
}
