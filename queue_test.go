package hare

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/hare-go/contracts"
)

func TestChannelQueue(t *testing.T) {
	t.Run("fifo without duplicates", func(t *testing.T) {
		q := newChannelQueue()
		q.push(3)
		q.push(1)
		assert.Equal(t, 2, q.push(3))

		id, ok := q.pop()
		assert.True(t, ok)
		assert.Equal(t, 3, id)

		id, _ = q.pop()
		assert.Equal(t, 1, id)

		_, ok = q.pop()
		assert.False(t, ok)
	})

	t.Run("remove and clear", func(t *testing.T) {
		q := newChannelQueue()
		q.push(1)
		q.push(2)
		q.push(3)

		q.remove(2)
		q.remove(9)
		assert.Equal(t, 2, q.len())

		q.push(2)
		assert.Equal(t, 3, q.len())

		q.clear()
		assert.Equal(t, 0, q.len())
	})
}

func TestOutboundQueue(t *testing.T) {
	var q outboundQueue

	_, ok := q.peek()
	assert.False(t, ok)

	q.push(&outboundMessage{exchange: "a", msg: contracts.NewStringMessage("1")})
	q.push(&outboundMessage{exchange: "b", msg: contracts.NewStringMessage("2")})

	head, ok := q.peek()
	assert.True(t, ok)
	assert.Equal(t, "1", head.msg.String())
	assert.Equal(t, 2, q.len())

	assert.Equal(t, 1, q.pop())
	head, _ = q.peek()
	assert.Equal(t, "b", head.exchange)

	assert.Equal(t, 1, q.clear())
	assert.Equal(t, 0, q.pop())
}

func TestMailbox(t *testing.T) {
	m := newMailbox()
	m.post(command{kind: commandCloseChannel, channelID: 4})
	m.post(command{kind: commandReconnect})

	select {
	case <-m.wake:
	default:
		t.Fatal("post did not wake the worker")
	}

	commands := m.drain()
	assert.Equal(t, []command{
		{kind: commandCloseChannel, channelID: 4},
		{kind: commandReconnect},
	}, commands)
	assert.Empty(t, m.drain())

	m.post(command{kind: commandReconnect})
	m.reset()
	assert.Empty(t, m.drain())
	assert.Len(t, m.wake, 0)
}

func TestWorker(t *testing.T) {
	var w worker
	started := make(chan struct{})

	assert.ErrorIs(t, w.stop("stop", nil), contracts.ErrThreadNotRunning)

	err := w.start("start", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	assert.NoError(t, err)
	<-started
	assert.True(t, w.isRunning())
	assert.ErrorIs(t, w.start("start", func(context.Context) {}), contracts.ErrThreadAlreadyRunning)

	cleaned := false
	assert.NoError(t, w.stop("stop", func() { cleaned = true }))
	assert.True(t, cleaned)
	assert.False(t, w.isRunning())
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}
