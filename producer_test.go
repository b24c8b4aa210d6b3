package hare

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/transport"
	"github.com/glimte/hare-go/internal/transport/transporttest"
)

func newTestProducer(t *testing.T, b *transporttest.Broker, opts ...ClientOption) *Producer {
	t.Helper()
	p := NewProducer(testOptions(b, opts...)...)
	require.NoError(t, p.Initialize("localhost", 5672, "guest", "guest"))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func payloads(published []transport.Publishing) []string {
	out := make([]string, len(published))
	for i, p := range published {
		out[i] = p.Message.String()
	}
	return out
}

func indexOf(events []string, event string) int {
	for i, e := range events {
		if e == event {
			return i
		}
	}
	return -1
}

func TestProducerLifecycle(t *testing.T) {
	t.Run("requires Initialize", func(t *testing.T) {
		p := NewProducer()
		assert.False(t, p.IsInitialized())
		assert.ErrorIs(t, p.Start(), contracts.ErrNotInitialized)
		assert.ErrorIs(t, p.SendTo("x", "k", contracts.NewStringMessage("m")), contracts.ErrNotInitialized)
		assert.Equal(t, StateDisconnected, p.State())
	})

	t.Run("start and stop twice", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)

		require.NoError(t, p.Start())
		assert.ErrorIs(t, p.Start(), contracts.ErrThreadAlreadyRunning)
		require.Eventually(t, func() bool { return p.State() == StateConnected }, waitFor, tick)

		require.NoError(t, p.Stop())
		assert.Equal(t, StateDisconnected, p.State())
		assert.ErrorIs(t, p.Stop(), contracts.ErrThreadNotRunning)
		assert.False(t, p.IsRunning())
	})

	t.Run("stop discards queued messages", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.SetDown(true)
		rec := &fakeRecorder{}
		p := newTestProducer(t, b, WithMetrics(rec))
		require.NoError(t, p.Start())

		for i := 0; i < 3; i++ {
			require.NoError(t, p.SendTo("logs", "k", contracts.NewStringMessage("m")))
		}
		assert.Equal(t, 3, p.QueueSize())

		require.NoError(t, p.Stop())
		assert.Equal(t, 0, p.QueueSize())
		assert.Equal(t, int64(3), rec.dropped.Load())
		assert.Empty(t, b.Published())
	})

	t.Run("reconnect requires a running worker", func(t *testing.T) {
		p := newTestProducer(t, transporttest.NewBroker())
		assert.ErrorIs(t, p.Reconnect(), contracts.ErrThreadNotRunning)
	})
}

func TestProducerSend(t *testing.T) {
	t.Run("needs an exchange", func(t *testing.T) {
		p := newTestProducer(t, transporttest.NewBroker())
		assert.ErrorIs(t, p.Send("k", contracts.NewStringMessage("m")), contracts.ErrInvalidParameters)
		assert.ErrorIs(t, p.SendTo("", "k", contracts.NewStringMessage("m")), contracts.ErrInvalidParameters)
	})

	t.Run("queue size drains after start", func(t *testing.T) {
		b := transporttest.NewBroker()
		rec := &fakeRecorder{}
		p := newTestProducer(t, b, WithMetrics(rec))
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))

		assert.Equal(t, 0, p.QueueSize())
		require.NoError(t, p.SendTo("x", "k", contracts.NewStringMessage("hello")))
		assert.Equal(t, 1, p.QueueSize())
		assert.Equal(t, int64(1), rec.depth.Load())

		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)

		published := b.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "hello", published[0].Message.String())
		assert.Equal(t, "k", published[0].RoutingKey)
		assert.True(t, published[0].Message.HasTimestamp())
		assert.Equal(t, int64(1), rec.published.Load())
		assert.Equal(t, int64(0), rec.depth.Load())
	})

	t.Run("declares the exchange before the first publish", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		assert.False(t, b.HasExchange("x"))

		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))
		require.NoError(t, p.SendTo("x", "k", contracts.NewStringMessage("m")))
		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)

		events := b.Events()
		declared := indexOf(events, "declare_exchange:x")
		published := indexOf(events, "publish:x:k")
		require.NotEqual(t, -1, declared)
		require.NotEqual(t, -1, published)
		assert.Less(t, declared, published)
		assert.Less(t, indexOf(events, "open_channel:1"), declared)
	})

	t.Run("send uses the default exchange", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.DeclareExchange("existing", contracts.ExchangeTopic)
		p := newTestProducer(t, b)

		p.SetExchange("existing")
		assert.Equal(t, "existing", p.Exchange())
		require.NoError(t, p.Send("a.b", contracts.NewStringMessage("m")))
		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)

		assert.Equal(t, "existing", b.Published()[0].Exchange)
		assert.Equal(t, -1, indexOf(b.Events(), "declare_exchange:existing"))
	})

	t.Run("SendTo does not change the default exchange", func(t *testing.T) {
		p := newTestProducer(t, transporttest.NewBroker())
		require.NoError(t, p.DeclareExchange("a", ""))
		require.NoError(t, p.SendTo("b", "k", contracts.NewStringMessage("m")))
		assert.Equal(t, "a", p.Exchange())
	})

	t.Run("rejects unknown exchange kinds", func(t *testing.T) {
		p := newTestProducer(t, transporttest.NewBroker())
		assert.ErrorIs(t, p.DeclareExchange("x", "round-robin"), contracts.ErrInvalidParameters)
		assert.ErrorIs(t, p.DeclareExchange("", contracts.ExchangeFanout), contracts.ErrInvalidParameters)
	})

	t.Run("publishes in send order across exchanges", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("a", contracts.ExchangeDirect))
		require.NoError(t, p.DeclareExchange("b", contracts.ExchangeFanout))

		var want []string
		for i := 0; i < 20; i++ {
			exchange := "a"
			if i%3 == 0 {
				exchange = "b"
			}
			payload := fmt.Sprintf("%s-%d", exchange, i)
			want = append(want, payload)
			require.NoError(t, p.SendTo(exchange, "k", contracts.NewStringMessage(payload)))
		}

		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.Equal(t, want, payloads(b.Published()))
	})

	t.Run("caller may reuse the message", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))

		msg := contracts.NewStringMessage("first")
		require.NoError(t, p.Send("k", msg))
		msg.SetPayload([]byte("second"))
		require.NoError(t, p.Send("k", msg))

		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.Equal(t, []string{"first", "second"}, payloads(b.Published()))
	})
}

func TestProducerRecovery(t *testing.T) {
	t.Run("server failure drops the queue and redeclares", func(t *testing.T) {
		b := transporttest.NewBroker()
		rec := &fakeRecorder{}
		p := newTestProducer(t, b, WithMetrics(rec))
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))
		require.NoError(t, p.Start())

		require.NoError(t, p.Send("k", contracts.NewStringMessage("first")))
		require.Eventually(t, func() bool { return len(b.Published()) == 1 }, waitFor, tick)

		b.FailNext(transporttest.OpPublish, transport.ServerError(transport.MethodConnectionClose, 320, "CONNECTION_FORCED"))
		require.NoError(t, p.Send("k", contracts.NewStringMessage("lost")))
		require.Eventually(t, func() bool { return b.Dials() == 2 && p.State() == StateConnected }, waitFor, tick)
		assert.Equal(t, int64(1), rec.dropped.Load())

		require.NoError(t, p.Send("k", contracts.NewStringMessage("third")))
		require.Eventually(t, func() bool { return len(b.Published()) == 2 }, waitFor, tick)

		assert.Equal(t, []string{"first", "third"}, payloads(b.Published()))
		assert.Equal(t, 2, countEvents(b.Events(), "declare_exchange:x"))
	})

	t.Run("other publish failures are retried in place", func(t *testing.T) {
		b := transporttest.NewBroker()
		rec := &fakeRecorder{}
		p := newTestProducer(t, b, WithMetrics(rec))
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))

		b.FailNext(transporttest.OpPublish, transport.LibraryError(transport.LibraryTimeout, nil))
		require.NoError(t, p.Send("k", contracts.NewStringMessage("one")))
		require.NoError(t, p.Send("k", contracts.NewStringMessage("two")))
		require.NoError(t, p.Start())

		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.Equal(t, []string{"one", "two"}, payloads(b.Published()))
		assert.Equal(t, int64(1), rec.failures.Load())
		assert.Equal(t, 1, b.Dials())
	})

	t.Run("closed channel is reopened", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))

		b.FailNext(transporttest.OpPublish, transport.ServerError(transport.MethodChannelClose, 406, "PRECONDITION_FAILED"))
		require.NoError(t, p.Send("k", contracts.NewStringMessage("m")))
		require.NoError(t, p.Start())

		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.Equal(t, 2, countEvents(b.Events(), "open_channel:1"))
		assert.Equal(t, 1, b.Dials())
	})

	t.Run("failed declare is retried", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))

		b.FailNext(transporttest.OpDeclareExchange, transport.ServerError(transport.MethodChannelClose, 403, "ACCESS_REFUSED"))
		require.NoError(t, p.Send("k", contracts.NewStringMessage("m")))
		require.NoError(t, p.Start())

		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.True(t, b.HasExchange("x"))
		assert.Equal(t, 1, b.Dials())
	})

	t.Run("reconnect command redeclares", func(t *testing.T) {
		b := transporttest.NewBroker()
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))
		require.NoError(t, p.Start())
		require.Eventually(t, func() bool { return b.HasExchange("x") }, waitFor, tick)

		require.NoError(t, p.Reconnect())
		require.Eventually(t, func() bool {
			return b.Dials() == 2 && countEvents(b.Events(), "declare_exchange:x") == 2
		}, waitFor, tick)
	})

	t.Run("messages sent while the broker is down go out once it is back", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.SetDown(true)
		p := newTestProducer(t, b)
		require.NoError(t, p.DeclareExchange("x", contracts.ExchangeDirect))
		require.NoError(t, p.Start())

		require.NoError(t, p.Send("k", contracts.NewStringMessage("queued")))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, p.QueueSize())

		b.SetDown(false)
		require.Eventually(t, func() bool { return p.QueueSize() == 0 }, waitFor, tick)
		assert.Equal(t, []string{"queued"}, payloads(b.Published()))
	})
}

func TestProducerSetTimeout(t *testing.T) {
	p := newTestProducer(t, transporttest.NewBroker())
	p.SetTimeout(75 * time.Millisecond)
	assert.Equal(t, 75*time.Millisecond, p.connection().Timeout())
}
