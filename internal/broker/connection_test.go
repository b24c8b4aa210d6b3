package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/transport"
	"github.com/glimte/hare-go/internal/transport/transporttest"
)

// MockTransport is a mock implementation of transport.Transport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Dial(ctx context.Context, creds transport.Credentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransport) OpenChannel(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockTransport) CloseChannel(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockTransport) DeclareExchange(id int, name, kind string) error {
	args := m.Called(id, name, kind)
	return args.Error(0)
}

func (m *MockTransport) DeclareQueue(id int, props contracts.QueueProperties) (string, error) {
	args := m.Called(id, props)
	return args.String(0), args.Error(1)
}

func (m *MockTransport) BindQueue(id int, queue, exchange, routingKey string) error {
	args := m.Called(id, queue, exchange, routingKey)
	return args.Error(0)
}

func (m *MockTransport) Consume(id int, queue string) error {
	args := m.Called(id, queue)
	return args.Error(0)
}

func (m *MockTransport) Publish(ctx context.Context, p transport.Publishing) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockTransport) Next(ctx context.Context, timeout time.Duration) (transport.Envelope, error) {
	args := m.Called(ctx, timeout)
	return args.Get(0).(transport.Envelope), args.Error(1)
}

type recordingListener struct {
	connected    int
	disconnected int
}

func (l *recordingListener) OnConnected()           { l.connected++ }
func (l *recordingListener) OnDisconnected(_ error) { l.disconnected++ }

func newTestConnection(t *testing.T, b *transporttest.Broker, opts ...Option) *Connection {
	t.Helper()
	opts = append([]Option{WithTransportFactory(b.Factory())}, opts...)
	c, err := NewConnection(transport.DefaultCredentials(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewConnection(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		c, err := NewConnection(transport.DefaultCredentials())
		require.NoError(t, err)
		assert.Equal(t, DefaultTimeout, c.Timeout())
		assert.Equal(t, StateDisconnected, c.State())
		assert.NotNil(t, c.factory)
	})

	t.Run("rejects invalid credentials", func(t *testing.T) {
		creds := transport.DefaultCredentials()
		creds.Port = 0
		_, err := NewConnection(creds)
		assert.True(t, errors.Is(err, contracts.ErrInvalidParameters))
	})

	t.Run("SetTimeout falls back to default", func(t *testing.T) {
		c, err := NewConnection(transport.DefaultCredentials(), WithTimeout(3*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, c.Timeout())
		c.SetTimeout(0)
		assert.Equal(t, DefaultTimeout, c.Timeout())
	})
}

func TestConnect(t *testing.T) {
	t.Run("connects and notifies listeners", func(t *testing.T) {
		l := &recordingListener{}
		c := newTestConnection(t, transporttest.NewBroker(), WithStateListener(l))

		require.NoError(t, c.Connect(context.Background()))
		assert.True(t, c.IsConnected())
		assert.Equal(t, 1, l.connected)

		require.NoError(t, c.CloseConnection())
		require.NoError(t, c.CloseConnection())
		assert.Equal(t, StateDisconnected, c.State())
		assert.Equal(t, 1, l.disconnected)
	})

	t.Run("unreachable broker is a connection failure", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.SetDown(true)
		c := newTestConnection(t, b)

		err := c.Connect(context.Background())
		assert.True(t, errors.Is(err, contracts.ErrServerConnectionFailure))
		assert.True(t, contracts.IsServerFailure(err))
		assert.Equal(t, StateDisconnected, c.State())
	})

	t.Run("refused login is an authentication failure", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.SetUsers(map[string]string{"admin": "secret"})
		c := newTestConnection(t, b)

		err := c.Connect(context.Background())
		assert.True(t, errors.Is(err, contracts.ErrServerAuthenticationFailure))
		assert.False(t, c.IsConnected())
	})

	t.Run("open breaker short-circuits dialing", func(t *testing.T) {
		b := transporttest.NewBroker()
		b.SetDown(true)
		c := newTestConnection(t, b, WithBreaker(2, time.Hour))

		for i := 0; i < 2; i++ {
			assert.Error(t, c.Connect(context.Background()))
		}
		b.SetDown(false)

		err := c.Connect(context.Background())
		assert.True(t, errors.Is(err, contracts.ErrServerConnectionFailure))
		assert.Equal(t, 0, b.Dials())
	})
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestConnection(t, transporttest.NewBroker())

	ops := map[string]func() error{
		"open channel":     func() error { return c.OpenChannel(1) },
		"close channel":    func() error { return c.CloseChannel(1) },
		"declare exchange": func() error { return c.DeclareExchange(1, "x", contracts.ExchangeDirect) },
		"bind queue":       func() error { return c.BindQueue(1, "q", "x", "k") },
		"consume":          func() error { return c.StartConsumption(1, "q") },
		"publish": func() error {
			return c.PublishMessage(context.Background(), &transport.Publishing{ChannelID: 1, Exchange: "x"})
		},
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			assert.True(t, contracts.IsServerFailure(err))
		})
	}
}

func TestBindSequence(t *testing.T) {
	b := transporttest.NewBroker()
	b.DeclareExchange("logs", contracts.ExchangeDirect)
	c := newTestConnection(t, b)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.OpenChannel(1))
	queue, err := c.DeclareQueue(1, contracts.DefaultQueueProperties())
	require.NoError(t, err)
	assert.NotEmpty(t, queue)
	require.NoError(t, c.BindQueue(1, queue, "logs", "error"))
	require.NoError(t, c.StartConsumption(1, queue))

	t.Run("delivers routed messages", func(t *testing.T) {
		require.NoError(t, b.Inject("logs", "error", contracts.NewStringMessage("disk full")))

		env, err := c.ConsumeMessage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "disk full", env.Message.String())
		assert.Equal(t, "logs", env.Exchange)
	})

	t.Run("times out when idle", func(t *testing.T) {
		c.SetTimeout(10 * time.Millisecond)
		_, err := c.ConsumeMessage(context.Background())
		assert.True(t, errors.Is(err, contracts.ErrTimeoutOccurred))
		assert.False(t, contracts.IsServerFailure(err))
	})

	t.Run("missing exchange is a channel exception", func(t *testing.T) {
		require.NoError(t, c.OpenChannel(2))
		q, err := c.DeclareQueue(2, contracts.DefaultQueueProperties())
		require.NoError(t, err)

		err = c.BindQueue(2, q, "nope", "k")
		assert.True(t, errors.Is(err, contracts.ErrChannelException))
		assert.False(t, contracts.IsServerFailure(err))
	})

	t.Run("killed connection is a server failure", func(t *testing.T) {
		b.KillConnections()
		_, err := c.ConsumeMessage(context.Background())
		assert.True(t, contracts.IsServerFailure(err))
	})
}

func TestPublishMessage(t *testing.T) {
	t.Run("stamps a timestamp when missing", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := newTestConnection(t, b)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.OpenChannel(1))
		require.NoError(t, c.DeclareExchange(1, "x", contracts.ExchangeDirect))

		before := uint64(time.Now().UnixMicro())
		p := &transport.Publishing{ChannelID: 1, Exchange: "x", RoutingKey: "k", Message: contracts.NewStringMessage("hi")}
		require.NoError(t, c.PublishMessage(context.Background(), p))

		published := b.Published()
		require.Len(t, published, 1)
		assert.True(t, published[0].Message.HasTimestamp())
		assert.GreaterOrEqual(t, published[0].Message.Timestamp(), before)
	})

	t.Run("keeps an explicit timestamp", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := newTestConnection(t, b)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.OpenChannel(1))
		require.NoError(t, c.DeclareExchange(1, "x", contracts.ExchangeDirect))

		msg := contracts.NewStringMessage("hi")
		msg.SetTimestamp(42)
		require.NoError(t, c.PublishMessage(context.Background(), &transport.Publishing{ChannelID: 1, Exchange: "x", Message: msg}))
		assert.Equal(t, uint64(42), b.Published()[0].Message.Timestamp())
	})

	t.Run("channel failure is a publish error", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := newTestConnection(t, b)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.OpenChannel(1))

		err := c.PublishMessage(context.Background(), &transport.Publishing{ChannelID: 1, Exchange: "missing"})
		assert.True(t, errors.Is(err, contracts.ErrPublishError))
		assert.True(t, errors.Is(err, contracts.ErrChannelException))
		assert.False(t, contracts.IsServerFailure(err))
	})

	t.Run("lost connection stays a server failure", func(t *testing.T) {
		b := transporttest.NewBroker()
		c := newTestConnection(t, b)
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.OpenChannel(1))
		b.FailNext(transporttest.OpPublish, transport.LibraryError(transport.LibrarySocketClosed, nil))

		err := c.PublishMessage(context.Background(), &transport.Publishing{ChannelID: 1, Exchange: "x"})
		assert.True(t, errors.Is(err, contracts.ErrServerConnectionFailure))
		assert.False(t, errors.Is(err, contracts.ErrPublishError))
	})
}

func TestOpenChannelException(t *testing.T) {
	m := new(MockTransport)
	m.On("Dial", mock.Anything, mock.Anything).Return(nil)
	m.On("OpenChannel", 3).Return(transport.ServerError(transport.MethodChannelClose, 403, "ACCESS_REFUSED"))
	m.On("CloseChannel", 3).Return(nil)

	c, err := NewConnection(transport.DefaultCredentials(), WithTransportFactory(func() transport.Transport { return m }))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	err = c.OpenChannel(3)
	assert.True(t, errors.Is(err, contracts.ErrChannelException))
	m.AssertExpectations(t)
}

func TestDeclareQueueWithoutName(t *testing.T) {
	m := new(MockTransport)
	m.On("Dial", mock.Anything, mock.Anything).Return(nil)
	m.On("DeclareQueue", 1, contracts.DefaultQueueProperties()).Return("", nil)

	c, err := NewConnection(transport.DefaultCredentials(), WithTransportFactory(func() transport.Transport { return m }))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.DeclareQueue(1, contracts.DefaultQueueProperties())
	assert.True(t, errors.Is(err, contracts.ErrNoRPCReply))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		reply transport.Reply
		want  contracts.ErrorKind
	}{
		{"no reply", transport.Reply{Type: transport.ReplyNone}, contracts.KindNoRPCReply},
		{"version", transport.Reply{Type: transport.ReplyLibraryException, Library: transport.LibraryIncompatibleVersion}, contracts.KindInvalidAMQPVersion},
		{"socket", transport.Reply{Type: transport.ReplyLibraryException, Library: transport.LibrarySocketError}, contracts.KindServerConnectionFailure},
		{"parameter", transport.Reply{Type: transport.ReplyLibraryException, Library: transport.LibraryInvalidParameter}, contracts.KindInvalidParameters},
		{"timeout", transport.Reply{Type: transport.ReplyLibraryException, Library: transport.LibraryTimeout}, contracts.KindTimeoutOccurred},
		{"tls", transport.Reply{Type: transport.ReplyLibraryException, Library: transport.LibraryTLSHostnameFailure}, contracts.KindServerAuthenticationFailure},
		{"connection close", transport.Reply{Type: transport.ReplyServerException, Method: transport.MethodConnectionClose}, contracts.KindServerConnectionFailure},
		{"channel close", transport.Reply{Type: transport.ReplyServerException, Method: transport.MethodChannelClose}, contracts.KindChannelException},
		{"other server method", transport.Reply{Type: transport.ReplyServerException}, contracts.KindServerExceptionResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _ := classify(tt.reply)
			assert.Equal(t, tt.want, kind)
		})
	}
}
