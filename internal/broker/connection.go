package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/transport"
)

const (
	// DefaultTimeout bounds every blocking broker operation
	DefaultTimeout = time.Second

	defaultBreakerFailures = 5
	defaultBreakerOpen     = 5 * time.Second
)

// Connection serialises every interaction with one broker connection and
// decodes transport replies into contracts errors. No channel operation is
// issued unless the connection is in StateConnected.
type Connection struct {
	mu        sync.Mutex
	creds     transport.Credentials
	factory   transport.Factory
	t         transport.Transport
	state     atomic.Int32
	timeout   atomic.Int64
	breaker   *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	listeners []StateListener

	breakerFailures uint32
	breakerOpen     time.Duration
}

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithTimeout sets the operation timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.timeout.Store(int64(d))
	}
}

// WithTransportFactory replaces the AMQP transport, mostly for tests
func WithTransportFactory(f transport.Factory) Option {
	return func(c *Connection) {
		c.factory = f
	}
}

// WithBreaker sets how many consecutive failed connects open the connect
// breaker and how long it stays open
func WithBreaker(failures uint32, open time.Duration) Option {
	return func(c *Connection) {
		c.breakerFailures = failures
		c.breakerOpen = open
	}
}

// WithStateListener registers a listener for connect and disconnect events
func WithStateListener(l StateListener) Option {
	return func(c *Connection) {
		c.listeners = append(c.listeners, l)
	}
}

// NewConnection validates creds and returns a disconnected Connection
func NewConnection(creds transport.Credentials, opts ...Option) (*Connection, error) {
	if err := creds.Validate(); err != nil {
		return nil, contracts.NewError(contracts.KindInvalidParameters, "initialize", err)
	}

	c := &Connection{
		creds:           creds,
		logger:          zerolog.Nop(),
		breakerFailures: defaultBreakerFailures,
		breakerOpen:     defaultBreakerOpen,
	}
	c.timeout.Store(int64(DefaultTimeout))

	for _, opt := range opts {
		opt(c)
	}

	if c.factory == nil {
		c.factory = transport.AMQPFactory()
	}

	failures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hare-connect",
		Timeout: c.breakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("connect breaker changed state")
		},
	})

	return c, nil
}

// Credentials returns the login the connection was created with
func (c *Connection) Credentials() transport.Credentials {
	return c.creds
}

// State returns the current connection state
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the connection is usable
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Timeout returns the operation timeout
func (c *Connection) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the operation timeout; it applies from the next call
func (c *Connection) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout.Store(int64(d))
}

// Connect opens the transport and logs in. The state becomes
// StateConnected only when both succeed.
func (c *Connection) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err == nil {
		for _, l := range c.listeners {
			l.OnConnected()
		}
	}
	return err
}

func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.IsConnected() {
		return nil
	}

	c.state.Store(int32(StateConnecting))
	c.logger.Info().
		Str("host", c.creds.Host).
		Int("port", c.creds.Port).
		Str("user", c.creds.Username).
		Msg("connecting to broker")

	_, err := c.breaker.Execute(func() (interface{}, error) {
		t := c.factory()
		if err := t.Dial(ctx, c.creds); err != nil {
			_ = t.Close()
			return nil, err
		}
		c.t = t
		return nil, nil
	})
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("connect suppressed while broker is failing")
			return contracts.NewError(contracts.KindServerConnectionFailure, "connect", err)
		}
		c.logger.WithLevel(zerolog.FatalLevel).Err(err).Msg("connection to broker failed")
		return c.decode("connect", err)
	}

	c.state.Store(int32(StateConnected))
	c.logger.Info().Str("host", c.creds.Host).Msg("connected to broker")
	return nil
}

// CloseConnection tears the transport down. It is a no-op when already
// disconnected and always leaves the state StateDisconnected.
func (c *Connection) CloseConnection() error {
	c.mu.Lock()
	t := c.t
	wasConnected := c.IsConnected()
	c.t = nil
	c.state.Store(int32(StateDisconnected))
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	err := t.Close()
	if reply := transport.ReplyOf(err); reply.Type == transport.ReplyLibraryException &&
		reply.Library == transport.LibraryConnectionClosed {
		err = nil
	}

	if wasConnected {
		c.logger.Info().Msg("broker connection closed")
		for _, l := range c.listeners {
			l.OnDisconnected(err)
		}
	}
	return c.decode("close connection", err)
}

// ready returns the transport, or ServerConnectionFailure when there is none.
// Callers hold c.mu.
func (c *Connection) ready(op string) (transport.Transport, error) {
	if !c.IsConnected() || c.t == nil {
		return nil, contracts.NewError(contracts.KindServerConnectionFailure, op, errNotConnected)
	}
	return c.t, nil
}

var errNotConnected = errors.New("not connected")

// OpenChannel opens channel id. A channel exception also closes the id so
// the next attempt starts clean.
func (c *Connection) OpenChannel(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("open channel")
	if err != nil {
		return err
	}

	if err := c.decode("open channel", t.OpenChannel(id)); err != nil {
		if contracts.KindOf(err) == contracts.KindChannelException {
			_ = t.CloseChannel(id)
		}
		return err
	}

	c.logger.Debug().Int("channel", id).Msg("channel opened")
	return nil
}

// CloseChannel closes channel id
func (c *Connection) CloseChannel(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("close channel")
	if err != nil {
		return err
	}
	if err := c.decode("close channel", t.CloseChannel(id)); err != nil {
		return err
	}

	c.logger.Debug().Int("channel", id).Msg("channel closed")
	return nil
}

// DeclareExchange declares an exchange of the given kind on channel id
func (c *Connection) DeclareExchange(id int, name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("declare exchange")
	if err != nil {
		return err
	}
	if err := c.decode("declare exchange", t.DeclareExchange(id, name, kind)); err != nil {
		return err
	}

	c.logger.Info().Int("channel", id).Str("exchange", name).Str("kind", kind).Msg("exchange declared")
	return nil
}

// DeclareQueue declares a queue on channel id and returns its name, assigned
// by the broker unless props.Passive is set
func (c *Connection) DeclareQueue(id int, props contracts.QueueProperties) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("declare queue")
	if err != nil {
		return "", err
	}

	name, err := t.DeclareQueue(id, props)
	if err != nil {
		return "", c.decode("declare queue", err)
	}
	if name == "" && !props.Passive {
		return "", c.decode("declare queue", transport.NoReply())
	}

	c.logger.Debug().Int("channel", id).Str("queue", name).Msg("queue declared")
	return name, nil
}

// BindQueue binds queue to exchange under routingKey
func (c *Connection) BindQueue(id int, queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("bind queue")
	if err != nil {
		return err
	}
	if err := c.decode("bind queue", t.BindQueue(id, queue, exchange, routingKey)); err != nil {
		return err
	}

	c.logger.Info().
		Int("channel", id).
		Str("queue", queue).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("queue bound")
	return nil
}

// StartConsumption registers channel id for delivery through ConsumeMessage
func (c *Connection) StartConsumption(id int, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("start consumption")
	if err != nil {
		return err
	}
	if err := c.decode("start consumption", t.Consume(id, queue)); err != nil {
		return err
	}

	c.logger.Debug().Int("channel", id).Str("queue", queue).Msg("consumption started")
	return nil
}

// PublishMessage stamps the message with the current time when it carries
// no timestamp and publishes it. Server failures come back as they are;
// anything else is wrapped as a PublishError.
func (c *Connection) PublishMessage(ctx context.Context, p *transport.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("publish")
	if err != nil {
		return err
	}

	if !p.Message.HasTimestamp() {
		p.Message.SetTimestamp(uint64(time.Now().UnixMicro()))
	}

	pctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	err = c.decode("publish", t.Publish(pctx, *p))
	if err == nil {
		c.logger.Debug().
			Int("channel", p.ChannelID).
			Str("exchange", p.Exchange).
			Str("routing_key", p.RoutingKey).
			Msg("message published")
		return nil
	}
	if contracts.IsServerFailure(err) {
		return err
	}
	return contracts.NewError(contracts.KindPublishError, "publish", err)
}

// ConsumeMessage waits up to the timeout for the next delivery on any
// channel registered with StartConsumption
func (c *Connection) ConsumeMessage(ctx context.Context) (transport.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ready("consume")
	if err != nil {
		return transport.Envelope{}, err
	}

	env, err := t.Next(ctx, c.Timeout())
	if err != nil {
		return transport.Envelope{}, c.decode("consume", err)
	}

	c.logger.Debug().
		Int("channel", env.ChannelID).
		Str("exchange", env.Exchange).
		Str("routing_key", env.RoutingKey).
		Int("size", env.Message.Len()).
		Msg("message received")
	return env, nil
}
