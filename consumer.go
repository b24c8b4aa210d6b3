package hare

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/broker"
	"github.com/glimte/hare-go/internal/logging"
	"github.com/glimte/hare-go/internal/registry"
	"github.com/glimte/hare-go/internal/transport"
)

// Phase is where the consumer loop currently is
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseBindingChannels
	PhaseConsuming
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseBindingChannels:
		return "binding channels"
	case PhaseConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// Consumer binds queues to (exchange, routing key) pairs and delivers what
// arrives to the subscribed callbacks from one background worker
type Consumer struct {
	mu       sync.Mutex
	cfg      *clientConfig
	conn     *broker.Connection
	registry *registry.Registry
	pending  *channelQueue
	mailbox  *mailbox
	worker   worker
	phase    atomic.Int32
	logger   zerolog.Logger

	// bound holds the channels consuming on the live connection. Only the
	// worker touches it.
	bound map[int]bool
}

// NewConsumer creates a consumer. Call Initialize before Subscribe.
func NewConsumer(options ...ClientOption) *Consumer {
	cfg := newClientConfig(options)
	logger := logging.Component(cfg.logger, "consumer")

	c := &Consumer{
		cfg:     cfg,
		pending: newChannelQueue(),
		mailbox: newMailbox(),
		logger:  logger,
		bound:   make(map[int]bool),
	}
	c.registry = registry.New(
		registry.WithLogger(logger),
		registry.WithDispatchMode(cfg.dispatchMode),
		registry.WithWorkers(cfg.workers, cfg.workerBacklog),
	)
	return c
}

// Initialize sets the broker login. It fails while the consumer runs.
func (c *Consumer) Initialize(host string, port int, username, password string) error {
	c.worker.lifecycle.Lock()
	defer c.worker.lifecycle.Unlock()

	if c.worker.isRunning() {
		return contracts.NewError(contracts.KindThreadAlreadyRunning, "initialize", nil)
	}

	creds := transport.Credentials{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    c.cfg.vhost,
	}
	c.mu.Lock()
	opts := c.cfg.connectionOptions("consumer")
	c.mu.Unlock()

	conn, err := broker.NewConnection(creds, opts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		_ = old.CloseConnection()
	}
	return nil
}

// IsInitialized reports whether Initialize succeeded
func (c *Consumer) IsInitialized() bool {
	return c.connection() != nil
}

// IsRunning reports whether the background worker is active
func (c *Consumer) IsRunning() bool {
	return c.worker.isRunning()
}

// Phase returns the current loop phase
func (c *Consumer) Phase() Phase {
	return Phase(c.phase.Load())
}

// PendingChannels returns how many channels wait for a bind retry
func (c *Consumer) PendingChannels() int {
	return c.pending.len()
}

// Subscriptions returns how many bindings are registered
func (c *Consumer) Subscriptions() int {
	return c.registry.Len()
}

func (c *Consumer) connection() *broker.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Subscribe registers cb for messages published to exchange with
// routingKey. Subscribing an existing binding replaces its callback. On a
// running consumer the new binding is set up without a restart.
func (c *Consumer) Subscribe(exchange, routingKey string, cb Callback, props ...contracts.QueueProperties) error {
	if !c.IsInitialized() {
		return contracts.NewError(contracts.KindNotInitialized, "subscribe", nil)
	}
	if exchange == "" || cb == nil {
		return contracts.NewError(contracts.KindInvalidParameters, "subscribe", nil)
	}

	queueProps := contracts.DefaultQueueProperties()
	if len(props) > 0 {
		queueProps = props[0]
	}

	b := contracts.Binding{Exchange: exchange, RoutingKey: routingKey}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.registry.Lookup(b)
	id := c.registry.AddBinding(b, cb)
	if id < 0 {
		return contracts.NewError(contracts.KindUnableToSubscribe, "subscribe", nil)
	}
	c.registry.SetQueueProperties(id, queueProps)

	c.logger.Info().
		Int("channel", id).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("subscribed")

	if !existed && c.worker.isRunning() {
		c.cfg.metrics.SetPendingChannels(c.pending.push(id))
	}
	return nil
}

// Unsubscribe removes a binding. On a running consumer its channel is
// closed by the worker.
func (c *Consumer) Unsubscribe(exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.registry.RemoveBinding(contracts.Binding{Exchange: exchange, RoutingKey: routingKey})
	if !ok {
		return contracts.NewError(contracts.KindInvalidParameters, "unsubscribe", nil)
	}

	c.logger.Info().Int("channel", id).Str("exchange", exchange).Str("routing_key", routingKey).Msg("unsubscribed")
	if c.worker.isRunning() {
		c.mailbox.post(command{kind: commandCloseChannel, channelID: id})
	}
	return nil
}

// Start launches the background worker
func (c *Consumer) Start() error {
	conn := c.connection()
	if conn == nil {
		return contracts.NewError(contracts.KindNotInitialized, "start", nil)
	}

	c.mailbox.reset()
	return c.worker.start("start", func(ctx context.Context) {
		c.run(ctx, conn)
	})
}

// Stop signals the worker, waits for it to exit and closes the connection
func (c *Consumer) Stop() error {
	return c.worker.stop("stop", func() {
		if conn := c.connection(); conn != nil {
			_ = conn.CloseConnection()
		}
		c.registry.Close()
		c.pending.clear()
		c.cfg.metrics.SetPendingChannels(0)
		c.phase.Store(int32(PhaseDisconnected))
		c.logger.Info().Msg("consumer stopped")
	})
}

// Restart stops the worker if it runs and starts it again
func (c *Consumer) Restart() error {
	if err := c.Stop(); err != nil && contracts.KindOf(err) != contracts.KindThreadNotRunning {
		return err
	}
	return c.Start()
}

// Reconnect asks the running worker to tear the connection down and rebind
// every subscription
func (c *Consumer) Reconnect() error {
	if !c.worker.isRunning() {
		return contracts.NewError(contracts.KindThreadNotRunning, "reconnect", nil)
	}
	c.mailbox.post(command{kind: commandReconnect})
	return nil
}

// Close stops the worker if needed and releases the connection and the
// dispatch pool
func (c *Consumer) Close() error {
	if err := c.Stop(); err != nil && contracts.KindOf(err) != contracts.KindThreadNotRunning {
		return err
	}
	if conn := c.connection(); conn != nil {
		_ = conn.CloseConnection()
	}
	c.registry.Close()
	return nil
}

// SetTimeout changes how long one broker call may block
func (c *Consumer) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.mu.Lock()
	c.cfg.timeout = d
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.SetTimeout(d)
	}
}

// SetDispatchMode switches callback dispatch for later deliveries
func (c *Consumer) SetDispatchMode(mode DispatchMode) {
	c.registry.SetDispatchMode(mode)
}

func (c *Consumer) run(ctx context.Context, conn *broker.Connection) {
	c.logger.Info().Msg("consumer started")

	for ctx.Err() == nil {
		c.handleCommands(conn)

		if !conn.IsConnected() {
			c.phase.Store(int32(PhaseConnecting))
			if err := conn.Connect(ctx); err != nil {
				c.phase.Store(int32(PhaseDisconnected))
				sleep(ctx, c.cfg.retryBackoff)
				continue
			}

			c.pending.clear()
			clear(c.bound)
			c.phase.Store(int32(PhaseBindingChannels))
			if err := c.bindAll(conn); err != nil {
				c.teardown(conn, err)
				continue
			}
			c.phase.Store(int32(PhaseConsuming))
			c.cfg.metrics.SetPendingChannels(c.pending.len())
			continue
		}

		env, err := conn.ConsumeMessage(ctx)
		switch {
		case err == nil:
			c.deliver(env)
		case contracts.IsServerFailure(err):
			c.teardown(conn, err)
			continue
		case contracts.KindOf(err) == contracts.KindChannelException:
			if err := c.rebindLater(conn, err); err != nil {
				c.teardown(conn, err)
				continue
			}
		}

		if err := c.retryPending(conn); err != nil {
			c.teardown(conn, err)
		}
	}
}

func (c *Consumer) handleCommands(conn *broker.Connection) {
	for _, cmd := range c.mailbox.drain() {
		switch cmd.kind {
		case commandReconnect:
			if conn.IsConnected() {
				c.logger.Warn().Msg("reconnect requested")
				c.teardown(conn, nil)
			}
		case commandCloseChannel:
			c.pending.remove(cmd.channelID)
			delete(c.bound, cmd.channelID)
			if !conn.IsConnected() {
				continue
			}
			if err := conn.CloseChannel(cmd.channelID); contracts.IsServerFailure(err) {
				c.teardown(conn, err)
			}
		}
	}
}

// teardown closes the connection so the next iteration reconnects and
// rebinds every subscription
func (c *Consumer) teardown(conn *broker.Connection, cause error) {
	if cause != nil {
		logging.Fatal(c.logger).Err(cause).Msg("server failure, reconnecting")
	}
	_ = conn.CloseConnection()
	clear(c.bound)
	c.phase.Store(int32(PhaseDisconnected))
}

// bindAll sets up every registered channel. Only a server failure stops it.
func (c *Consumer) bindAll(conn *broker.Connection) error {
	for _, id := range c.registry.ChannelIDs() {
		if err := c.setupAndConsume(conn, id); err != nil {
			return err
		}
	}
	return nil
}

// setupAndConsume opens channel id, declares its queue, binds it and starts
// consumption. A failure that is not a server failure queues the id for a
// later retry and returns nil.
func (c *Consumer) setupAndConsume(conn *broker.Connection, id int) error {
	b, ok := c.registry.Binding(id)
	if !ok || c.bound[id] {
		return nil
	}
	props, _ := c.registry.QueueProperties(id)

	err := conn.OpenChannel(id)
	var queue string
	if err == nil {
		queue, err = conn.DeclareQueue(id, props)
	}
	if err == nil {
		c.registry.SetQueueName(id, queue)
		err = conn.BindQueue(id, queue, b.Exchange, b.RoutingKey)
	}
	if err == nil {
		err = conn.StartConsumption(id, queue)
	}

	if err == nil {
		c.bound[id] = true
		c.logger.Info().
			Int("channel", id).
			Str("queue", queue).
			Str("exchange", b.Exchange).
			Str("routing_key", b.RoutingKey).
			Msg("consuming")
		return nil
	}
	if contracts.IsServerFailure(err) {
		return err
	}

	c.logger.Error().Err(err).Int("channel", id).Str("binding", b.String()).Msg("channel setup failed, will retry")
	c.cfg.metrics.RecordBindFailure(b.Exchange)
	c.cfg.metrics.SetPendingChannels(c.pending.push(id))

	if err := conn.CloseChannel(id); contracts.IsServerFailure(err) {
		return err
	}
	return nil
}

// rebindLater queues the channel a consumer was lost on so the pending retry
// binds it again
func (c *Consumer) rebindLater(conn *broker.Connection, cause error) error {
	id := transport.ReplyOf(cause).Channel
	b, ok := c.registry.Binding(id)
	if !ok {
		return nil
	}

	c.logger.Warn().Err(cause).Int("channel", id).Str("binding", b.String()).Msg("consumer channel closed by broker, will rebind")
	delete(c.bound, id)
	c.cfg.metrics.RecordBindFailure(b.Exchange)
	c.cfg.metrics.SetPendingChannels(c.pending.push(id))

	if err := conn.CloseChannel(id); contracts.IsServerFailure(err) {
		return err
	}
	return nil
}

// retryPending retries exactly one queued channel
func (c *Consumer) retryPending(conn *broker.Connection) error {
	id, ok := c.pending.pop()
	if !ok {
		return nil
	}
	c.cfg.metrics.SetPendingChannels(c.pending.len())
	return c.setupAndConsume(conn, id)
}

// deliver dispatches env to the binding of the channel it arrived on. A
// channel without a binding on env's exchange falls back to the exact
// (exchange, routing key) lookup.
func (c *Consumer) deliver(env transport.Envelope) {
	if env.Exchange == "" {
		c.logger.Debug().Int("channel", env.ChannelID).Msg("delivery without exchange dropped")
		return
	}

	b, ok := c.registry.Binding(env.ChannelID)
	if !ok || b.Exchange != env.Exchange {
		b = contracts.Binding{Exchange: env.Exchange, RoutingKey: env.RoutingKey}
	}

	dispatched := c.registry.Dispatch(b, env.Message)
	c.cfg.metrics.RecordDelivery(env.Exchange, dispatched)
}
