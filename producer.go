package hare

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/broker"
	"github.com/glimte/hare-go/internal/logging"
	"github.com/glimte/hare-go/internal/transport"
)

// exchangeRecord tracks one exchange the producer publishes to
type exchangeRecord struct {
	name         string
	channelID    int
	kind         string
	needsDeclare bool
	open         bool
	// generation changes whenever DeclareExchange touches the record so the
	// worker never marks a stale declaration open
	generation int
}

// Producer queues outbound messages and publishes them in order from one
// background worker, opening and declaring exchanges as needed
type Producer struct {
	mu              sync.Mutex
	cfg             *clientConfig
	conn            *broker.Connection
	exchanges       map[string]*exchangeRecord
	lastChannelID   int
	defaultExchange string
	queue           outboundQueue
	mailbox         *mailbox
	worker          worker
	logger          zerolog.Logger
}

// NewProducer creates a producer. Call Initialize before Send.
func NewProducer(options ...ClientOption) *Producer {
	cfg := newClientConfig(options)
	return &Producer{
		cfg:       cfg,
		exchanges: make(map[string]*exchangeRecord),
		mailbox:   newMailbox(),
		logger:    logging.Component(cfg.logger, "producer"),
	}
}

// Initialize sets the broker login. It fails while the producer runs.
func (p *Producer) Initialize(host string, port int, username, password string) error {
	p.worker.lifecycle.Lock()
	defer p.worker.lifecycle.Unlock()

	if p.worker.isRunning() {
		return contracts.NewError(contracts.KindThreadAlreadyRunning, "initialize", nil)
	}

	creds := transport.Credentials{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    p.cfg.vhost,
	}

	p.mu.Lock()
	opts := p.cfg.connectionOptions("producer")
	p.mu.Unlock()

	conn, err := broker.NewConnection(creds, opts...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.mu.Unlock()

	if old != nil {
		_ = old.CloseConnection()
	}
	return nil
}

func (p *Producer) connection() *broker.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// IsInitialized reports whether Initialize succeeded
func (p *Producer) IsInitialized() bool {
	return p.connection() != nil
}

// IsRunning reports whether the background worker is active
func (p *Producer) IsRunning() bool {
	return p.worker.isRunning()
}

// State returns the state of the broker connection
func (p *Producer) State() ConnectionState {
	if conn := p.connection(); conn != nil {
		return conn.State()
	}
	return StateDisconnected
}

// QueueSize returns the number of messages waiting to be published
func (p *Producer) QueueSize() int {
	return p.queue.len()
}

// SetExchange sets the exchange used by Send
func (p *Producer) SetExchange(exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultExchange = exchange
}

// Exchange returns the exchange used by Send
func (p *Producer) Exchange() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultExchange
}

// DeclareExchange marks exchange to be declared with kind, direct when
// empty, the next time its channel opens, and makes it the default exchange
func (p *Producer) DeclareExchange(exchange, kind string) error {
	if kind == "" {
		kind = contracts.ExchangeDirect
	}
	if exchange == "" {
		return contracts.NewError(contracts.KindInvalidParameters, "declare exchange", nil)
	}
	if err := contracts.ValidateExchangeKind(kind); err != nil {
		return contracts.NewError(contracts.KindInvalidParameters, "declare exchange", err)
	}

	p.mu.Lock()
	rec := p.registerLocked(exchange)
	rec.kind = kind
	rec.needsDeclare = true
	rec.open = false
	rec.generation++
	p.defaultExchange = exchange
	p.mu.Unlock()

	p.mailbox.notify()
	return nil
}

func (p *Producer) registerLocked(exchange string) *exchangeRecord {
	if rec, ok := p.exchanges[exchange]; ok {
		return rec
	}
	p.lastChannelID++
	rec := &exchangeRecord{
		name:      exchange,
		channelID: p.lastChannelID,
		kind:      contracts.ExchangeDirect,
	}
	p.exchanges[exchange] = rec
	return rec
}

// Send queues msg for the default exchange
func (p *Producer) Send(routingKey string, msg contracts.Message) error {
	return p.SendTo(p.Exchange(), routingKey, msg)
}

// SendTo queues msg for exchange. The message is copied, so the caller may
// reuse it.
func (p *Producer) SendTo(exchange, routingKey string, msg contracts.Message) error {
	if !p.IsInitialized() {
		return contracts.NewError(contracts.KindNotInitialized, "send", nil)
	}
	if exchange == "" {
		return contracts.NewError(contracts.KindInvalidParameters, "send", nil)
	}

	p.mu.Lock()
	rec := p.registerLocked(exchange)
	depth := p.queue.push(&outboundMessage{
		exchange:   exchange,
		routingKey: routingKey,
		channelID:  rec.channelID,
		msg:        msg.Clone(),
	})
	p.mu.Unlock()

	p.cfg.metrics.SetQueueDepth(depth)
	p.mailbox.notify()
	return nil
}

// Start launches the background worker
func (p *Producer) Start() error {
	conn := p.connection()
	if conn == nil {
		return contracts.NewError(contracts.KindNotInitialized, "start", nil)
	}

	return p.worker.start("start", func(ctx context.Context) {
		p.run(ctx, conn)
	})
}

// Stop waits for the worker to exit, closes the connection and discards
// every queued message
func (p *Producer) Stop() error {
	return p.worker.stop("stop", func() {
		if conn := p.connection(); conn != nil {
			_ = conn.CloseConnection()
		}
		dropped := p.resetExchanges()
		if dropped > 0 {
			p.logger.Warn().Int("dropped", dropped).Msg("queued messages discarded on stop")
		}
		p.logger.Info().Msg("producer stopped")
	})
}

// Restart stops the worker if it runs and starts it again
func (p *Producer) Restart() error {
	if err := p.Stop(); err != nil && contracts.KindOf(err) != contracts.KindThreadNotRunning {
		return err
	}
	return p.Start()
}

// Reconnect asks the running worker to tear the connection down and
// redeclare every exchange
func (p *Producer) Reconnect() error {
	if !p.worker.isRunning() {
		return contracts.NewError(contracts.KindThreadNotRunning, "reconnect", nil)
	}
	p.mailbox.post(command{kind: commandReconnect})
	return nil
}

// Close stops the worker if needed and releases the connection
func (p *Producer) Close() error {
	if err := p.Stop(); err != nil && contracts.KindOf(err) != contracts.KindThreadNotRunning {
		return err
	}
	if conn := p.connection(); conn != nil {
		_ = conn.CloseConnection()
	}
	return nil
}

// SetTimeout changes how long one broker call may block
func (p *Producer) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	p.mu.Lock()
	p.cfg.timeout = d
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.SetTimeout(d)
	}
}

func (p *Producer) run(ctx context.Context, conn *broker.Connection) {
	p.logger.Info().Msg("producer started")

	for ctx.Err() == nil {
		p.handleCommands(conn)

		if !conn.IsConnected() {
			if err := conn.Connect(ctx); err != nil {
				sleep(ctx, p.cfg.retryBackoff)
			}
			continue
		}

		if closed := p.closedExchanges(); len(closed) > 0 {
			if !p.openExchanges(conn, closed) {
				sleep(ctx, p.cfg.retryBackoff)
			}
			continue
		}

		head, ok := p.queue.peek()
		if !ok {
			p.idle(ctx, conn.Timeout())
			continue
		}

		publishing := &transport.Publishing{
			ChannelID:  head.channelID,
			Exchange:   head.exchange,
			RoutingKey: head.routingKey,
			Message:    head.msg,
		}
		err := conn.PublishMessage(ctx, publishing)
		switch {
		case err == nil:
			p.cfg.metrics.RecordPublish(head.exchange, true)
			p.cfg.metrics.SetQueueDepth(p.queue.pop())
		case contracts.IsServerFailure(err):
			p.closeConnection(conn, err)
		default:
			p.logger.Error().Err(err).Str("exchange", head.exchange).Msg("publish failed, will retry")
			p.cfg.metrics.RecordPublish(head.exchange, false)
			if errors.Is(err, contracts.ErrChannelException) {
				p.markClosed(head.exchange)
			}
			sleep(ctx, p.cfg.retryBackoff)
		}
	}
}

// idle waits for new work, a command or the poll interval
func (p *Producer) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.mailbox.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (p *Producer) handleCommands(conn *broker.Connection) {
	for _, cmd := range p.mailbox.drain() {
		if cmd.kind == commandReconnect && conn.IsConnected() {
			p.logger.Warn().Msg("reconnect requested")
			_ = conn.CloseConnection()
			p.markAllClosed()
		}
	}
}

type exchangeSnapshot struct {
	name         string
	channelID    int
	kind         string
	needsDeclare bool
	generation   int
}

func (p *Producer) closedExchanges() []exchangeSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closed []exchangeSnapshot
	for _, rec := range p.exchanges {
		if rec.open {
			continue
		}
		closed = append(closed, exchangeSnapshot{
			name:         rec.name,
			channelID:    rec.channelID,
			kind:         rec.kind,
			needsDeclare: rec.needsDeclare,
			generation:   rec.generation,
		})
	}
	return closed
}

// openExchanges opens and, when needed, declares each exchange. It reports
// whether any of them opened.
func (p *Producer) openExchanges(conn *broker.Connection, closed []exchangeSnapshot) bool {
	progress := false

	for _, ex := range closed {
		err := conn.OpenChannel(ex.channelID)
		if err == nil && ex.needsDeclare {
			err = conn.DeclareExchange(ex.channelID, ex.name, ex.kind)
		}

		if err == nil {
			p.markOpen(ex)
			progress = true
			continue
		}
		if contracts.IsServerFailure(err) {
			p.closeConnection(conn, err)
			return true
		}
		p.logger.Error().Err(err).Str("exchange", ex.name).Int("channel", ex.channelID).Msg("exchange setup failed, will retry")
	}
	return progress
}

func (p *Producer) markOpen(ex exchangeSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.exchanges[ex.name]; ok && rec.generation == ex.generation {
		rec.open = true
	}
}

func (p *Producer) markClosed(exchange string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.exchanges[exchange]; ok {
		rec.open = false
	}
}

func (p *Producer) markAllClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.exchanges {
		rec.open = false
	}
}

// resetExchanges clears every open flag and discards the queue
func (p *Producer) resetExchanges() int {
	p.markAllClosed()
	dropped := p.queue.clear()
	p.cfg.metrics.RecordDropped(dropped)
	p.cfg.metrics.SetQueueDepth(0)
	return dropped
}

// closeConnection handles a server failure. Queued messages are dropped,
// not retried.
func (p *Producer) closeConnection(conn *broker.Connection, cause error) {
	_ = conn.CloseConnection()
	dropped := p.resetExchanges()
	logging.Fatal(p.logger).Err(cause).Int("dropped", dropped).Msg("server failure, reconnecting")
}
