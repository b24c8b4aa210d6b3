// Package transporttest provides an in-memory broker implementing
// transport.Transport, for engine and connection tests that must not depend
// on a running RabbitMQ.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glimte/hare-go/contracts"
	"github.com/glimte/hare-go/internal/transport"
)

// Op names a transport operation for fault injection and the event log
type Op string

const (
	OpDial            Op = "dial"
	OpOpenChannel     Op = "open_channel"
	OpCloseChannel    Op = "close_channel"
	OpDeclareExchange Op = "declare_exchange"
	OpDeclareQueue    Op = "declare_queue"
	OpBindQueue       Op = "bind_queue"
	OpConsume         Op = "consume"
	OpPublish         Op = "publish"
	OpNext            Op = "next"
)

const inboxSize = 4096

type queue struct {
	name      string
	props     contracts.QueueProperties
	consumer  *Conn
	channelID int
	pending   []transport.Envelope
}

type binding struct {
	exchange   string
	routingKey string
	queue      string
}

// Broker is an in-memory exchange/queue router shared by every Conn it hands out
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	conns     map[*Conn]struct{}
	faults    map[Op][]error
	users     map[string]string
	down      bool
	published []transport.Publishing
	events    []string
	dials     int
	nextQueue int
}

// NewBroker creates an empty, reachable broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
		faults:    make(map[Op][]error),
	}
}

// Factory returns a transport.Factory handing out connections to b
func (b *Broker) Factory() transport.Factory {
	return func() transport.Transport {
		return b.NewConn()
	}
}

// NewConn returns an undialed connection to b
func (b *Broker) NewConn() *Conn {
	return &Conn{
		b:        b,
		channels: make(map[int]bool),
		inbox:    make(chan transport.Envelope, inboxSize),
		lost:     make(chan int, inboxSize),
		closed:   make(chan struct{}),
	}
}

// DeclareExchange creates an exchange out of band, as another client would
func (b *Broker) DeclareExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
}

// HasExchange reports whether name has been declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// SetUsers restricts logins to the given username/password pairs
func (b *Broker) SetUsers(users map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = users
}

// SetDown makes new dials fail with a socket error
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// KillConnections force-closes every live connection the way a broker
// restart would
func (b *Broker) KillConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.killed = true
		b.dropLocked(c)
	}
}

// DeleteQueues deletes every queue bound to exchange under routingKey. Each
// consumer on such a queue is cancelled and its channel closed, and the
// owning connection reports the loss from Next. It returns how many queues
// were deleted.
func (b *Broker) DeleteQueues(exchange, routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	doomed := make(map[string]bool)
	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.routingKey == routingKey {
			doomed[bd.queue] = true
		}
	}

	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if !doomed[bd.queue] {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept

	deleted := 0
	for name := range doomed {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		delete(b.queues, name)
		deleted++
		b.record("delete_queue:%s", name)

		if c := q.consumer; c != nil && c.open && c.channels[q.channelID] {
			delete(c.channels, q.channelID)
			select {
			case c.lost <- q.channelID:
			default:
			}
		}
	}
	return deleted
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (b *Broker) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = append(b.faults[op], err)
}

// Inject routes msg as if another client had published it
func (b *Broker) Inject(exchange, routingKey string, msg contracts.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}
	b.routeLocked(exchange, routingKey, msg)
	return nil
}

// Published returns every message accepted by Publish, in order
func (b *Broker) Published() []transport.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Publishing(nil), b.published...)
}

// Events returns the log of successful operations, in order
func (b *Broker) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Dials returns the number of successful logins
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of live connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Consumers returns the number of queues with an attached consumer
func (b *Broker) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		if q.consumer != nil {
			n++
		}
	}
	return n
}

func (b *Broker) fault(op Op) error {
	errs := b.faults[op]
	if len(errs) == 0 {
		return nil
	}
	b.faults[op] = errs[1:]
	return errs[0]
}

func (b *Broker) record(format string, args ...any) {
	b.events = append(b.events, fmt.Sprintf(format, args...))
}

func (b *Broker) routeLocked(exchange, routingKey string, msg contracts.Message) {
	kind := b.exchanges[exchange]
	seen := make(map[string]bool)

	for _, bd := range b.bindings {
		if bd.exchange != exchange || seen[bd.queue] {
			continue
		}
		if !matches(kind, bd.routingKey, routingKey) {
			continue
		}
		q, ok := b.queues[bd.queue]
		if !ok {
			continue
		}
		seen[bd.queue] = true

		env := transport.Envelope{
			ChannelID:  q.channelID,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Message:    msg.Clone(),
		}
		if q.consumer == nil || !deliver(q.consumer, env) {
			q.pending = append(q.pending, env)
		}
	}
}

func deliver(c *Conn, env transport.Envelope) bool {
	select {
	case c.inbox <- env:
		return true
	default:
		return false
	}
}

// dropLocked detaches c from the broker, deleting its auto-delete queues
func (b *Broker) dropLocked(c *Conn) {
	if !c.open {
		return
	}
	c.open = false
	close(c.closed)
	delete(b.conns, c)

	for id := range c.channels {
		b.cancelLocked(c, id)
	}
}

func (b *Broker) cancelLocked(c *Conn, channelID int) {
	for name, q := range b.queues {
		if q.consumer != c || q.channelID != channelID {
			continue
		}
		q.consumer = nil
		if q.props.AutoDelete {
			delete(b.queues, name)
		}
	}
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case contracts.ExchangeFanout, contracts.ExchangeHeaders:
		return true
	case contracts.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// Conn is one client connection to a Broker
type Conn struct {
	b        *Broker
	open     bool
	killed   bool
	channels map[int]bool
	inbox    chan transport.Envelope
	lost     chan int
	closed   chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

// Dial logs in to the broker
func (c *Conn) Dial(ctx context.Context, creds transport.Credentials) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(OpDial); err != nil {
		return err
	}
	if b.down {
		return transport.LibraryError(transport.LibrarySocketError, errors.New("connection refused"))
	}
	if b.users != nil && b.users[creds.Username] != creds.Password {
		return transport.LibraryError(transport.LibraryLoginFailure, errors.New("username or password not allowed"))
	}
	if c.open {
		return transport.LibraryError(transport.LibraryUnexpectedState, errors.New("already dialed"))
	}

	c.open = true
	b.conns[c] = struct{}{}
	b.dials++
	b.record("dial")
	return nil
}

// Close detaches the connection; closing twice is a no-op
func (c *Conn) Close() error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(c)
	return nil
}

func (c *Conn) checkLocked(id int) error {
	if !c.open {
		return transport.LibraryError(transport.LibraryConnectionClosed, nil)
	}
	if id > 0 && !c.channels[id] {
		return transport.ChannelError(id, 504, fmt.Sprintf("CHANNEL_ERROR - channel %d not open", id))
	}
	return nil
}

// channelErrorLocked closes the channel, as the broker does on a soft error
func (c *Conn) channelErrorLocked(id, code int, text string) error {
	c.b.cancelLocked(c, id)
	delete(c.channels, id)
	return transport.ChannelError(id, code, text)
}

func (c *Conn) OpenChannel(id int) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(0); err != nil {
		return err
	}
	if err := b.fault(OpOpenChannel); err != nil {
		return err
	}
	c.channels[id] = true
	b.record("open_channel:%d", id)
	return nil
}

func (c *Conn) CloseChannel(id int) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(0); err != nil {
		return err
	}
	if err := b.fault(OpCloseChannel); err != nil {
		return err
	}
	b.cancelLocked(c, id)
	delete(c.channels, id)
	b.record("close_channel:%d", id)
	return nil
}

func (c *Conn) DeclareExchange(id int, name, kind string) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(id); err != nil {
		return err
	}
	if err := b.fault(OpDeclareExchange); err != nil {
		return err
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return c.channelErrorLocked(id, 406, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
	}
	b.exchanges[name] = kind
	b.record("declare_exchange:%s", name)
	return nil
}

func (c *Conn) DeclareQueue(id int, props contracts.QueueProperties) (string, error) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(id); err != nil {
		return "", err
	}
	if err := b.fault(OpDeclareQueue); err != nil {
		return "", err
	}
	if props.Passive {
		return "", c.channelErrorLocked(id, 404, "NOT_FOUND - no queue ''")
	}

	b.nextQueue++
	name := fmt.Sprintf("amq.gen-%d", b.nextQueue)
	b.queues[name] = &queue{name: name, props: props}
	b.record("declare_queue:%s", name)
	return name, nil
}

func (c *Conn) BindQueue(id int, queueName, exchange, routingKey string) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(id); err != nil {
		return err
	}
	if err := b.fault(OpBindQueue); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return c.channelErrorLocked(id, 404, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}
	if _, ok := b.queues[queueName]; !ok {
		return c.channelErrorLocked(id, 404, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	b.bindings = append(b.bindings, binding{exchange: exchange, routingKey: routingKey, queue: queueName})
	b.record("bind:%s:%s", exchange, routingKey)
	return nil
}

func (c *Conn) Consume(id int, queueName string) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(id); err != nil {
		return err
	}
	if err := b.fault(OpConsume); err != nil {
		return err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return c.channelErrorLocked(id, 404, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	q.consumer = c
	q.channelID = id
	pending := q.pending
	q.pending = nil
	for _, env := range pending {
		env.ChannelID = id
		if !deliver(c, env) {
			q.pending = append(q.pending, env)
		}
	}
	b.record("consume:%d", id)
	return nil
}

func (c *Conn) Publish(ctx context.Context, p transport.Publishing) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(p.ChannelID); err != nil {
		return err
	}
	if err := b.fault(OpPublish); err != nil {
		return err
	}
	if _, ok := b.exchanges[p.Exchange]; !ok {
		return c.channelErrorLocked(p.ChannelID, 404, fmt.Sprintf("NOT_FOUND - no exchange '%s'", p.Exchange))
	}

	p.Message = p.Message.Clone()
	b.published = append(b.published, p)
	b.routeLocked(p.Exchange, p.RoutingKey, p.Message)
	b.record("publish:%s:%s", p.Exchange, p.RoutingKey)
	return nil
}

func (c *Conn) Next(ctx context.Context, timeout time.Duration) (transport.Envelope, error) {
	b := c.b
	b.mu.Lock()
	if !c.open {
		killed := c.killed
		b.mu.Unlock()
		return transport.Envelope{}, c.closedError(killed)
	}
	if err := b.fault(OpNext); err != nil {
		b.mu.Unlock()
		return transport.Envelope{}, err
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-c.inbox:
		return env, nil
	case id := <-c.lost:
		return transport.Envelope{ChannelID: id}, transport.ChannelError(id, 404, "NOT_FOUND - queue deleted, consumer cancelled")
	case <-c.closed:
		b.mu.Lock()
		killed := c.killed
		b.mu.Unlock()
		return transport.Envelope{}, c.closedError(killed)
	case <-timer.C:
		return transport.Envelope{}, transport.LibraryError(transport.LibraryTimeout, nil)
	case <-ctx.Done():
		return transport.Envelope{}, transport.LibraryError(transport.LibraryTimeout, ctx.Err())
	}
}

func (c *Conn) closedError(killed bool) error {
	if killed {
		return transport.ServerError(transport.MethodConnectionClose, 320, "CONNECTION_FORCED - broker forced connection closure")
	}
	return transport.LibraryError(transport.LibraryConnectionClosed, nil)
}
