package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/glimte/hare-go/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TimestampHeader carries the publish timestamp at microsecond resolution;
// the AMQP timestamp property itself only holds whole seconds.
const TimestampHeader = "x-hare-timestamp-us"

const (
	defaultDialTimeout = 2 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// AMQPTransport implements Transport on top of amqp091-go. Channel numbers
// are logical: each maps to one *amqp.Channel opened on the connection.
type AMQPTransport struct {
	dialTimeout    time.Duration
	heartbeat      time.Duration
	connectionName string

	conn       *amqp.Connection
	channels   map[int]*amqp.Channel
	connClosed chan *amqp.Error
	inbound    chan Envelope
	lost       chan lostConsumer
	done       chan struct{}
	forwarders sync.WaitGroup
	tagPrefix  string
}

// lostConsumer reports that the delivery stream of a channel ended
type lostConsumer struct {
	id     int
	ch     *amqp.Channel
	reason *amqp.Error
}

// AMQPOption configures an AMQPTransport
type AMQPOption func(*AMQPTransport)

// WithDialTimeout bounds the TCP connect
func WithDialTimeout(timeout time.Duration) AMQPOption {
	return func(t *AMQPTransport) {
		t.dialTimeout = timeout
	}
}

// WithHeartbeat sets the negotiated heartbeat interval
func WithHeartbeat(interval time.Duration) AMQPOption {
	return func(t *AMQPTransport) {
		t.heartbeat = interval
	}
}

// WithConnectionName sets the connection_name client property shown by the broker
func WithConnectionName(name string) AMQPOption {
	return func(t *AMQPTransport) {
		t.connectionName = name
	}
}

// NewAMQPTransport creates an unconnected transport
func NewAMQPTransport(options ...AMQPOption) *AMQPTransport {
	t := &AMQPTransport{
		dialTimeout:    defaultDialTimeout,
		heartbeat:      defaultHeartbeat,
		connectionName: "hare",
		tagPrefix:      uuid.New().String(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// AMQPFactory returns a Factory producing AMQPTransports with options
func AMQPFactory(options ...AMQPOption) Factory {
	return func() Transport {
		return NewAMQPTransport(options...)
	}
}

// URI builds the amqp:// URI for creds
func URI(creds Credentials) string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     creds.Host,
		Port:     creds.Port,
		Username: creds.Username,
		Password: creds.Password,
		Vhost:    creds.Vhost,
	}
	return uri.String()
}

// Dial connects and logs in
func (t *AMQPTransport) Dial(ctx context.Context, creds Credentials) error {
	if t.conn != nil {
		return LibraryError(LibraryUnexpectedState, errors.New("already dialed"))
	}

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(t.dialTimeout),
		Heartbeat:  t.heartbeat,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": t.connectionName},
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(URI(creds), cfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		t.conn = conn
	case err := <-errChan:
		return classifyDial(err)
	case <-ctx.Done():
		// A dial that completes after we gave up must not leak
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return LibraryError(LibraryTimeout, ctx.Err())
	}

	t.channels = make(map[int]*amqp.Channel)
	t.inbound = make(chan Envelope)
	t.lost = make(chan lostConsumer)
	t.done = make(chan struct{})
	t.connClosed = t.conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// Close closes the connection; deliveries still in flight are discarded
func (t *AMQPTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	close(t.done)
	err := t.conn.Close()
	t.forwarders.Wait()

	t.conn = nil
	t.channels = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return classify(err)
	}
	return nil
}

// OpenChannel opens a channel under id, replacing a stale one
func (t *AMQPTransport) OpenChannel(id int) error {
	if t.conn == nil {
		return LibraryError(LibraryConnectionClosed, nil)
	}
	if old, ok := t.channels[id]; ok {
		old.Close()
		delete(t.channels, id)
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return classify(err)
	}
	t.channels[id] = ch
	return nil
}

// CloseChannel closes the channel under id; unknown ids are ignored
func (t *AMQPTransport) CloseChannel(id int) error {
	ch, ok := t.channels[id]
	if !ok {
		return nil
	}
	delete(t.channels, id)

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return classify(err)
	}
	return nil
}

// DeclareExchange declares a non-durable, non-auto-deleting exchange
func (t *AMQPTransport) DeclareExchange(id int, name, kind string) error {
	ch, err := t.channel(id)
	if err != nil {
		return err
	}
	return classify(ch.ExchangeDeclare(
		name,
		kind,
		false, // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	))
}

// DeclareQueue declares a broker-named queue
func (t *AMQPTransport) DeclareQueue(id int, props contracts.QueueProperties) (string, error) {
	ch, err := t.channel(id)
	if err != nil {
		return "", err
	}

	declare := ch.QueueDeclare
	if props.Passive {
		declare = ch.QueueDeclarePassive
	}

	q, err := declare("", props.Durable, props.AutoDelete, props.Exclusive, false, nil)
	if err != nil {
		return "", classify(err)
	}
	return q.Name, nil
}

// BindQueue binds queue to exchange under routingKey
func (t *AMQPTransport) BindQueue(id int, queue, exchange, routingKey string) error {
	ch, err := t.channel(id)
	if err != nil {
		return err
	}
	return classify(ch.QueueBind(queue, routingKey, exchange, false, nil))
}

// Consume starts an auto-acknowledged consumer on the channel and forwards
// its deliveries to Next
func (t *AMQPTransport) Consume(id int, queue string) error {
	ch, err := t.channel(id)
	if err != nil {
		return err
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	tag := fmt.Sprintf("%s-%d", t.tagPrefix, id)
	deliveries, err := ch.Consume(
		queue,
		tag,
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return classify(err)
	}

	t.forwarders.Add(1)
	go t.forward(id, ch, deliveries, closed)
	return nil
}

// forward copies deliveries into the shared inbound stream. When the broker
// ends the stream, by closing the channel or cancelling the consumer, the
// loss is handed to Next.
func (t *AMQPTransport) forward(id int, ch *amqp.Channel, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer t.forwarders.Done()

	for d := range deliveries {
		env := Envelope{
			ChannelID:   id,
			ConsumerTag: d.ConsumerTag,
			DeliveryTag: d.DeliveryTag,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			Message:     toMessage(d),
		}

		select {
		case t.inbound <- env:
		case <-t.done:
			return
		}
	}

	lost := lostConsumer{id: id, ch: ch}
	select {
	case reason, ok := <-closed:
		if ok {
			lost.reason = reason
		}
	default:
	}

	select {
	case t.lost <- lost:
	case <-t.done:
	}
}

// Publish sends p on its channel
func (t *AMQPTransport) Publish(ctx context.Context, p Publishing) error {
	ch, err := t.channel(p.ChannelID)
	if err != nil {
		return err
	}
	return classify(ch.PublishWithContext(ctx, p.Exchange, p.RoutingKey, false, false, toPublishing(p.Message)))
}

// Next waits for the next delivery from any consuming channel
func (t *AMQPTransport) Next(ctx context.Context, timeout time.Duration) (Envelope, error) {
	if t.conn == nil {
		return Envelope{}, LibraryError(LibraryConnectionClosed, nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case env := <-t.inbound:
			return env, nil
		case lost := <-t.lost:
			if err := t.consumerLost(lost); err != nil {
				return Envelope{ChannelID: lost.id}, err
			}
		case amqpErr, ok := <-t.connClosed:
			if !ok || amqpErr == nil {
				return Envelope{}, LibraryError(LibraryConnectionClosed, nil)
			}
			return Envelope{}, ServerError(MethodConnectionClose, amqpErr.Code, amqpErr.Reason)
		case <-timer.C:
			return Envelope{}, LibraryError(LibraryTimeout, nil)
		case <-ctx.Done():
			return Envelope{}, LibraryError(LibraryTimeout, ctx.Err())
		}
	}
}

// consumerLost turns the end of a delivery stream into a channel error.
// Streams of channels that were closed or replaced locally are ignored, and
// a stream ended by the connection going down reports the connection.
func (t *AMQPTransport) consumerLost(lost lostConsumer) error {
	if current, ok := t.channels[lost.id]; !ok || current != lost.ch {
		return nil
	}
	if t.conn.IsClosed() {
		return LibraryError(LibraryConnectionClosed, nil)
	}

	delete(t.channels, lost.id)
	lost.ch.Close()

	if lost.reason != nil {
		return ChannelError(lost.id, lost.reason.Code, lost.reason.Reason)
	}
	return ChannelError(lost.id, amqp.NotFound, fmt.Sprintf("consumer on channel %d was cancelled by the broker", lost.id))
}

func (t *AMQPTransport) channel(id int) (*amqp.Channel, error) {
	if t.conn == nil {
		return nil, LibraryError(LibraryConnectionClosed, nil)
	}
	ch, ok := t.channels[id]
	if !ok || ch.IsClosed() {
		return nil, ChannelError(id, amqp.ChannelError, fmt.Sprintf("channel %d is not open", id))
	}
	return ch, nil
}

func toPublishing(msg contracts.Message) amqp.Publishing {
	p := amqp.Publishing{
		Body:          msg.Payload(),
		ReplyTo:       msg.ReplyTo(),
		CorrelationId: msg.CorrelationID(),
		DeliveryMode:  msg.DeliveryMode(),
	}
	if msg.HasTimestamp() {
		p.Timestamp = time.UnixMicro(int64(msg.Timestamp()))
		p.Headers = amqp.Table{TimestampHeader: int64(msg.Timestamp())}
	}
	return p
}

func toMessage(d amqp.Delivery) contracts.Message {
	msg := contracts.NewMessage(d.Body)
	if d.ReplyTo != "" {
		msg.SetReplyTo(d.ReplyTo)
	}
	if d.CorrelationId != "" {
		msg.SetCorrelationID(d.CorrelationId)
	}
	if d.DeliveryMode != 0 {
		msg.SetDeliveryMode(d.DeliveryMode)
	}
	if us, ok := d.Headers[TimestampHeader].(int64); ok {
		msg.SetTimestamp(uint64(us))
	} else if !d.Timestamp.IsZero() {
		msg.SetTimestamp(uint64(d.Timestamp.UnixMicro()))
	}
	return msg
}

// classifyDial is classify with the handshake-only cases: refused logins and
// a peer that does not speak AMQP 0-9-1.
func classifyDial(err error) error {
	switch {
	case errors.Is(err, amqp.ErrCredentials), errors.Is(err, amqp.ErrSASL):
		return LibraryError(LibraryLoginFailure, err)
	case errors.Is(err, amqp.ErrVhost):
		return LibraryError(LibraryInvalidParameter, err)
	case errors.Is(err, amqp.ErrFrame), errors.Is(err, amqp.ErrSyntax):
		return LibraryError(LibraryIncompatibleVersion, err)
	}
	return classify(err)
}

// classify maps an amqp091 or network error onto a Reply
func classify(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch {
		case amqpErr == amqp.ErrClosed:
			return LibraryError(LibraryConnectionClosed, err)
		case amqpErr.Code == amqp.FrameError, amqpErr.Code == amqp.SyntaxError,
			amqpErr.Code == amqp.CommandInvalid, amqpErr.Code == amqp.UnexpectedFrame:
			return LibraryError(LibraryUnexpectedState, err)
		case amqpErr.Recover:
			// soft errors close only the channel
			return ServerError(MethodChannelClose, amqpErr.Code, amqpErr.Reason)
		case amqpErr.Server:
			return ServerError(MethodConnectionClose, amqpErr.Code, amqpErr.Reason)
		default:
			return LibraryError(LibraryUnexpectedState, err)
		}
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return LibraryError(LibraryTLSHostnameFailure, err)
	}
	var recordErr tls.RecordHeaderError
	var authorityErr x509.UnknownAuthorityError
	var certErr x509.CertificateInvalidError
	if errors.As(err, &recordErr) || errors.As(err, &authorityErr) || errors.As(err, &certErr) {
		return LibraryError(LibraryTLSFailure, err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return LibraryError(LibraryTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return LibraryError(LibrarySocketClosed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return LibraryError(LibraryTimeout, err)
		}
		return LibraryError(LibrarySocketError, err)
	}

	return LibraryError(LibraryUnexpectedState, err)
}
