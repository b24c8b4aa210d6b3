package transport

import (
	"context"
	"time"

	"github.com/glimte/hare-go/contracts"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Credentials identify the broker and the account used to log in
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	Vhost    string
}

// DefaultCredentials returns the stock guest account on localhost
func DefaultCredentials() Credentials {
	return Credentials{
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
	}
}

// Validate checks that the credentials can be used to dial
func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Username, validation.Required),
	)
}

// Publishing is an outbound message addressed to an exchange on a channel
type Publishing struct {
	ChannelID  int
	Exchange   string
	RoutingKey string
	Message    contracts.Message
}

// Envelope is an inbound delivery
type Envelope struct {
	ChannelID   int
	ConsumerTag string
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	Message     contracts.Message
}

// Transport is the set of wire primitives the broker connection consumes.
// Implementations need not be safe for concurrent use; the broker connection
// serialises every call.
type Transport interface {
	// Dial opens the socket and logs in
	Dial(ctx context.Context, creds Credentials) error
	// Close tears the connection and every channel down
	Close() error

	OpenChannel(id int) error
	CloseChannel(id int) error

	DeclareExchange(id int, name, kind string) error
	// DeclareQueue declares a broker-named queue and returns its name
	DeclareQueue(id int, props contracts.QueueProperties) (string, error)
	BindQueue(id int, queue, exchange, routingKey string) error

	// Consume registers the channel for delivery through Next
	Consume(id int, queue string) error
	Publish(ctx context.Context, p Publishing) error

	// Next blocks until a delivery arrives on any consuming channel, the
	// timeout elapses, or ctx is done
	Next(ctx context.Context, timeout time.Duration) (Envelope, error)
}

// Factory creates an unconnected transport; one is created per connect
type Factory func() Transport
