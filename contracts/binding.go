package contracts

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Exchange kinds accepted by DeclareExchange
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// Binding identifies a subscription by exchange and routing key.
// It is comparable and used directly as a map key.
type Binding struct {
	Exchange   string
	RoutingKey string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s:%s", b.Exchange, b.RoutingKey)
}

// QueueProperties are the flags a consumer declares its queue with
type QueueProperties struct {
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// DefaultQueueProperties returns an auto-deleting, non-durable queue
func DefaultQueueProperties() QueueProperties {
	return QueueProperties{AutoDelete: true}
}

// ValidateExchangeKind checks kind against the kinds a broker understands
func ValidateExchangeKind(kind string) error {
	return validation.Validate(kind,
		validation.Required,
		validation.In(ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders),
	)
}
