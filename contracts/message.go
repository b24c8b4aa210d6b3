package contracts

import (
	"github.com/google/uuid"
)

// Delivery modes understood by the broker
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Message is a payload plus the optional properties carried with it.
// A Message owns its payload; setters and constructors copy the bytes they
// are given.
type Message struct {
	body []byte

	replyTo          string
	hasReplyTo       bool
	correlationID    string
	hasCorrelationID bool
	timestamp        uint64
	hasTimestamp     bool
	deliveryMode     uint8
	hasDeliveryMode  bool
}

// NewMessage creates a message holding a copy of payload
func NewMessage(payload []byte) Message {
	var m Message
	m.SetPayload(payload)
	return m
}

// NewStringMessage creates a message from a string payload
func NewStringMessage(payload string) Message {
	return Message{body: []byte(payload)}
}

// NewCorrelationID returns a fresh random correlation id
func NewCorrelationID() string {
	return uuid.New().String()
}

// Payload returns the message body
func (m Message) Payload() []byte {
	return m.body
}

// String returns the body as a string
func (m Message) String() string {
	return string(m.body)
}

// Len returns the body length in bytes
func (m Message) Len() int {
	return len(m.body)
}

// SetPayload replaces the body with a copy of payload
func (m *Message) SetPayload(payload []byte) {
	if payload == nil {
		m.body = nil
		return
	}
	m.body = append(make([]byte, 0, len(payload)), payload...)
}

// SetReplyTo sets the reply-to property
func (m *Message) SetReplyTo(replyTo string) {
	m.replyTo = replyTo
	m.hasReplyTo = true
}

// ReplyTo returns the reply-to property, empty when unset
func (m Message) ReplyTo() string {
	return m.replyTo
}

// HasReplyTo reports whether reply-to was set
func (m Message) HasReplyTo() bool {
	return m.hasReplyTo
}

// SetCorrelationID sets the correlation id property
func (m *Message) SetCorrelationID(id string) {
	m.correlationID = id
	m.hasCorrelationID = true
}

// CorrelationID returns the correlation id, empty when unset
func (m Message) CorrelationID() string {
	return m.correlationID
}

// HasCorrelationID reports whether a correlation id was set
func (m Message) HasCorrelationID() bool {
	return m.hasCorrelationID
}

// SetTimestamp sets the timestamp in microseconds since the Unix epoch
func (m *Message) SetTimestamp(micros uint64) {
	m.timestamp = micros
	m.hasTimestamp = true
}

// Timestamp returns the timestamp in microseconds, zero when unset
func (m Message) Timestamp() uint64 {
	return m.timestamp
}

// HasTimestamp reports whether a timestamp was set
func (m Message) HasTimestamp() bool {
	return m.hasTimestamp
}

// SetDeliveryMode sets the delivery mode (Transient or Persistent)
func (m *Message) SetDeliveryMode(mode uint8) {
	m.deliveryMode = mode
	m.hasDeliveryMode = true
}

// DeliveryMode returns the delivery mode, zero when unset
func (m Message) DeliveryMode() uint8 {
	return m.deliveryMode
}

// HasDeliveryMode reports whether a delivery mode was set
func (m Message) HasDeliveryMode() bool {
	return m.hasDeliveryMode
}

// Clone returns a deep copy that shares no memory with m
func (m Message) Clone() Message {
	c := m
	c.SetPayload(m.body)
	return c
}
