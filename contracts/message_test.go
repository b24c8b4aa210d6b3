package contracts

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMessage(t *testing.T) {
	t.Run("NewMessage copies the payload", func(t *testing.T) {
		raw := []byte("disk full")
		msg := NewMessage(raw)
		raw[0] = 'D'

		assert.Equal(t, "disk full", msg.String())
		assert.Equal(t, 9, msg.Len())
	})

	t.Run("optional properties start unset", func(t *testing.T) {
		msg := NewStringMessage("hello")

		assert.False(t, msg.HasReplyTo())
		assert.False(t, msg.HasCorrelationID())
		assert.False(t, msg.HasTimestamp())
		assert.False(t, msg.HasDeliveryMode())
		assert.Zero(t, msg.Timestamp())
	})

	t.Run("setters mark properties", func(t *testing.T) {
		msg := NewStringMessage("hello")
		msg.SetReplyTo("replies")
		msg.SetCorrelationID("abc")
		msg.SetTimestamp(1_600_000_000_000_000)
		msg.SetDeliveryMode(Persistent)

		assert.True(t, msg.HasReplyTo())
		assert.Equal(t, "replies", msg.ReplyTo())
		assert.Equal(t, "abc", msg.CorrelationID())
		assert.Equal(t, uint64(1_600_000_000_000_000), msg.Timestamp())
		assert.Equal(t, Persistent, msg.DeliveryMode())
	})

	t.Run("Clone does not share the body", func(t *testing.T) {
		msg := NewStringMessage("abc")
		msg.SetCorrelationID("id")
		clone := msg.Clone()
		clone.Payload()[0] = 'x'

		assert.Equal(t, "abc", msg.String())
		assert.Equal(t, "xbc", clone.String())
		assert.Equal(t, "id", clone.CorrelationID())
	})

	t.Run("NewCorrelationID returns a uuid", func(t *testing.T) {
		_, err := uuid.Parse(NewCorrelationID())
		assert.NoError(t, err)
	})
}

func TestBinding(t *testing.T) {
	t.Run("bindings are comparable map keys", func(t *testing.T) {
		m := map[Binding]int{{Exchange: "logs", RoutingKey: "error"}: 1}

		assert.Equal(t, 1, m[Binding{Exchange: "logs", RoutingKey: "error"}])
		assert.Zero(t, m[Binding{Exchange: "logs", RoutingKey: "warn"}])
		assert.Equal(t, "logs:error", Binding{"logs", "error"}.String())
	})

	t.Run("default queue properties auto delete", func(t *testing.T) {
		assert.Equal(t, QueueProperties{AutoDelete: true}, DefaultQueueProperties())
	})

	t.Run("ValidateExchangeKind", func(t *testing.T) {
		for _, kind := range []string{ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders} {
			assert.NoError(t, ValidateExchangeKind(kind), kind)
		}
		assert.Error(t, ValidateExchangeKind(""))
		assert.Error(t, ValidateExchangeKind("x-delayed"))
	})
}
