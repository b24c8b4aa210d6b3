package health

import (
	"context"
	"time"

	hare "github.com/glimte/hare-go"
)

// ConsumerState is the part of *hare.Consumer the checker reads
type ConsumerState interface {
	IsRunning() bool
	Phase() hare.Phase
	PendingChannels() int
	Subscriptions() int
}

// ProducerState is the part of *hare.Producer the checker reads
type ProducerState interface {
	IsRunning() bool
	State() hare.ConnectionState
	QueueSize() int
}

// ConsumerChecker reports unhealthy while the consumer is stopped or
// disconnected and degraded while channels are still being bound
type ConsumerChecker struct {
	name     string
	consumer ConsumerState
}

// NewConsumerChecker creates a checker for consumer
func NewConsumerChecker(name string, consumer ConsumerState) *ConsumerChecker {
	if name == "" {
		name = "consumer"
	}
	return &ConsumerChecker{name: name, consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return c.name
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	phase := c.consumer.Phase()
	pending := c.consumer.PendingChannels()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"phase":            phase.String(),
			"pending_channels": pending,
			"subscriptions":    c.consumer.Subscriptions(),
		},
	}

	switch {
	case !c.consumer.IsRunning():
		result.Status = StatusUnhealthy
		result.Message = "Consumer is not running"
	case phase == hare.PhaseDisconnected || phase == hare.PhaseConnecting:
		result.Status = StatusUnhealthy
		result.Message = "Consumer is not connected"
	case phase == hare.PhaseBindingChannels:
		result.Status = StatusDegraded
		result.Message = "Consumer is binding channels"
	case pending > 0:
		result.Status = StatusDegraded
		result.Message = "Some channels are waiting for a bind retry"
	default:
		result.Status = StatusHealthy
		result.Message = "Consuming"
	}

	result.Duration = time.Since(start)
	return result
}

// ProducerChecker reports unhealthy while the producer is stopped or
// disconnected and degraded when its queue grows past a threshold
type ProducerChecker struct {
	name           string
	producer       ProducerState
	queueThreshold int
}

// NewProducerChecker creates a checker for producer. A queueThreshold of
// zero or less disables the queue depth check.
func NewProducerChecker(name string, producer ProducerState, queueThreshold int) *ProducerChecker {
	if name == "" {
		name = "producer"
	}
	return &ProducerChecker{name: name, producer: producer, queueThreshold: queueThreshold}
}

func (c *ProducerChecker) Name() string {
	return c.name
}

func (c *ProducerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.producer.State()
	depth := c.producer.QueueSize()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":       state.String(),
			"queue_depth": depth,
		},
	}

	switch {
	case !c.producer.IsRunning():
		result.Status = StatusUnhealthy
		result.Message = "Producer is not running"
	case state != hare.StateConnected:
		result.Status = StatusUnhealthy
		result.Message = "Producer is not connected"
	case c.queueThreshold > 0 && depth > c.queueThreshold:
		result.Status = StatusDegraded
		result.Message = "Outbound queue above threshold"
	default:
		result.Status = StatusHealthy
		result.Message = "Publishing"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{})
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{})) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details := c.checker(ctx)

	return CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
		Duration:  time.Since(start),
	}
}
