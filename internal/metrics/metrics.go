// Package metrics records engine activity as prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine activity
type Recorder interface {
	RecordPublish(exchange string, success bool)
	RecordDropped(count int)
	RecordDelivery(exchange string, dispatched bool)
	RecordReconnect(role string)
	RecordBindFailure(exchange string)
	SetQueueDepth(depth int)
	SetPendingChannels(count int)
}

var (
	_ Recorder = NoOp{}
	_ Recorder = (*Prometheus)(nil)
)

// NoOp discards everything
type NoOp struct{}

func (NoOp) RecordPublish(string, bool)  {}
func (NoOp) RecordDropped(int)           {}
func (NoOp) RecordDelivery(string, bool) {}
func (NoOp) RecordReconnect(string)      {}
func (NoOp) RecordBindFailure(string)    {}
func (NoOp) SetQueueDepth(int)           {}
func (NoOp) SetPendingChannels(int)      {}

// Prometheus is a Recorder backed by prometheus collectors
type Prometheus struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	dropped         prometheus.Counter
	delivered       *prometheus.CounterVec
	undelivered     *prometheus.CounterVec
	connects        *prometheus.CounterVec
	bindFailures    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	pendingChannels prometheus.Gauge
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg. A nil reg leaves them unregistered.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if namespace == "" {
		namespace = "hare"
	}

	p := &Prometheus{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "published_total",
			Help:      "Messages handed to the broker.",
		}, []string{"exchange"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "publish_failures_total",
			Help:      "Publish attempts that failed and will be retried.",
		}, []string{"exchange"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "dropped_total",
			Help:      "Queued messages discarded when the connection failed.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "delivered_total",
			Help:      "Messages handed to a subscription callback.",
		}, []string{"exchange"}),
		undelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "unrouted_total",
			Help:      "Messages received for a binding with no subscription.",
		}, []string{"exchange"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Successful broker connects per engine role.",
		}, []string{"role"}),
		bindFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "bind_failures_total",
			Help:      "Channel setups that failed and were queued for retry.",
		}, []string{"exchange"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "queue_depth",
			Help:      "Messages waiting to be published.",
		}),
		pendingChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "pending_channels",
			Help:      "Channels waiting for a bind retry.",
		}),
	}

	if reg != nil {
		for _, c := range p.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.published,
		p.publishFailures,
		p.dropped,
		p.delivered,
		p.undelivered,
		p.connects,
		p.bindFailures,
		p.queueDepth,
		p.pendingChannels,
	}
}

func (p *Prometheus) RecordPublish(exchange string, success bool) {
	if success {
		p.published.WithLabelValues(exchange).Inc()
		return
	}
	p.publishFailures.WithLabelValues(exchange).Inc()
}

func (p *Prometheus) RecordDropped(count int) {
	if count > 0 {
		p.dropped.Add(float64(count))
	}
}

func (p *Prometheus) RecordDelivery(exchange string, dispatched bool) {
	if dispatched {
		p.delivered.WithLabelValues(exchange).Inc()
		return
	}
	p.undelivered.WithLabelValues(exchange).Inc()
}

func (p *Prometheus) RecordReconnect(role string) {
	p.connects.WithLabelValues(role).Inc()
}

func (p *Prometheus) RecordBindFailure(exchange string) {
	p.bindFailures.WithLabelValues(exchange).Inc()
}

func (p *Prometheus) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) SetPendingChannels(count int) {
	p.pendingChannels.Set(float64(count))
}
