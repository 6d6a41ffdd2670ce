// Package metrics exposes Prometheus counters and histograms for FlowPipe.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "flowpipe"

// Metrics groups every collector the service records.
type Metrics struct {
	flowStarts   *prometheus.CounterVec
	flowFinishes *prometheus.CounterVec
	turns        *prometheus.CounterVec
	turnErrors   *prometheus.CounterVec
	outbound     *prometheus.CounterVec
	sendLatency  prometheus.Histogram
	webhooks     *prometheus.CounterVec
	reminders    prometheus.Counter
}

// New creates the collectors and registers them with reg, or with the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flowStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "starts_total",
			Help:      "Flow start attempts by result",
		}, []string{"flow_name", "result"}),
		flowFinishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "finishes_total",
			Help:      "Flow instances that reached a terminal position",
		}, []string{"flow_name", "outcome"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turns_total",
			Help:      "Inbound turns applied to active flows",
		}, []string{"flow_name"}),
		turnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turn_errors_total",
			Help:      "Inbound turns that failed and cleared the user's flow",
		}, []string{"flow_name"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound WhatsApp sends by kind and status",
		}, []string{"kind", "status"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "send_latency_seconds",
			Help:      "Latency of outbound sends including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "webhooks_total",
			Help:      "Inbound provider webhooks by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reminders_sent_total",
			Help:      "Reminder flows started by the reminder job",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.flowStarts, m.flowFinishes, m.turns, m.turnErrors, m.outbound, m.sendLatency, m.webhooks, m.reminders)
	return m
}

func (m *Metrics) FlowStarted(flowName, result string) {
	if m == nil {
		return
	}
	m.flowStarts.WithLabelValues(flowName, result).Inc()
}

func (m *Metrics) FlowFinished(flowName, outcome string) {
	if m == nil {
		return
	}
	m.flowFinishes.WithLabelValues(flowName, outcome).Inc()
}

func (m *Metrics) TurnApplied(flowName string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(flowName).Inc()
}

func (m *Metrics) TurnFailed(flowName string) {
	if m == nil {
		return
	}
	m.turnErrors.WithLabelValues(flowName).Inc()
}

func (m *Metrics) ObserveSend(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(kind, status).Inc()
	m.sendLatency.Observe(seconds)
}

func (m *Metrics) ObserveWebhook(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.reminders.Inc()
}
