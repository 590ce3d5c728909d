// Package metrics exposes the daemon's Prometheus instrumentation: command
// throughput by class and outcome, telemetry emission counts by kind, queue
// depth, and connected WebSocket clients. Everything registers on a private
// registry served at /metrics — no global default-registry state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martyn-saronic/urd/internal/telemetry"
)

// Metrics holds the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal  *prometheus.CounterVec
	emissionsTotal *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urd",
			Name:      "commands_total",
			Help:      "Commands processed, by class and outcome.",
		}, []string{"class", "outcome"}),
		emissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "urd",
			Name:      "telemetry_emissions_total",
			Help:      "Telemetry events emitted past the output gate, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.commandsTotal, m.emissionsTotal)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one processed command.
func (m *Metrics) ObserveCommand(class string, failed bool) {
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.commandsTotal.WithLabelValues(class, outcome).Inc()
}

// RegisterQueueDepth exposes the dispatcher's queue depth as a gauge.
func (m *Metrics) RegisterQueueDepth(depth func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "urd",
		Name:      "queue_depth",
		Help:      "Submissions currently waiting in the dispatcher queue.",
	}, depth))
}

// RegisterWSClients exposes the hub's connected-client count as a gauge.
func (m *Metrics) RegisterWSClients(count func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "urd",
		Name:      "websocket_clients",
		Help:      "Currently connected WebSocket telemetry clients.",
	}, count))
}

// InstrumentPublisher wraps a telemetry publisher so every emission is
// counted by kind before being forwarded.
func (m *Metrics) InstrumentPublisher(next telemetry.Publisher) telemetry.Publisher {
	return &instrumentedPublisher{next: next, emissions: m.emissionsTotal}
}

type instrumentedPublisher struct {
	next      telemetry.Publisher
	emissions *prometheus.CounterVec
}

func (p *instrumentedPublisher) PublishPose(data telemetry.PositionData) {
	p.emissions.WithLabelValues("position").Inc()
	p.next.PublishPose(data)
}

func (p *instrumentedPublisher) PublishState(data telemetry.RobotStateData) {
	p.emissions.WithLabelValues("robot_state").Inc()
	p.next.PublishState(data)
}

func (p *instrumentedPublisher) PublishBlockEvent(ev telemetry.BlockEvent) {
	p.emissions.WithLabelValues("block").Inc()
	p.next.PublishBlockEvent(ev)
}
