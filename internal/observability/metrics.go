package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects gateway-wide Prometheus metrics.
//
// Tracked series:
//   - message flow per channel and direction
//   - turn outcomes and durations
//   - provider requests, failovers, and error classes
//   - tool executions
//   - event bus drops
//   - active sessions and connected WebSocket clients
type Metrics struct {
	MessagesTotal     *prometheus.CounterVec
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	ProviderRequests  *prometheus.CounterVec
	ProviderFailovers prometheus.Counter
	ToolExecutions    *prometheus.CounterVec
	BusDrops          *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	WSClients         prometheus.Gauge
}

// NewMetrics creates and registers gateway metrics on the given registry.
// A nil registry uses a fresh one, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto{reg}

	return &Metrics{
		MessagesTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "talon_messages_total",
			Help: "Messages processed, by channel and direction.",
		}, []string{"channel", "direction"}),
		TurnsTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "talon_turns_total",
			Help: "Agent turns completed, by status.",
		}, []string{"status"}),
		TurnDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "talon_turn_duration_seconds",
			Help:    "Agent turn duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"channel"}),
		ProviderRequests: factory.counterVec(prometheus.CounterOpts{
			Name: "talon_provider_requests_total",
			Help: "LLM provider calls, by provider and result class.",
		}, []string{"provider", "result"}),
		ProviderFailovers: factory.counter(prometheus.CounterOpts{
			Name: "talon_provider_failovers_total",
			Help: "Times the router fell through to a lower-priority provider.",
		}),
		ToolExecutions: factory.counterVec(prometheus.CounterOpts{
			Name: "talon_tool_executions_total",
			Help: "Tool executions, by tool and status.",
		}, []string{"tool", "status"}),
		BusDrops: factory.counterVec(prometheus.CounterOpts{
			Name: "talon_bus_dropped_events_total",
			Help: "Events dropped by saturated bus subscribers, by topic.",
		}, []string{"topic"}),
		ActiveSessions: factory.gauge(prometheus.GaugeOpts{
			Name: "talon_active_sessions",
			Help: "Sessions currently held in the store.",
		}),
		WSClients: factory.gauge(prometheus.GaugeOpts{
			Name: "talon_ws_clients",
			Help: "Connected WebSocket clients.",
		}),
	}
}

// promauto mirrors the promauto package against an explicit registerer.
type promauto struct {
	reg prometheus.Registerer
}

func (f promauto) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promauto) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}

func (f promauto) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}
