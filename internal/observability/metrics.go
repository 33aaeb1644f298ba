package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for the simulation engine and
// the command surface in front of it.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram
	ElapsedSim   prometheus.Gauge

	Agents      *prometheus.GaugeVec
	Contacts    prometheus.Gauge
	Transitions *prometheus.CounterVec
	Commands    *prometheus.CounterVec

	WSClients       prometheus.Gauge
	WSFramesDropped prometheus.Counter
}

// NewEngineCollector registers engine Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Total number of simulation pipeline ticks executed while running and not paused.",
	}), "sim_ticks_total")
	if err != nil {
		return nil, err
	}

	tickDuration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock time spent computing one simulation tick.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	elapsed, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_elapsed_seconds",
		Help: "Simulation time elapsed in the current run.",
	}), "sim_elapsed_seconds")
	if err != nil {
		return nil, err
	}

	agents, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_agents",
		Help: "Current number of agents, labeled by health state.",
	}, []string{"state"}), "sim_agents")
	if err != nil {
		return nil, err
	}

	contacts, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_contacts",
		Help: "Current number of agent pairs within infectious distance.",
	}), "sim_contacts")
	if err != nil {
		return nil, err
	}

	transitions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_state_transitions_total",
		Help: "Health state transitions, labeled by source state, target state, and cause.",
	}, []string{"from", "to", "cause"}), "sim_state_transitions_total")
	if err != nil {
		return nil, err
	}

	commands, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_commands_total",
		Help: "Commands received by the engine, labeled by command and result.",
	}, []string{"command", "result"}), "sim_commands_total")
	if err != nil {
		return nil, err
	}

	wsClients, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_ws_clients",
		Help: "WebSocket clients currently subscribed to snapshots.",
	}), "sim_ws_clients")
	if err != nil {
		return nil, err
	}

	wsDropped, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ws_frames_dropped_total",
		Help: "Snapshot frames skipped because a WebSocket client's send buffer was full.",
	}), "sim_ws_frames_dropped_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:        gatherer,
		TicksTotal:      ticks,
		TickDuration:    tickDuration,
		ElapsedSim:      elapsed,
		Agents:          agents,
		Contacts:        contacts,
		Transitions:     transitions,
		Commands:        commands,
		WSClients:       wsClients,
		WSFramesDropped: wsDropped,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one computed tick and the simulation time it reached.
func (c *EngineCollector) ObserveTick(d time.Duration, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
	if c.ElapsedSim != nil {
		c.ElapsedSim.Set(elapsed.Seconds())
	}
}

// SetPopulation updates the per-state agent gauges and the contact gauge.
func (c *EngineCollector) SetPopulation(healthy, infected, immune, contacts int) {
	if c == nil {
		return
	}
	if c.Agents != nil {
		c.Agents.WithLabelValues("healthy").Set(float64(healthy))
		c.Agents.WithLabelValues("infected").Set(float64(infected))
		c.Agents.WithLabelValues("immune").Set(float64(immune))
	}
	if c.Contacts != nil {
		c.Contacts.Set(float64(contacts))
	}
}

// ResetRun zeroes the run-scoped gauges after a stop cleanup.
func (c *EngineCollector) ResetRun() {
	if c == nil {
		return
	}
	c.SetPopulation(0, 0, 0, 0)
	if c.ElapsedSim != nil {
		c.ElapsedSim.Set(0)
	}
}

// AddTransitions counts n transitions between two health states.
func (c *EngineCollector) AddTransitions(from, to, cause string, n int) {
	if c == nil || c.Transitions == nil || n <= 0 {
		return
	}
	c.Transitions.WithLabelValues(from, to, cause).Add(float64(n))
}

// IncCommand counts a command outcome ("accepted", "rejected", "ignored").
func (c *EngineCollector) IncCommand(command, result string) {
	if c == nil || c.Commands == nil {
		return
	}
	c.Commands.WithLabelValues(command, result).Inc()
}

// SetWSClients records the number of connected WebSocket clients.
func (c *EngineCollector) SetWSClients(n int) {
	if c == nil || c.WSClients == nil {
		return
	}
	c.WSClients.Set(float64(n))
}

// IncDroppedFrames counts one snapshot frame skipped for a slow client.
func (c *EngineCollector) IncDroppedFrames() {
	if c == nil || c.WSFramesDropped == nil {
		return
	}
	c.WSFramesDropped.Inc()
}

// register adds c to reg, returning the already-registered collector when an
// identical one exists so that collectors can be constructed more than once
// against the same registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		var zero T
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, err
	}
	return c, nil
}
