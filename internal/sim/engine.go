package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/herd-immunity/core"
	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/observability"
	"github.com/signalsfoundry/herd-immunity/model"
	"github.com/signalsfoundry/herd-immunity/timectrl"
)

const tracerName = "github.com/signalsfoundry/herd-immunity/internal/sim"

// DefaultTickPeriod matches the wall-clock period of the reference engine.
const DefaultTickPeriod = 100 * time.Millisecond

var (
	// ErrInvalidParameter is re-exported so callers can stay on sim.*.
	ErrInvalidParameter = model.ErrInvalidParameter
	// ErrInvalidArea is re-exported so callers can stay on sim.*.
	ErrInvalidArea = model.ErrInvalidArea
	// ErrAlreadyRunning is returned by Start when a run is active. The
	// engine state is left untouched.
	ErrAlreadyRunning = errors.New("simulation already running")
)

// MetricsRecorder receives engine measurements. *observability.EngineCollector
// satisfies it.
type MetricsRecorder interface {
	ObserveTick(d time.Duration, elapsed time.Duration)
	SetPopulation(healthy, infected, immune, contacts int)
	ResetRun()
	AddTransitions(from, to, cause string, n int)
	IncCommand(command, result string)
}

// Option customises Engine construction.
type Option func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSeed makes population generation and infection rolls reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.startRand = rand.New(rand.NewSource(seed))
		e.tickRand = rand.New(rand.NewSource(seed + 1))
	}
}

// WithParameters replaces the initial parameters. Invalid parameters are
// rejected by NewEngine.
func WithParameters(p model.Parameters) Option {
	return func(e *Engine) {
		e.cmd.params = p
	}
}

// commandState is everything the command surface may write. It is guarded
// by Engine.mu and copied out once at the beginning of every tick.
type commandState struct {
	params  model.Parameters
	running bool
	paused  bool
	runID   string
	// start carries a freshly generated population to the tick driver.
	start *runRequest
	// forceInfect is a one-shot request; repeated calls before the next
	// tick coalesce.
	forceInfect bool
}

type runRequest struct {
	id     string
	area   model.Area
	agents []model.Agent
	log    logging.Logger
}

// Engine owns the simulation state. The population and contact set are
// touched only by the goroutine calling Step; commands only flip flags and
// parameters under mu, and readers see immutable snapshots published
// through an atomic pointer.
type Engine struct {
	tick    time.Duration
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	mu        sync.Mutex
	cmd       commandState
	startRand *rand.Rand // guarded by mu

	// Owned by the tick driver.
	tickRand *rand.Rand
	runID    string
	runLog   logging.Logger
	area     model.Area
	agents   []model.Agent
	contacts *core.ContactTracker
	elapsed  time.Duration
	seq      uint64

	snapshot  atomic.Pointer[Snapshot]
	lmu       sync.RWMutex
	listeners []SnapshotListener
}

// NewEngine constructs a stopped engine ticking every tick.
func NewEngine(tick time.Duration, opts ...Option) (*Engine, error) {
	if tick <= 0 {
		return nil, &model.ParameterError{Field: "tick_period", Reason: model.ReasonNonPositive, Value: tick}
	}
	now := time.Now().UnixNano()
	e := &Engine{
		tick:      tick,
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
		cmd:       commandState{params: model.DefaultParameters()},
		startRand: rand.New(rand.NewSource(now)),
		tickRand:  rand.New(rand.NewSource(now + 1)),
		contacts:  core.NewContactTracker(0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.cmd.params.Validate(); err != nil {
		return nil, err
	}
	if _, err := model.ScaledTick(tick, e.cmd.params.SpeedRatio); err != nil {
		return nil, err
	}
	e.runLog = e.log
	e.snapshot.Store(newSnapshot(0, "", StatusStopped, 0, nil))
	return e, nil
}

// TickPeriod returns the fixed wall-clock tick period.
func (e *Engine) TickPeriod() time.Duration {
	return e.tick
}

// Snapshot returns the most recently published snapshot. It never returns nil.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// OnSnapshot registers fn to receive every published snapshot.
func (e *Engine) OnSnapshot(fn SnapshotListener) {
	if fn == nil {
		return
	}
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Attach registers the engine as a listener on tc so every tick of tc runs
// Step.
func (e *Engine) Attach(tc *timectrl.TimeController) {
	tc.AddListener(func(ctx context.Context, _ uint64) {
		e.Step(ctx)
	})
}

// Run drives the engine with its own TimeController until ctx is cancelled.
// The returned channel is closed once the driver has exited.
func (e *Engine) Run(ctx context.Context, mode timectrl.Mode) <-chan struct{} {
	tc := timectrl.NewTimeController(e.tick, mode)
	e.Attach(tc)
	return tc.Start(ctx, 0)
}

// takeCommands copies the command state and consumes one-shot requests.
func (e *Engine) takeCommands() commandState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cmd := e.cmd
	e.cmd.start = nil
	e.cmd.forceInfect = false
	return cmd
}

// Step runs exactly one tick. It must only be called from a single goroutine
// at a time, normally the TimeController driving the engine.
func (e *Engine) Step(ctx context.Context) {
	cmd := e.takeCommands()

	if !cmd.running {
		if e.agents != nil || e.elapsed > 0 {
			e.clearRun(ctx)
		}
		return
	}
	if cmd.start != nil {
		e.install(cmd.start)
	}

	status := StatusRunning
	if cmd.paused {
		status = StatusPaused
	} else {
		e.advance(ctx, cmd.params)
	}

	if cmd.forceInfect {
		e.forceInfect(ctx)
	}

	e.publish(status)
	if e.metrics != nil {
		h, i, m := core.CountStates(e.agents)
		e.metrics.SetPopulation(h, i, m, e.contacts.Len())
	}
}

func (e *Engine) install(req *runRequest) {
	e.runID = req.id
	e.runLog = req.log
	e.area = req.area
	e.agents = req.agents
	e.contacts.Reset(len(req.agents))
	e.elapsed = 0
}

// advance runs the contact -> health -> motion pipeline and moves the clock.
func (e *Engine) advance(ctx context.Context, p model.Parameters) {
	started := time.Now()
	_, span := e.tracer.Start(ctx, observability.TickSpanName, trace.WithAttributes(
		attribute.String("run_id", e.runID),
		attribute.Int64("elapsed_ms", e.elapsed.Milliseconds()),
		attribute.Int("agents", len(e.agents)),
	))
	defer span.End()

	exposed := e.contacts.Update(e.agents, p.InfectiousDistance)

	health := core.NewHealthModel(p)
	infected := health.Expose(e.agents, exposed, e.elapsed, e.tickRand)
	timed := health.Advance(e.agents, e.elapsed, infected)

	core.NewMotionModel(e.area, p.EntityVelocity).Move(e.agents, e.tick, p.SpeedRatio)

	e.elapsed = advanceElapsed(e.elapsed, e.tick, p.SpeedRatio)

	span.SetAttributes(
		attribute.Int("exposed", len(exposed)),
		attribute.Int("infected", len(infected)),
		attribute.Int("contacts", e.contacts.Len()),
	)
	if e.metrics != nil {
		e.recordTransitions(infected, "contact")
		e.recordTransitions(timed, "")
		e.metrics.ObserveTick(time.Since(started), e.elapsed)
	}
}

func (e *Engine) recordTransitions(trs []core.Transition, cause string) {
	type edge struct{ from, to model.HealthState }
	counts := make(map[edge]int)
	for _, tr := range trs {
		counts[edge{tr.From, tr.To}]++
	}
	for k, n := range counts {
		c := cause
		if c == "" {
			c = timerCause(k.to)
		}
		e.metrics.AddTransitions(k.from.String(), k.to.String(), c, n)
	}
}

func timerCause(to model.HealthState) string {
	if to == model.Immune {
		return "healed"
	}
	return "immunity_lost"
}

// forceInfect scans from a random index, wrapping around, and infects the
// first Healthy agent found.
func (e *Engine) forceInfect(ctx context.Context) {
	n := len(e.agents)
	if n == 0 {
		return
	}
	start := e.tickRand.Intn(n)
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		a := &e.agents[idx]
		if a.State != model.Healthy {
			continue
		}
		a.State = model.Infected
		a.StateEntered = e.elapsed
		e.runLog.Info(ctx, "agent infected on request",
			logging.Int("agent_id", a.ID),
			logging.Int64("elapsed_ms", e.elapsed.Milliseconds()),
		)
		if e.metrics != nil {
			e.metrics.AddTransitions(model.Healthy.String(), model.Infected.String(), "forced", 1)
		}
		return
	}
	e.runLog.Debug(ctx, "forced infection found no healthy agent")
}

// clearRun discards the population and contact set and publishes a single
// empty snapshot.
func (e *Engine) clearRun(ctx context.Context) {
	e.runLog.Info(ctx, "simulation cleared", logging.Int64("elapsed_ms", e.elapsed.Milliseconds()))

	e.agents = nil
	e.contacts.Reset(0)
	e.elapsed = 0
	e.publish(StatusStopped)
	e.runID = ""
	e.runLog = e.log

	if e.metrics != nil {
		e.metrics.ResetRun()
	}
}

func (e *Engine) publish(status Status) {
	e.seq++
	snap := newSnapshot(e.seq, e.runID, status, e.elapsed.Milliseconds(), e.agents)
	e.snapshot.Store(snap)

	e.lmu.RLock()
	listeners := e.listeners
	e.lmu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// advanceElapsed adds one scaled tick to elapsed, saturating at the largest
// representable duration so simulation time never runs backwards.
func advanceElapsed(elapsed, tick time.Duration, ratio float64) time.Duration {
	step, err := model.ScaledTick(tick, ratio)
	if err != nil || step > math.MaxInt64-elapsed {
		return math.MaxInt64
	}
	return elapsed + step
}
