package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/observability"
	"github.com/signalsfoundry/herd-immunity/model"
)

var testArea = model.Area{Width: 400, Height: 300}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(100*time.Millisecond, append([]Option{WithSeed(7)}, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// startWith begins a run with a hand-placed population, bypassing random
// generation.
func startWith(t *testing.T, e *Engine, area model.Area, agents []model.Agent) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd.running {
		t.Fatalf("startWith on a running engine")
	}
	e.cmd.running = true
	e.cmd.paused = false
	e.cmd.runID = "test-run"
	e.cmd.start = &runRequest{id: "test-run", area: area, agents: agents, log: e.log}
}

func stepN(e *Engine, n int) *Snapshot {
	for i := 0; i < n; i++ {
		e.Step(context.Background())
	}
	return e.Snapshot()
}

func stateOf(s *Snapshot, id int) model.HealthState {
	for _, a := range s.Agents {
		if a.ID == id {
			return a.State
		}
	}
	return -1
}

// scenarioAgents places an infected agent next to a healthy one and spreads
// eight more far apart.
func scenarioAgents() []model.Agent {
	agents := []model.Agent{
		{ID: 0, State: model.Infected, Position: model.Position{X: 50, Y: 50}},
		{ID: 1, State: model.Healthy, Position: model.Position{X: 55, Y: 50}},
	}
	for i := 2; i < 10; i++ {
		agents = append(agents, model.Agent{
			ID:       i,
			State:    model.Healthy,
			Position: model.Position{X: 100 + float64(i)*30, Y: 250},
		})
	}
	return agents
}

func scenarioParams() model.Parameters {
	return model.Parameters{
		EntityNumber:              10,
		InitialVirusCarrierNumber: 1,
		EntityVelocity:            0,
		InfectionChance:           100,
		HealingTime:               1,
		ImmunityTime:              1,
		InfectiousDistance:        10,
		SpeedRatio:                1,
	}
}

func TestScenarioInfectHealAndLoseImmunity(t *testing.T) {
	e := newTestEngine(t, WithParameters(scenarioParams()))
	startWith(t, e, testArea, scenarioAgents())

	snap := stepN(e, 1)
	if stateOf(snap, 1) != model.Infected {
		t.Fatalf("agent 1 after first tick = %v, want infected", stateOf(snap, 1))
	}
	if snap.Counts.Infected != 2 || snap.Counts.Healthy != 8 {
		t.Fatalf("counts after first tick = %+v", snap.Counts)
	}

	// Ticks 2..10 evaluate elapsed 100..900ms: still infected.
	snap = stepN(e, 9)
	if stateOf(snap, 0) != model.Infected || stateOf(snap, 1) != model.Infected {
		t.Fatalf("healed before 1000ms: elapsed=%d", snap.ElapsedMS)
	}
	// Tick 11 evaluates elapsed 1000ms.
	snap = stepN(e, 1)
	if stateOf(snap, 0) != model.Immune || stateOf(snap, 1) != model.Immune {
		t.Fatalf("not immune at 1000ms: %v/%v", stateOf(snap, 0), stateOf(snap, 1))
	}
	if snap.ElapsedMS != 1100 {
		t.Fatalf("ElapsedMS = %d, want 1100", snap.ElapsedMS)
	}

	snap = stepN(e, 9)
	if stateOf(snap, 0) != model.Immune {
		t.Fatalf("lost immunity before 2000ms")
	}
	snap = stepN(e, 1)
	if stateOf(snap, 0) != model.Healthy || stateOf(snap, 1) != model.Healthy {
		t.Fatalf("not healthy at 2000ms: %v/%v", stateOf(snap, 0), stateOf(snap, 1))
	}

	// The pair never separated, so no second transmission attempt occurs.
	snap = stepN(e, 30)
	if snap.Counts.Healthy != 10 {
		t.Fatalf("continued contact re-infected agents: %+v", snap.Counts)
	}
}

func TestStartGeneratesPopulation(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.UpdateParameters(context.Background(), model.ParameterPatch{
		EntityNumber:              intPtr(30),
		InitialVirusCarrierNumber: intPtr(4),
	}); err != nil {
		t.Fatalf("UpdateParameters: %v", err)
	}
	if err := e.Start(context.Background(), testArea); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.Status() != StatusRunning {
		t.Fatalf("Status() = %v, want running", e.Status())
	}

	// Pause so the first snapshot shows the population exactly as generated.
	e.Pause(context.Background())
	snap := stepN(e, 1)
	if len(snap.Agents) != 30 || snap.Counts.Infected != 4 || snap.Counts.Healthy != 26 {
		t.Fatalf("snapshot = %d agents, counts %+v", len(snap.Agents), snap.Counts)
	}
	for _, a := range snap.Agents {
		if !testArea.Contains(a.Position) {
			t.Fatalf("agent %d at %v outside arena", a.ID, a.Position)
		}
	}
	if snap.RunID == "" || snap.Status != StatusPaused || snap.ElapsedMS != 0 {
		t.Fatalf("snapshot header = %+v", snap)
	}
}

func TestStartRejections(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background(), model.Area{Width: 0, Height: 10}); !errors.Is(err, ErrInvalidArea) {
		t.Fatalf("Start(bad area) = %v, want ErrInvalidArea", err)
	}
	if e.Status() != StatusStopped {
		t.Fatalf("bad Start changed status to %v", e.Status())
	}
	if err := e.Start(context.Background(), testArea); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background(), testArea); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopClearsOnNextTickOnce(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background(), testArea); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := stepN(e, 5)
	if before.ElapsedMS != 500 || len(before.Agents) == 0 {
		t.Fatalf("running snapshot = elapsed %d, %d agents", before.ElapsedMS, len(before.Agents))
	}

	e.Stop(context.Background())
	if got := e.Snapshot(); got.Seq != before.Seq {
		t.Fatalf("Stop cleared synchronously")
	}

	cleared := stepN(e, 1)
	if cleared.ElapsedMS != 0 || len(cleared.Agents) != 0 || cleared.Status != StatusStopped {
		t.Fatalf("cleared snapshot = %+v", cleared)
	}
	if cleared.Seq != before.Seq+1 {
		t.Fatalf("cleared Seq = %d, want %d", cleared.Seq, before.Seq+1)
	}

	// Further ticks and repeated stops publish nothing.
	e.Stop(context.Background())
	if again := stepN(e, 3); again.Seq != cleared.Seq {
		t.Fatalf("stopped engine kept publishing: seq %d -> %d", cleared.Seq, again.Seq)
	}
}

func TestStopAndRestartBeforeTick(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background(), testArea); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := stepN(e, 3)

	e.Stop(context.Background())
	if err := e.Start(context.Background(), testArea); err != nil {
		t.Fatalf("restart: %v", err)
	}
	snap := stepN(e, 1)
	if snap.RunID == first.RunID {
		t.Fatalf("restart kept run id %q", snap.RunID)
	}
	if snap.ElapsedMS != 100 {
		t.Fatalf("restarted run ElapsedMS = %d, want 100", snap.ElapsedMS)
	}
}

func TestPauseFreezesTimeAndMotion(t *testing.T) {
	p := scenarioParams()
	p.EntityVelocity = 20
	e := newTestEngine(t, WithParameters(p))
	startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 100, Y: 100}}})

	running := stepN(e, 2)
	e.Pause(context.Background())
	e.Pause(context.Background())
	paused := stepN(e, 5)

	if paused.Seq != running.Seq+5 {
		t.Fatalf("paused engine published %d snapshots, want 5", paused.Seq-running.Seq)
	}
	if paused.ElapsedMS != running.ElapsedMS || paused.Agents[0].Position != running.Agents[0].Position {
		t.Fatalf("pause did not freeze the simulation")
	}
	if paused.Status != StatusPaused {
		t.Fatalf("Status = %v, want paused", paused.Status)
	}

	e.Resume(context.Background())
	resumed := stepN(e, 1)
	if resumed.ElapsedMS != running.ElapsedMS+100 || resumed.Status != StatusRunning {
		t.Fatalf("resumed snapshot = elapsed %d status %v", resumed.ElapsedMS, resumed.Status)
	}
}

func TestPauseResumeLogPausedFlag(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf})
	e := newTestEngine(t, WithLogger(log))
	startWith(t, e, testArea, scenarioAgents())
	stepN(e, 1)

	e.Pause(context.Background())
	e.Resume(context.Background())

	got := map[string]any{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log record: %v", err)
		}
		if msg, _ := rec["msg"].(string); msg == "simulation paused" || msg == "simulation resumed" {
			got[msg] = rec["paused"]
		}
	}
	if got["simulation paused"] != true || got["simulation resumed"] != false {
		t.Fatalf("paused flags = %v, want paused=true and resumed=false", got)
	}
}

func TestPauseResumeWhileStoppedAreNoops(t *testing.T) {
	e := newTestEngine(t)
	e.Pause(context.Background())
	e.Resume(context.Background())
	e.ForceInfectRandom(context.Background())
	e.Stop(context.Background())
	if e.Status() != StatusStopped {
		t.Fatalf("Status() = %v, want stopped", e.Status())
	}
	if snap := stepN(e, 2); snap.Seq != 0 {
		t.Fatalf("stopped engine published seq %d", snap.Seq)
	}
}

func TestForceInfectRandom(t *testing.T) {
	e := newTestEngine(t, WithParameters(scenarioParams()))
	agents := []model.Agent{
		{ID: 0, State: model.Infected, Position: model.Position{X: 10, Y: 10}},
		{ID: 1, State: model.Immune, Position: model.Position{X: 100, Y: 10}},
		{ID: 2, State: model.Healthy, Position: model.Position{X: 200, Y: 10}},
	}
	startWith(t, e, testArea, agents)
	stepN(e, 1)

	// Serviced even while paused.
	e.Pause(context.Background())
	e.ForceInfectRandom(context.Background())
	e.ForceInfectRandom(context.Background())
	snap := stepN(e, 1)
	if stateOf(snap, 2) != model.Infected {
		t.Fatalf("only healthy agent was not infected: %v", stateOf(snap, 2))
	}

	// Nobody healthy left: no-op.
	e.ForceInfectRandom(context.Background())
	snap = stepN(e, 1)
	if snap.Counts.Infected != 2 || snap.Counts.Immune != 1 {
		t.Fatalf("counts = %+v, want 2 infected 1 immune", snap.Counts)
	}
}

func TestForceInfectEntryTimeDrivesHealing(t *testing.T) {
	e := newTestEngine(t, WithParameters(scenarioParams()))
	startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 10, Y: 10}}})
	stepN(e, 4) // elapsed 400ms

	e.ForceInfectRandom(context.Background())
	stepN(e, 1) // pipeline at 400ms, then infection at 500ms

	// Healing is due at 1500ms, evaluated by the tick that starts at 1500ms.
	snap := stepN(e, 10)
	if stateOf(snap, 0) != model.Infected {
		t.Fatalf("healed early at %dms", snap.ElapsedMS)
	}
	snap = stepN(e, 1)
	if stateOf(snap, 0) != model.Immune {
		t.Fatalf("not immune after the tick at 1500ms")
	}
}

func TestSpeedScaling(t *testing.T) {
	for _, ratio := range []float64{1, 2} {
		p := scenarioParams()
		p.EntityVelocity = 20
		e := newTestEngine(t, WithParameters(p))
		if err := e.SetSpeed(context.Background(), ratio); err != nil {
			t.Fatalf("SetSpeed(%v): %v", ratio, err)
		}
		startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 100, Y: 100}, Heading: 0}})

		snap := stepN(e, 1)
		if want := int64(100 * ratio); snap.ElapsedMS != want {
			t.Fatalf("ratio %v: ElapsedMS = %d, want %d", ratio, snap.ElapsedMS, want)
		}
		if dx := snap.Agents[0].Position.X - 100; math.Abs(dx-2*ratio) > 1e-9 {
			t.Fatalf("ratio %v: dx = %v, want %v", ratio, dx, 2*ratio)
		}
	}
}

func TestSpeedZeroFreezesWithoutPausing(t *testing.T) {
	p := scenarioParams()
	p.EntityVelocity = 20
	e := newTestEngine(t, WithParameters(p))
	if err := e.SetSpeed(context.Background(), 0); err != nil {
		t.Fatalf("SetSpeed(0): %v", err)
	}
	startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 100, Y: 100}}})

	snap := stepN(e, 3)
	if snap.ElapsedMS != 0 || snap.Agents[0].Position.X != 100 || snap.Status != StatusRunning {
		t.Fatalf("speed 0 snapshot = %+v", snap)
	}
}

func TestParameterUpdates(t *testing.T) {
	e := newTestEngine(t)
	before := e.Parameters()

	_, err := e.UpdateParameters(context.Background(), model.ParameterPatch{EntityVelocity: floatPtr(-5)})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("UpdateParameters(negative velocity) = %v, want ErrInvalidParameter", err)
	}
	if e.Parameters() != before {
		t.Fatalf("rejected update changed parameters")
	}
	if err := e.SetSpeed(context.Background(), -1); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("SetSpeed(-1) = %v, want ErrInvalidParameter", err)
	}

	got, err := e.UpdateParameters(context.Background(), model.ParameterPatch{InfectionChance: floatPtr(55)})
	if err != nil {
		t.Fatalf("UpdateParameters: %v", err)
	}
	if got.InfectionChance != 55 || e.Parameters().InfectionChance != 55 {
		t.Fatalf("InfectionChance = %v, want 55", e.Parameters().InfectionChance)
	}
}

func TestLiveParameterUpdateAppliesNextTick(t *testing.T) {
	p := scenarioParams()
	p.InfectionChance = 0
	e := newTestEngine(t, WithParameters(p))
	agents := scenarioAgents()
	agents[1].Position.X = 70 // out of range at first
	startWith(t, e, testArea, agents)

	stepN(e, 1)
	if _, err := e.UpdateParameters(context.Background(), model.ParameterPatch{
		InfectionChance:    floatPtr(100),
		InfectiousDistance: floatPtr(25),
	}); err != nil {
		t.Fatalf("UpdateParameters: %v", err)
	}
	snap := stepN(e, 1)
	if stateOf(snap, 1) != model.Infected {
		t.Fatalf("live update not applied on next tick")
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	if _, err := NewEngine(0); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("NewEngine(0) = %v, want ErrInvalidParameter", err)
	}
	bad := model.DefaultParameters()
	bad.InitialVirusCarrierNumber = 100
	if _, err := NewEngine(time.Millisecond, WithParameters(bad)); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("NewEngine(bad params) = %v, want ErrInvalidParameter", err)
	}
}

func TestDurationLimits(t *testing.T) {
	ctx := context.Background()
	huge := scenarioParams()
	huge.HealingTime = 1e10
	var perr *model.ParameterError
	if _, err := NewEngine(100*time.Millisecond, WithParameters(huge)); !errors.As(err, &perr) || perr.Reason != model.ReasonTooLarge {
		t.Fatalf("NewEngine(healing 1e10) = %v, want too_large", err)
	}

	p := scenarioParams()
	p.HealingTime = 1e9
	e := newTestEngine(t, WithParameters(p))
	if _, err := e.UpdateParameters(ctx, model.ParameterPatch{ImmunityTime: floatPtr(1e10)}); !errors.As(err, &perr) || perr.Field != "immunity_time" {
		t.Fatalf("UpdateParameters(immunity 1e10) = %v, want immunity_time/too_large", err)
	}
	if err := e.SetSpeed(ctx, 1e12); !errors.As(err, &perr) || perr.Field != "speed_ratio" || perr.Reason != model.ReasonTooLarge {
		t.Fatalf("SetSpeed(1e12) = %v, want speed_ratio/too_large", err)
	}
	if e.Parameters().SpeedRatio != 1 {
		t.Fatalf("rejected SetSpeed changed SpeedRatio to %v", e.Parameters().SpeedRatio)
	}

	startWith(t, e, testArea, []model.Agent{{ID: 0, State: model.Infected, Position: model.Position{X: 10, Y: 10}}})
	snap := stepN(e, 3)
	if stateOf(snap, 0) != model.Infected {
		t.Fatalf("agent healed after %dms with a 1e9s healing time", snap.ElapsedMS)
	}
}

func TestHugeSpeedKeepsTimeMonotonicAndAgentsInside(t *testing.T) {
	p := scenarioParams()
	p.EntityVelocity = 20
	e := newTestEngine(t, WithParameters(p))
	if err := e.SetSpeed(context.Background(), 1e9); err != nil {
		t.Fatalf("SetSpeed(1e9): %v", err)
	}
	startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 100, Y: 100}, Heading: 0.3}})

	var last int64
	for i := 0; i < 5; i++ {
		snap := stepN(e, 1)
		if snap.ElapsedMS < last {
			t.Fatalf("tick %d: ElapsedMS = %d, went back from %d", i, snap.ElapsedMS, last)
		}
		last = snap.ElapsedMS
		if pos := snap.Agents[0].Position; !testArea.Contains(pos) {
			t.Fatalf("tick %d: agent at %v outside arena", i, pos)
		}
	}
}

func TestAdvanceElapsedSaturates(t *testing.T) {
	if got := advanceElapsed(time.Second, 100*time.Millisecond, 2); got != 1200*time.Millisecond {
		t.Fatalf("advanceElapsed(1s, 100ms, 2) = %v, want 1.2s", got)
	}
	near := time.Duration(math.MaxInt64 - 10)
	if got := advanceElapsed(near, time.Second, 1); got != math.MaxInt64 {
		t.Fatalf("advanceElapsed near the limit = %v, want saturation", got)
	}
}

func TestSnapshotListenersAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	e := newTestEngine(t, WithParameters(scenarioParams()), WithMetricsRecorder(collector))

	var got []*Snapshot
	e.OnSnapshot(func(s *Snapshot) { got = append(got, s) })

	startWith(t, e, testArea, scenarioAgents())
	stepN(e, 3)
	e.Pause(context.Background())
	e.Pause(context.Background())

	if len(got) != 3 || got[2].Seq != 3 {
		t.Fatalf("listener received %d snapshots", len(got))
	}
	if v := testutil.ToFloat64(collector.TicksTotal); v != 3 {
		t.Fatalf("sim_ticks_total = %v, want 3", v)
	}
	if v := testutil.ToFloat64(collector.Transitions.WithLabelValues("healthy", "infected", "contact")); v != 1 {
		t.Fatalf("contact infections = %v, want 1", v)
	}
	if v := testutil.ToFloat64(collector.Agents.WithLabelValues("infected")); v != 2 {
		t.Fatalf("sim_agents{infected} = %v, want 2", v)
	}
	if v := testutil.ToFloat64(collector.Contacts); v != 1 {
		t.Fatalf("sim_contacts = %v, want 1", v)
	}
	if v := testutil.ToFloat64(collector.Commands.WithLabelValues("pause", "accepted")); v != 1 {
		t.Fatalf("accepted pauses = %v, want 1", v)
	}
	if v := testutil.ToFloat64(collector.Commands.WithLabelValues("pause", "ignored")); v != 1 {
		t.Fatalf("ignored pauses = %v, want 1", v)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	p := scenarioParams()
	p.EntityVelocity = 20
	e := newTestEngine(t, WithParameters(p))
	startWith(t, e, testArea, []model.Agent{{ID: 0, Position: model.Position{X: 100, Y: 100}}})

	first := stepN(e, 1)
	x := first.Agents[0].Position.X
	stepN(e, 3)
	if first.Agents[0].Position.X != x {
		t.Fatalf("published snapshot mutated by later ticks")
	}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
