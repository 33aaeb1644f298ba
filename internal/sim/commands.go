package sim

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/herd-immunity/core"
	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/observability"
	"github.com/signalsfoundry/herd-immunity/model"
)

// Command outcomes reported to the metrics recorder.
const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultIgnored  = "ignored"
)

// All commands below are safe to call from any goroutine. They never touch
// the population directly and never wait for the tick driver; their effect
// becomes visible in the snapshot published by the next tick.

// Start begins a new run in area using the current parameters. The
// population is generated immediately and handed to the tick driver, which
// installs it on its next tick.
//
// Start returns ErrInvalidArea for an unusable area and ErrAlreadyRunning,
// without changing anything, when a run is active.
func (e *Engine) Start(ctx context.Context, area model.Area) error {
	ctx, span := e.startSpan(ctx, observability.StartSpanName,
		attribute.Float64("area.width", area.Width),
		attribute.Float64("area.height", area.Height),
	)
	defer span.End()

	if err := area.Validate(); err != nil {
		e.reject(ctx, span, "start", err)
		return err
	}

	e.mu.Lock()
	if e.cmd.running {
		e.mu.Unlock()
		e.ignore(ctx, "start", "simulation already running")
		return ErrAlreadyRunning
	}
	params := e.cmd.params
	agents := core.GeneratePopulation(params, area, e.startRand)
	id := logging.NewRunID()
	ctx, runLog := logging.WithRunLogger(ctx, e.log, id)
	e.cmd.running = true
	e.cmd.paused = false
	e.cmd.forceInfect = false
	e.cmd.runID = id
	e.cmd.start = &runRequest{id: id, area: area, agents: agents, log: runLog}
	e.mu.Unlock()

	span.SetAttributes(attribute.String("run_id", id), attribute.Int("agents", len(agents)))
	e.accept("start")
	runLog.Info(ctx, "simulation started",
		logging.Int("entity_number", params.EntityNumber),
		logging.Int("initial_virus_carrier_number", params.InitialVirusCarrierNumber),
		logging.Float64("area_width", area.Width),
		logging.Float64("area_height", area.Height),
	)
	for _, a := range agents {
		runLog.Debug(ctx, "generated agent", logging.String("agent", a.String()))
	}
	return nil
}

// Pause freezes the pipeline; snapshots keep being published. It is a no-op
// unless a run is active and not already paused.
func (e *Engine) Pause(ctx context.Context) {
	e.setPaused(ctx, "pause", true)
}

// Resume undoes Pause. It is a no-op unless the run is paused.
func (e *Engine) Resume(ctx context.Context) {
	e.setPaused(ctx, "resume", false)
}

func (e *Engine) setPaused(ctx context.Context, command string, paused bool) {
	e.mu.Lock()
	if !e.cmd.running || e.cmd.paused == paused {
		e.mu.Unlock()
		e.ignore(ctx, command, "no state change")
		return
	}
	e.cmd.paused = paused
	id := e.cmd.runID
	e.mu.Unlock()

	e.accept(command)
	e.log.Info(ctx, "simulation "+command+"d", logging.String("run_id", id), logging.Bool("paused", paused))
}

// Stop ends the run. Clearing happens on the next tick, so callers must not
// expect the current snapshot to be empty when Stop returns. Stop on a
// stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.cmd.running {
		e.mu.Unlock()
		e.ignore(ctx, "stop", "simulation not running")
		return
	}
	id := e.cmd.runID
	e.cmd.running = false
	e.cmd.paused = false
	e.cmd.start = nil
	e.cmd.forceInfect = false
	e.cmd.runID = ""
	e.mu.Unlock()

	e.accept("stop")
	e.log.Info(ctx, "simulation stopped", logging.String("run_id", id))
}

// SetSpeed replaces the simulation-time multiplier from the next tick on.
func (e *Engine) SetSpeed(ctx context.Context, ratio float64) error {
	if _, err := model.ScaledTick(e.tick, ratio); err != nil {
		e.rejectNoSpan(ctx, "set_speed", err)
		return err
	}
	e.mu.Lock()
	e.cmd.params.SpeedRatio = ratio
	e.mu.Unlock()

	e.accept("set_speed")
	e.log.Info(ctx, "simulation speed changed", logging.Float64("speed_ratio", ratio))
	return nil
}

// UpdateParameters validates patch against the current parameters and
// applies it atomically. On error the previous values stay in effect. The
// returned parameters are the ones in effect after the call.
func (e *Engine) UpdateParameters(ctx context.Context, patch model.ParameterPatch) (model.Parameters, error) {
	e.mu.Lock()
	next, err := patch.ApplyTo(e.cmd.params)
	if err == nil {
		e.cmd.params = next
	}
	e.mu.Unlock()

	if err != nil {
		e.rejectNoSpan(ctx, "update_parameters", err)
		return next, err
	}
	e.accept("update_parameters")
	e.log.Info(ctx, "simulation parameters updated", logging.Any("parameters", next))
	return next, nil
}

// Parameters returns the parameters currently in effect.
func (e *Engine) Parameters() model.Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd.params
}

// Status reports the command-side run state. It may be ahead of the latest
// snapshot by up to one tick.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.cmd.running:
		return StatusStopped
	case e.cmd.paused:
		return StatusPaused
	default:
		return StatusRunning
	}
}

// ForceInfectRandom asks the tick driver to infect one Healthy agent on its
// next tick, even while paused. Callers needing confirmation poll the
// snapshot. It is a no-op while stopped.
func (e *Engine) ForceInfectRandom(ctx context.Context) {
	e.mu.Lock()
	if !e.cmd.running {
		e.mu.Unlock()
		e.ignore(ctx, "force_infect", "simulation not running")
		return
	}
	e.cmd.forceInfect = true
	e.mu.Unlock()

	e.accept("force_infect")
	e.log.Debug(ctx, "forced infection queued")
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *Engine) accept(command string) {
	if e.metrics != nil {
		e.metrics.IncCommand(command, resultAccepted)
	}
}

func (e *Engine) ignore(ctx context.Context, command, reason string) {
	if e.metrics != nil {
		e.metrics.IncCommand(command, resultIgnored)
	}
	e.log.Debug(ctx, "command ignored", logging.String("command", command), logging.String("reason", reason))
}

func (e *Engine) reject(ctx context.Context, span trace.Span, command string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.rejectNoSpan(ctx, command, err)
}

func (e *Engine) rejectNoSpan(ctx context.Context, command string, err error) {
	if e.metrics != nil {
		e.metrics.IncCommand(command, resultRejected)
	}
	e.log.Warn(ctx, "command rejected", logging.String("command", command), logging.Err(err))
}
