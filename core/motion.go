package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/herd-immunity/model"
)

// MotionModel integrates agent positions inside a rectangular arena and
// reflects headings off its walls.
type MotionModel struct {
	Area model.Area
	// Velocity is in pixels per simulated second.
	Velocity float64
}

// NewMotionModel returns a MotionModel for the given arena and speed.
func NewMotionModel(area model.Area, velocity float64) MotionModel {
	return MotionModel{Area: area, Velocity: velocity}
}

// StepLength is the distance an agent covers in one tick of period tick at
// the given speed multiplier.
func (m MotionModel) StepLength(tick time.Duration, speedRatio float64) float64 {
	return m.Velocity * tick.Seconds() * speedRatio
}

// Move advances every agent by one tick.
func (m MotionModel) Move(agents []model.Agent, tick time.Duration, speedRatio float64) {
	step := m.StepLength(tick, speedRatio)
	if step == 0 {
		return
	}
	for i := range agents {
		m.moveOne(&agents[i], step)
	}
}

// moveOne handles each axis independently, so a corner hit reflects both.
// A wall hit subtracts the step instead of adding it and permanently
// replaces the heading with pi-h (x) or 2pi-h (y). Headings are not
// renormalised.
func (m MotionModel) moveOne(a *model.Agent, step float64) {
	dx := math.Cos(a.Heading) * step
	dy := math.Sin(a.Heading) * step

	if x := a.Position.X + dx; x < 0 || x > m.Area.Width {
		a.Position.X -= dx
		a.Heading = math.Pi - a.Heading
	} else {
		a.Position.X = x
	}

	if y := a.Position.Y + dy; y < 0 || y > m.Area.Height {
		a.Position.Y -= dy
		a.Heading = 2*math.Pi - a.Heading
	} else {
		a.Position.Y = y
	}
	a.Position.X = clamp(a.Position.X, 0, m.Area.Width)
	a.Position.Y = clamp(a.Position.Y, 0, m.Area.Height)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
