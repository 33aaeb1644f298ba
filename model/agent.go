package model

import (
	"fmt"
	"math"
	"time"
)

// HealthState is the position of an agent in the
// Healthy -> Infected -> Immune -> Healthy cycle.
type HealthState int

const (
	Healthy HealthState = iota
	Infected
	Immune
)

// String returns the lower-case wire name of the state.
func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Infected:
		return "infected"
	case Immune:
		return "immune"
	default:
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
}

// MarshalText encodes the state by name so snapshots stay readable.
func (s HealthState) MarshalText() ([]byte, error) {
	switch s {
	case Healthy, Infected, Immune:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown health state %d", int(s))
	}
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *HealthState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "infected":
		*s = Infected
	case "immune":
		*s = Immune
	default:
		return fmt.Errorf("unknown health state %q", string(b))
	}
	return nil
}

// Position is a point in arena pixels.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Area is the arena size; positions live in [0, Width] x [0, Height].
type Area struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Validate reports ErrInvalidArea when either side is non-positive or not finite.
func (a Area) Validate() error {
	if !isFinite(a.Width) || a.Width <= 0 {
		return fmt.Errorf("%w: width %v", ErrInvalidArea, a.Width)
	}
	if !isFinite(a.Height) || a.Height <= 0 {
		return fmt.Errorf("%w: height %v", ErrInvalidArea, a.Height)
	}
	return nil
}

// Contains reports whether p lies inside the closed arena rectangle.
func (a Area) Contains(p Position) bool {
	return p.X >= 0 && p.X <= a.Width && p.Y >= 0 && p.Y <= a.Height
}

// Agent is a single simulated individual. It carries no behaviour; the
// engine is its only writer.
type Agent struct {
	ID       int
	Position Position
	// Heading is in radians and is never renormalised; only its cosine
	// and sine are consumed.
	Heading float64
	State   HealthState
	// StateEntered is the simulation time at which State was entered.
	StateEntered time.Duration
}

func (a Agent) String() string {
	return fmt.Sprintf("{id: %d, state: %s, position: (%.1f, %.1f), heading: %.3f, state_entered: %s}",
		a.ID, a.State, a.Position.X, a.Position.Y, a.Heading, a.StateEntered)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
