package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidParameter indicates a simulation parameter failed validation.
	ErrInvalidParameter = errors.New("invalid simulation parameter")
	// ErrInvalidArea indicates an arena size that cannot hold agents.
	ErrInvalidArea = errors.New("invalid arena size")
)

// Reason codes carried by ParameterError.
const (
	ReasonNegative            = "negative"
	ReasonNonPositive         = "non_positive"
	ReasonOutOfRange          = "out_of_range"
	ReasonNotFinite           = "not_finite"
	ReasonExceedsEntityNumber = "exceeds_entity_number"
	ReasonTooLarge            = "too_large"
)

// maxDurationNanos is the first float64 nanosecond count that time.Duration
// cannot hold (2^63).
const maxDurationNanos = float64(math.MaxInt64)

// ParameterError describes which field was rejected and why.
type ParameterError struct {
	Field  string
	Reason string
	Value  any
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("%s: %s %s (%v)", ErrInvalidParameter, e.Field, e.Reason, e.Value)
}

// Unwrap lets errors.Is match ErrInvalidParameter.
func (e *ParameterError) Unwrap() error { return ErrInvalidParameter }

// Parameters is the mutable simulation configuration.
//
// EntityNumber and InitialVirusCarrierNumber are read when a run starts;
// every other field is read on each tick.
type Parameters struct {
	EntityNumber              int     `json:"entity_number" yaml:"entity_number"`
	InitialVirusCarrierNumber int     `json:"initial_virus_carrier_number" yaml:"initial_virus_carrier_number"`
	EntityVelocity            float64 `json:"entity_velocity" yaml:"entity_velocity"`         // px/s
	InfectionChance           float64 `json:"infection_chance" yaml:"infection_chance"`       // percent per new contact
	HealingTime               float64 `json:"healing_time" yaml:"healing_time"`               // seconds
	ImmunityTime              float64 `json:"immunity_time" yaml:"immunity_time"`             // seconds
	InfectiousDistance        float64 `json:"infectious_distance" yaml:"infectious_distance"` // px
	SpeedRatio                float64 `json:"speed_ratio" yaml:"speed_ratio"`
}

// DefaultParameters returns the stock herd-immunity scenario.
func DefaultParameters() Parameters {
	return Parameters{
		EntityNumber:              25,
		InitialVirusCarrierNumber: 2,
		EntityVelocity:            20,
		InfectionChance:           12,
		HealingTime:               12,
		ImmunityTime:              30,
		InfectiousDistance:        10,
		SpeedRatio:                1,
	}
}

// HealingDuration is HealingTime as simulation time.
func (p Parameters) HealingDuration() time.Duration {
	return secondsToDuration(p.HealingTime)
}

// ImmunityDuration is ImmunityTime as simulation time.
func (p Parameters) ImmunityDuration() time.Duration {
	return secondsToDuration(p.ImmunityTime)
}

// Validate checks every field and the carrier/population relation. The first
// violation found is returned as a *ParameterError.
func (p Parameters) Validate() error {
	if p.EntityNumber < 1 {
		return &ParameterError{Field: "entity_number", Reason: ReasonNonPositive, Value: p.EntityNumber}
	}
	if p.InitialVirusCarrierNumber < 0 {
		return &ParameterError{Field: "initial_virus_carrier_number", Reason: ReasonNegative, Value: p.InitialVirusCarrierNumber}
	}
	if p.InitialVirusCarrierNumber > p.EntityNumber {
		return &ParameterError{Field: "initial_virus_carrier_number", Reason: ReasonExceedsEntityNumber, Value: p.InitialVirusCarrierNumber}
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"entity_velocity", p.EntityVelocity},
		{"healing_time", p.HealingTime},
		{"immunity_time", p.ImmunityTime},
		{"infectious_distance", p.InfectiousDistance},
		{"speed_ratio", p.SpeedRatio},
	} {
		if err := validateNonNegative(f.name, f.value); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"healing_time", p.HealingTime},
		{"immunity_time", p.ImmunityTime},
	} {
		if f.value*float64(time.Second) >= maxDurationNanos {
			return &ParameterError{Field: f.name, Reason: ReasonTooLarge, Value: f.value}
		}
	}
	if !isFinite(p.InfectionChance) {
		return &ParameterError{Field: "infection_chance", Reason: ReasonNotFinite, Value: p.InfectionChance}
	}
	if p.InfectionChance < 0 || p.InfectionChance > 100 {
		return &ParameterError{Field: "infection_chance", Reason: ReasonOutOfRange, Value: p.InfectionChance}
	}
	return nil
}

// ValidateSpeedRatio checks a replacement speed multiplier.
func ValidateSpeedRatio(ratio float64) error {
	return validateNonNegative("speed_ratio", ratio)
}

// ScaledTick is the simulation time one tick of period tick covers at the
// given speed ratio. Ratios whose product with tick does not fit in a
// time.Duration are rejected as too_large.
func ScaledTick(tick time.Duration, ratio float64) (time.Duration, error) {
	if err := ValidateSpeedRatio(ratio); err != nil {
		return 0, err
	}
	d := float64(tick) * ratio
	if d >= maxDurationNanos {
		return 0, &ParameterError{Field: "speed_ratio", Reason: ReasonTooLarge, Value: ratio}
	}
	return time.Duration(d), nil
}

// ParameterPatch is a partial update; nil fields keep their current value.
type ParameterPatch struct {
	EntityNumber              *int     `json:"entity_number,omitempty"`
	InitialVirusCarrierNumber *int     `json:"initial_virus_carrier_number,omitempty"`
	EntityVelocity            *float64 `json:"entity_velocity,omitempty"`
	InfectionChance           *float64 `json:"infection_chance,omitempty"`
	HealingTime               *float64 `json:"healing_time,omitempty"`
	ImmunityTime              *float64 `json:"immunity_time,omitempty"`
	InfectiousDistance        *float64 `json:"infectious_distance,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (pp ParameterPatch) Empty() bool {
	return pp.EntityNumber == nil && pp.InitialVirusCarrierNumber == nil &&
		pp.EntityVelocity == nil && pp.InfectionChance == nil &&
		pp.HealingTime == nil && pp.ImmunityTime == nil &&
		pp.InfectiousDistance == nil
}

// ApplyTo returns p with the patch applied and validated. On error p is
// returned unchanged alongside the error.
func (pp ParameterPatch) ApplyTo(p Parameters) (Parameters, error) {
	next := p
	if pp.EntityNumber != nil {
		next.EntityNumber = *pp.EntityNumber
	}
	if pp.InitialVirusCarrierNumber != nil {
		next.InitialVirusCarrierNumber = *pp.InitialVirusCarrierNumber
	}
	if pp.EntityVelocity != nil {
		next.EntityVelocity = *pp.EntityVelocity
	}
	if pp.InfectionChance != nil {
		next.InfectionChance = *pp.InfectionChance
	}
	if pp.HealingTime != nil {
		next.HealingTime = *pp.HealingTime
	}
	if pp.ImmunityTime != nil {
		next.ImmunityTime = *pp.ImmunityTime
	}
	if pp.InfectiousDistance != nil {
		next.InfectiousDistance = *pp.InfectiousDistance
	}
	if err := next.Validate(); err != nil {
		return p, err
	}
	return next, nil
}

func validateNonNegative(field string, v float64) error {
	if !isFinite(v) {
		return &ParameterError{Field: field, Reason: ReasonNotFinite, Value: v}
	}
	if v < 0 {
		return &ParameterError{Field: field, Reason: ReasonNegative, Value: v}
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
