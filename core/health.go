package core

import (
	"time"

	"github.com/signalsfoundry/herd-immunity/model"
)

// Roller draws a uniform integer in [0, n). *rand.Rand satisfies it.
type Roller interface {
	Intn(n int) int
}

// Transition records a single health state change applied during a tick.
type Transition struct {
	Agent int
	From  model.HealthState
	To    model.HealthState
}

// HealthModel advances agents through Healthy -> Infected -> Immune -> Healthy.
type HealthModel struct {
	// InfectionChance is the percent probability that one new contact infects.
	InfectionChance float64
	HealingTime     time.Duration
	ImmunityTime    time.Duration
}

// NewHealthModel builds a HealthModel from the current parameters.
func NewHealthModel(p model.Parameters) HealthModel {
	return HealthModel{
		InfectionChance: p.InfectionChance,
		HealingTime:     p.HealingDuration(),
		ImmunityTime:    p.ImmunityDuration(),
	}
}

// Expose rolls once per entry in exposed and infects agents that are still
// Healthy when their roll succeeds. It returns the transitions applied.
func (h HealthModel) Expose(agents []model.Agent, exposed []int, now time.Duration, rng Roller) []Transition {
	var out []Transition
	for _, idx := range exposed {
		if float64(rng.Intn(100)) >= h.InfectionChance {
			continue
		}
		a := &agents[idx]
		if a.State != model.Healthy {
			continue
		}
		a.State = model.Infected
		a.StateEntered = now
		out = append(out, Transition{Agent: idx, From: model.Healthy, To: model.Infected})
	}
	return out
}

// Advance applies timer-driven transitions at simulation time now. Agents in
// skip (those infected earlier in the same tick) are left alone, and every
// other agent moves at most one step per call.
func (h HealthModel) Advance(agents []model.Agent, now time.Duration, skip []Transition) []Transition {
	var fresh map[int]struct{}
	if len(skip) > 0 {
		fresh = make(map[int]struct{}, len(skip))
		for _, tr := range skip {
			fresh[tr.Agent] = struct{}{}
		}
	}

	var out []Transition
	for i := range agents {
		if _, ok := fresh[i]; ok {
			continue
		}
		a := &agents[i]
		switch a.State {
		case model.Infected:
			if now-a.StateEntered >= h.HealingTime {
				a.State = model.Immune
				a.StateEntered = now
				out = append(out, Transition{Agent: i, From: model.Infected, To: model.Immune})
			}
		case model.Immune:
			if now-a.StateEntered >= h.ImmunityTime {
				a.State = model.Healthy
				a.StateEntered = now
				out = append(out, Transition{Agent: i, From: model.Immune, To: model.Healthy})
			}
		}
	}
	return out
}
