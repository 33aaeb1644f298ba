package core

import (
	"math"

	"github.com/signalsfoundry/herd-immunity/model"
)

// Source is the randomness GeneratePopulation needs. *rand.Rand satisfies it.
type Source interface {
	Perm(n int) []int
	Float64() float64
}

// GeneratePopulation creates p.EntityNumber agents with ids 0..n-1, uniformly
// placed in area with headings in [0, pi). p.InitialVirusCarrierNumber of
// them, drawn without repetition, start Infected at simulation time zero.
// Callers validate p and area first.
func GeneratePopulation(p model.Parameters, area model.Area, rng Source) []model.Agent {
	n := p.EntityNumber
	carriers := make(map[int]struct{}, p.InitialVirusCarrierNumber)
	for _, idx := range rng.Perm(n)[:p.InitialVirusCarrierNumber] {
		carriers[idx] = struct{}{}
	}

	agents := make([]model.Agent, n)
	for i := range agents {
		state := model.Healthy
		if _, ok := carriers[i]; ok {
			state = model.Infected
		}
		agents[i] = model.Agent{
			ID: i,
			Position: model.Position{
				X: rng.Float64() * area.Width,
				Y: rng.Float64() * area.Height,
			},
			Heading: rng.Float64() * math.Pi,
			State:   state,
		}
	}
	return agents
}

// CountStates tallies agents per health state.
func CountStates(agents []model.Agent) (healthy, infected, immune int) {
	for _, a := range agents {
		switch a.State {
		case model.Healthy:
			healthy++
		case model.Infected:
			infected++
		case model.Immune:
			immune++
		}
	}
	return healthy, infected, immune
}
