package core

import (
	"fmt"

	"github.com/signalsfoundry/herd-immunity/model"
)

// Pair is an unordered agent pair stored with A < B.
type Pair struct {
	A, B int
}

func makePair(i, j int) Pair {
	if i > j {
		i, j = j, i
	}
	return Pair{A: i, B: j}
}

// ContactTracker remembers which pairs were in range on the previous tick so
// a transmission attempt fires once per contact episode rather than on every
// tick the pair stays close.
//
// A tracker is sized for one population by Reset and is not safe for
// concurrent use.
type ContactTracker struct {
	size     int
	contacts map[Pair]struct{}
}

// NewContactTracker returns a tracker sized for n agents.
func NewContactTracker(n int) *ContactTracker {
	ct := &ContactTracker{}
	ct.Reset(n)
	return ct
}

// Reset forgets every contact and resizes the tracker for n agents.
func (ct *ContactTracker) Reset(n int) {
	ct.size = n
	ct.contacts = make(map[Pair]struct{})
}

// Len returns the number of pairs currently in contact.
func (ct *ContactTracker) Len() int {
	return len(ct.contacts)
}

// InContact reports whether the pair (i, j) is part of the current contact set.
func (ct *ContactTracker) InContact(i, j int) bool {
	_, ok := ct.contacts[makePair(i, j)]
	return ok
}

// Update recomputes the contact set for agents and returns the indices of
// Healthy agents exposed by a newly formed contact with an Infected agent.
// An agent appears once per qualifying pair, so several new contacts in the
// same tick yield several entries.
//
// Update panics if agents does not match the size given to Reset: the set
// would otherwise reference agents from a different population.
func (ct *ContactTracker) Update(agents []model.Agent, distance float64) []int {
	if len(agents) != ct.size {
		panic(fmt.Sprintf("core: contact tracker sized for %d agents, got %d", ct.size, len(agents)))
	}

	var exposed []int
	for i := 0; i < len(agents); i++ {
		for j := i + 1; j < len(agents); j++ {
			key := Pair{A: i, B: j}
			_, known := ct.contacts[key]

			if !InContact(agents[i].Position, agents[j].Position, distance) {
				if known {
					delete(ct.contacts, key)
				}
				continue
			}
			if known {
				continue
			}

			ct.contacts[key] = struct{}{}
			if target, ok := transmissionTarget(agents[i], agents[j], i, j); ok {
				exposed = append(exposed, target)
			}
		}
	}
	return exposed
}

// transmissionTarget returns the Healthy side of an Infected/Healthy pair.
func transmissionTarget(a, b model.Agent, i, j int) (int, bool) {
	switch {
	case a.State == model.Infected && b.State == model.Healthy:
		return j, true
	case b.State == model.Infected && a.State == model.Healthy:
		return i, true
	default:
		return 0, false
	}
}
