package core

import (
	"math"

	"github.com/signalsfoundry/herd-immunity/model"
)

// InContact reports whether a and b are within distance of each other.
//
// Either axis delta exceeding distance rejects the pair before the
// squared-distance test, which is where most pairs in a sparse arena end.
func InContact(a, b model.Position, distance float64) bool {
	dx := math.Abs(a.X - b.X)
	if dx > distance {
		return false
	}
	dy := math.Abs(a.Y - b.Y)
	if dy > distance {
		return false
	}
	return dx*dx+dy*dy <= distance*distance
}
