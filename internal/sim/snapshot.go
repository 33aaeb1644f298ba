package sim

import (
	"github.com/signalsfoundry/herd-immunity/model"
)

// Status is the run state reported with every snapshot.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

// AgentView is the published, read-only copy of one agent.
type AgentView struct {
	ID       int               `json:"id"`
	State    model.HealthState `json:"state"`
	Position model.Position    `json:"position"`
	Heading  float64           `json:"heading"`
}

// Counts tallies the population by health state.
type Counts struct {
	Healthy  int `json:"healthy"`
	Infected int `json:"infected"`
	Immune   int `json:"immune"`
}

// Snapshot is a consistent copy of the engine state taken at the end of a
// tick. Snapshots are immutable once published; callers MUST NOT modify the
// Agents slice.
type Snapshot struct {
	// Seq increases by one with every publication.
	Seq       uint64      `json:"seq"`
	RunID     string      `json:"run_id,omitempty"`
	Status    Status      `json:"status"`
	ElapsedMS int64       `json:"elapsed_time_ms"`
	Agents    []AgentView `json:"agents"`
	Counts    Counts      `json:"counts"`
}

func newSnapshot(seq uint64, runID string, status Status, elapsedMS int64, agents []model.Agent) *Snapshot {
	snap := &Snapshot{
		Seq:       seq,
		RunID:     runID,
		Status:    status,
		ElapsedMS: elapsedMS,
		Agents:    make([]AgentView, len(agents)),
	}
	for i, a := range agents {
		snap.Agents[i] = AgentView{
			ID:       a.ID,
			State:    a.State,
			Position: a.Position,
			Heading:  a.Heading,
		}
		switch a.State {
		case model.Healthy:
			snap.Counts.Healthy++
		case model.Infected:
			snap.Counts.Infected++
		case model.Immune:
			snap.Counts.Immune++
		}
	}
	return snap
}

// SnapshotListener receives every published snapshot on the tick goroutine.
// It must return quickly; slow consumers should hand the snapshot off.
type SnapshotListener func(*Snapshot)
