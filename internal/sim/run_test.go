package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/herd-immunity/model"
	"github.com/signalsfoundry/herd-immunity/timectrl"
)

func TestRunWithConcurrentCommands(t *testing.T) {
	e, err := NewEngine(time.Millisecond, WithSeed(3))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var (
		lmu  sync.Mutex
		last uint64
		bad  bool
	)
	e.OnSnapshot(func(s *Snapshot) {
		lmu.Lock()
		defer lmu.Unlock()
		if s.Seq <= last {
			bad = true
		}
		last = s.Seq
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := e.Run(ctx, timectrl.RealTime)

	area := model.Area{Width: 200, Height: 100}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (i + w) % 6 {
				case 0:
					_ = e.Start(ctx, area)
				case 1:
					e.Pause(ctx)
				case 2:
					e.Resume(ctx)
				case 3:
					e.ForceInfectRandom(ctx)
				case 4:
					_ = e.SetSpeed(ctx, float64(i%3))
				case 5:
					_, _ = e.UpdateParameters(ctx, model.ParameterPatch{InfectionChance: floatPtr(float64(i))})
				}
				snap := e.Snapshot()
				for _, a := range snap.Agents {
					if !area.Contains(a.Position) {
						t.Errorf("agent %d at %v outside arena", a.ID, a.Position)
						return
					}
				}
				time.Sleep(100 * time.Microsecond)
			}
		}(w)
	}
	wg.Wait()

	e.Stop(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for e.Snapshot().Status != StatusStopped || len(e.Snapshot().Agents) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("engine did not clear after Stop: %+v", e.Snapshot().Status)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit after cancel")
	}

	lmu.Lock()
	defer lmu.Unlock()
	if bad {
		t.Fatalf("snapshot sequence went backwards")
	}
}
