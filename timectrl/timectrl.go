package timectrl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Mode describes how the TimeController paces ticks.
type Mode int

const (
	// RealTime fires one tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated fires ticks back to back, still checking for cancellation
	// between them.
	Accelerated
)

// String returns the flag spelling of the mode.
func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps "realtime" / "accelerated" to a Mode. Unknown values fall
// back to RealTime.
func ParseMode(s string) Mode {
	if s == "accelerated" {
		return Accelerated
	}
	return RealTime
}

// Listener is invoked on the driver goroutine once per tick with the
// 1-based tick number.
type Listener func(ctx context.Context, tick uint64)

// TimeController drives a fixed-period tick and notifies registered
// listeners. The period is fixed for the lifetime of the controller.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration
	Mode Mode

	ticks     atomic.Uint64
	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		Tick: tick,
		Mode: mode,
	}
}

// AddListener registers a callback invoked on every tick. Listeners run in
// registration order.
func (tc *TimeController) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Ticks returns the number of ticks fired so far.
func (tc *TimeController) Ticks() uint64 {
	return tc.ticks.Load()
}

// Start runs the controller in a separate goroutine until ctx is cancelled
// or, when duration > 0, until duration worth of ticks have fired. It
// returns a channel that is closed when the driver exits.
//
// Cancellation is checked before every tick and interrupts the inter-tick
// wait, so shutdown latency is bounded by one tick period plus the time the
// listeners take.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.run(ctx, duration)
	}()
	return done
}

func (tc *TimeController) run(ctx context.Context, duration time.Duration) {
	var wait <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		wait = ticker.C
	}

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if wait != nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
		elapsed += tc.Tick

		n := tc.ticks.Add(1)
		tc.mu.RLock()
		listeners := tc.listeners
		tc.mu.RUnlock()
		for _, fn := range listeners {
			fn(ctx, n)
		}
	}
}
