package system

import (
	"fmt"
	"time"
)

// Phase is a conventional band of order keys. Modules place their systems
// with b.Order(sys, system.PhaseUpdate.At(n)) so that cross-cutting stages
// stay sequenced regardless of data conflicts.
type Phase int

const (
	PhaseInput      Phase = iota * 100 // 0: drain external inputs
	PhasePreUpdate                     // 100: process last tick's events
	PhaseUpdate                        // 200: simulation logic
	PhasePostUpdate                    // 300: derived state, spawning
	PhaseOutput                        // 400: build outgoing state
	PhasePersist                       // 500: journaling
	PhaseCleanup                       // 600: destroy queued entities
)

// At returns the order key offset positions into the phase.
func (p Phase) At(offset int) int { return int(p) + offset }

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhasePreUpdate:
		return "pre-update"
	case PhaseUpdate:
		return "update"
	case PhasePostUpdate:
		return "post-update"
	case PhaseOutput:
		return "output"
	case PhasePersist:
		return "persist"
	case PhaseCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SystemPanic wraps a value recovered from a system routine. The runner
// re-raises it on the ticking goroutine after the tick was aborted.
type SystemPanic struct {
	System string
	Tick   uint64
	Value  any
	Stack  []byte
}

func (p *SystemPanic) Error() string {
	return fmt.Sprintf("system %q panicked in tick %d: %v", p.System, p.Tick, p.Value)
}

func (p *SystemPanic) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

// Stats holds per-system timing. Durations of a parallel system are the sum
// over its tasks.
type Stats struct {
	Name  string
	Wave  int
	Calls uint64
	Last  time.Duration
	Avg   time.Duration // exponential moving average, alpha 1/8
	Max   time.Duration
}

func (s *Stats) record(d time.Duration) {
	s.Calls++
	s.Last = d
	if s.Calls == 1 {
		s.Avg = d
	} else {
		s.Avg += (d - s.Avg) / 8
	}
	s.Max = max(s.Max, d)
}

// Wave is one entry of the execution plan.
type Wave struct {
	Index   int
	Systems []string
}
