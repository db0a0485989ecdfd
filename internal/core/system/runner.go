package system

import (
	"cmp"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tickforge/engine/internal/core/ecs"
	"github.com/tickforge/engine/internal/core/event"
)

// Runner executes the systems of a world in waves each tick. The plan is
// built once from the sealed def: systems that conflict, or that carry
// different explicit order keys, land in different waves.
type Runner struct {
	world   *ecs.World
	def     *ecs.Def
	bus     *event.Bus
	log     *zap.Logger
	workers int

	waves  [][]ecs.SystemID
	waveOf []int
	stats  []Stats
	busy   []atomic.Int64 // task nanoseconds accumulated in the current tick
	ticks  uint64
}

type Option func(*Runner)

// WithWorkers bounds the number of tasks running at once. Values below 1
// select runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithBus routes flush and tick events to b instead of a private bus.
func WithBus(b *event.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

func NewRunner(w *ecs.World, opts ...Option) *Runner {
	r := &Runner{
		world: w,
		def:   w.Def(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers < 1 {
		r.workers = runtime.GOMAXPROCS(0)
	}
	if r.bus == nil {
		r.bus = event.NewBus()
	}
	r.build()
	return r
}

func (r *Runner) Bus() *event.Bus   { return r.bus }
func (r *Runner) Workers() int      { return r.workers }
func (r *Runner) TickCount() uint64 { return r.ticks }

func (r *Runner) systemsConflict(a, b *ecs.SystemDef) bool {
	if a.Flags&ecs.SystemExclusive != 0 || b.Flags&ecs.SystemExclusive != 0 {
		return true
	}
	if a.ExplicitOrder && b.ExplicitOrder && a.Order != b.Order {
		return true
	}
	for _, va := range a.Views {
		for _, vb := range b.Views {
			if r.def.ViewsConflict(va, vb) {
				return true
			}
		}
	}
	return false
}

func (r *Runner) build() {
	n := r.def.SystemCount()
	defs := make([]ecs.SystemDef, n)
	order := make([]ecs.SystemID, n)
	for i := range n {
		defs[i] = r.def.System(ecs.SystemID(i))
		order[i] = ecs.SystemID(i)
	}
	slices.SortStableFunc(order, func(a, b ecs.SystemID) int {
		return cmp.Compare(defs[a].Order, defs[b].Order)
	})

	r.waveOf = make([]int, n)
	for i, s := range order {
		wave := 0
		for _, p := range order[:i] {
			if r.systemsConflict(&defs[p], &defs[s]) {
				wave = max(wave, r.waveOf[p]+1)
			}
		}
		r.waveOf[s] = wave
		for len(r.waves) <= wave {
			r.waves = append(r.waves, nil)
		}
		r.waves[wave] = append(r.waves[wave], s)
	}

	r.stats = make([]Stats, n)
	r.busy = make([]atomic.Int64, n)
	for i := range n {
		r.stats[i] = Stats{Name: defs[i].Name, Wave: r.waveOf[i]}
	}

	if ce := r.log.Check(zap.DebugLevel, "schedule plan"); ce != nil {
		lines := make([]string, 0, len(r.waves))
		for _, w := range r.Plan() {
			lines = append(lines, strings.Join(w.Systems, ","))
		}
		ce.Write(zap.Int("systems", n), zap.Int("waves", len(r.waves)), zap.Strings("plan", lines))
	}
}

// Plan returns the waves in execution order with system names.
func (r *Runner) Plan() []Wave {
	out := make([]Wave, len(r.waves))
	for i, wave := range r.waves {
		names := make([]string, len(wave))
		for j, s := range wave {
			names[j] = r.stats[s].Name
		}
		out[i] = Wave{Index: i, Systems: names}
	}
	return out
}

// WaveOf returns the wave index sys was scheduled into.
func (r *Runner) WaveOf(sys ecs.SystemID) int { return r.waveOf[sys] }

// Stats returns a snapshot of the per-system statistics. Not safe to call
// concurrently with Tick.
func (r *Runner) Stats() []Stats { return slices.Clone(r.stats) }

type task struct {
	sys      ecs.SystemID
	parCount int
	parIndex int
}

// Tick runs one pass over every wave. Changes queued by sequential code
// since the last tick are flushed first so wave 0 observes them. A system
// panic aborts the tick and is re-raised as *SystemPanic, after the events
// of the flushes that did happen have been dispatched.
func (r *Runner) Tick(dt time.Duration) {
	start := time.Now()
	tick := r.world.BeginTick(dt)
	r.ticks++

	sp := r.runWaves(tick)
	tick.End()
	if sp != nil {
		r.log.Error("system panic, tick aborted",
			zap.String("system", sp.System),
			zap.Uint64("tick", sp.Tick),
			zap.Any("value", sp.Value),
			zap.ByteString("stack", sp.Stack),
		)
		r.bus.SwapBuffers()
		r.bus.DispatchAll()
		panic(sp)
	}

	elapsed := time.Since(start)
	event.Emit(r.bus, event.TickCompleted{
		Tick:     tick.Number(),
		Duration: elapsed,
		Waves:    len(r.waves),
		Systems:  len(r.stats),
		Entities: r.world.EntityCount(),
	})
	r.bus.SwapBuffers()
	r.bus.DispatchAll()
}

func (r *Runner) runWaves(tick *ecs.Tick) *SystemPanic {
	r.flush(tick, -1)
	for i, wave := range r.waves {
		sp := r.runWave(tick, wave)
		for _, s := range wave {
			r.stats[s].record(time.Duration(r.busy[s].Swap(0)))
		}
		if sp != nil {
			return sp
		}
		r.flush(tick, i)
	}
	return nil
}

func (r *Runner) flush(tick *ecs.Tick, wave int) {
	stats := tick.Flush()
	if stats.Empty() {
		return
	}
	event.Emit(r.bus, event.WaveFlushed{
		Tick:      tick.Number(),
		Wave:      wave,
		Created:   stats.Created,
		Destroyed: len(stats.Destroyed),
		Added:     stats.Added,
		Combined:  stats.Combined,
		Removed:   stats.Removed,
	})
	for _, e := range stats.Destroyed {
		event.Emit(r.bus, event.EntityDestroyed{Tick: tick.Number(), EntityID: e})
	}
}

func (r *Runner) runWave(tick *ecs.Tick, wave []ecs.SystemID) *SystemPanic {
	var pinned, pooled []task
	for _, s := range wave {
		def := r.def.System(s)
		n := def.Parallel
		if r.workers == 1 {
			n = 1
		}
		for i := range n {
			t := task{sys: s, parCount: n, parIndex: i}
			if def.Flags&ecs.SystemThreadAffinity != 0 || r.workers == 1 {
				pinned = append(pinned, t)
			} else {
				pooled = append(pooled, t)
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, t := range pooled {
		g.Go(func() error { return r.invoke(tick, t) })
	}
	var first error
	for _, t := range pinned {
		if err := r.invoke(tick, t); err != nil && first == nil {
			first = err
		}
	}
	if err := g.Wait(); err != nil && first == nil {
		first = err
	}
	if first == nil {
		return nil
	}
	return first.(*SystemPanic)
}

func (r *Runner) invoke(tick *ecs.Tick, t task) (err error) {
	start := time.Now()
	defer func() {
		r.busy[t.sys].Add(int64(time.Since(start)))
		if v := recover(); v != nil {
			err = &SystemPanic{
				System: r.stats[t.sys].Name,
				Tick:   tick.Number(),
				Value:  v,
				Stack:  debug.Stack(),
			}
		}
	}()
	tick.Run(t.sys, t.parCount, t.parIndex)
	return nil
}
