package system

import (
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tickforge/engine/internal/core/ecs"
	"github.com/tickforge/engine/internal/core/event"
)

type Position struct{ X, Y float64 }
type Velocity struct{ X, Y float64 }
type Health struct{ HP int }

func registerComps(b *ecs.ModuleBuilder) {
	ecs.RegisterComp(b, ecs.CompConfig[Position]{})
	ecs.RegisterComp(b, ecs.CompConfig[Velocity]{})
	ecs.RegisterComp(b, ecs.CompConfig[Health]{})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(100 * time.Microsecond)
	}
	return false
}

func TestRunner_DisjointSystemsOverlap(t *testing.T) {
	var active, overlapped atomic.Int32
	body := func(*ecs.SysCtx) {
		active.Add(1)
		if waitFor(func() bool { return active.Load() >= 2 }) {
			overlapped.Add(1)
		}
		active.Add(-1)
	}
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		pos := b.RegisterView("pos", func(vb *ecs.ViewBuilder) { ecs.WriteAccess[Position](vb) })
		hp := b.RegisterView("hp", func(vb *ecs.ViewBuilder) { ecs.WriteAccess[Health](vb) })
		b.RegisterSystem("A", body, pos)
		b.RegisterSystem("B", body, hp)
	}, nil)
	r := NewRunner(ecs.NewWorld(def), WithWorkers(4))

	if plan := r.Plan(); len(plan) != 1 || len(plan[0].Systems) != 2 {
		t.Fatalf("plan = %+v, want one wave with both systems", plan)
	}
	r.Tick(time.Millisecond)
	if overlapped.Load() != 2 {
		t.Fatalf("systems did not overlap (overlapped=%d)", overlapped.Load())
	}
}

func TestRunner_ConflictingWritersNeverOverlap(t *testing.T) {
	var inside, violations atomic.Int32
	body := func(*ecs.SysCtx) {
		if inside.Add(1) > 1 {
			violations.Add(1)
		}
		time.Sleep(200 * time.Microsecond)
		inside.Add(-1)
	}
	def := ecs.NewDef()
	var sys []ecs.SystemID
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		pos := b.RegisterView("pos", func(vb *ecs.ViewBuilder) { ecs.WriteAccess[Position](vb) })
		posVel := b.RegisterView("pos-vel", func(vb *ecs.ViewBuilder) {
			ecs.WriteAccess[Position](vb)
			ecs.ReadAccess[Velocity](vb)
		})
		sys = append(sys,
			b.RegisterSystem("W1", body, pos),
			b.RegisterSystem("W2", body, posVel),
			b.RegisterSystem("W3", body, pos),
		)
		b.Order(sys[2], -5)
	}, nil)
	r := NewRunner(ecs.NewWorld(def), WithWorkers(8))

	for range 50 {
		r.Tick(time.Millisecond)
	}
	if violations.Load() != 0 {
		t.Fatalf("conflicting writers overlapped %d times", violations.Load())
	}
	waves := []int{r.WaveOf(sys[2]), r.WaveOf(sys[0]), r.WaveOf(sys[1])}
	if !slices.Equal(waves, []int{0, 1, 2}) {
		t.Fatalf("waves = %v, want [0 1 2]", waves)
	}
}

func TestRunner_OrderedWriterThenReader(t *testing.T) {
	var e ecs.EntityID
	var observed []float64
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		wv := b.RegisterView("write-pos", func(vb *ecs.ViewBuilder) { ecs.WriteAccess[Position](vb) })
		rv := b.RegisterView("read-pos", func(vb *ecs.ViewBuilder) { ecs.ReadAccess[Position](vb) })
		// Registered first so that only the order keys can sequence them.
		reader := b.RegisterSystem("B", func(ctx *ecs.SysCtx) {
			it := ctx.View(rv).Itr()
			it.MustJump(e)
			observed = append(observed, ecs.Read[Position](it).X)
		}, rv)
		writer := b.RegisterSystem("A", func(ctx *ecs.SysCtx) {
			it := ctx.View(wv).Itr()
			for it.Walk() {
				ecs.Write[Position](it).X++
			}
		}, wv)
		b.Order(writer, 0)
		b.Order(reader, 1)
	}, nil)
	w := ecs.NewWorld(def)
	e = w.CreateEntity()
	ecs.Add(w, e, Position{})
	r := NewRunner(w, WithWorkers(4))

	for range 5 {
		r.Tick(time.Millisecond)
	}
	if want := []float64{1, 2, 3, 4, 5}; !slices.Equal(observed, want) {
		t.Fatalf("observed = %v, want %v", observed, want)
	}
}

func TestRunner_ExplicitOrderWithoutConflict(t *testing.T) {
	var seq []string
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		late := b.RegisterSystem("late", func(*ecs.SysCtx) { seq = append(seq, "late") })
		early := b.RegisterSystem("early", func(*ecs.SysCtx) { seq = append(seq, "early") })
		b.Order(late, PhaseOutput.At(0))
		b.Order(early, PhaseInput.At(0))
	}, nil)
	r := NewRunner(ecs.NewWorld(def), WithWorkers(4))
	r.Tick(0)
	if !slices.Equal(seq, []string{"early", "late"}) {
		t.Fatalf("sequence = %v", seq)
	}
	if len(r.Plan()) != 2 {
		t.Fatalf("plan = %+v, want two waves", r.Plan())
	}
}

func TestRunner_ExclusiveSystemRunsAlone(t *testing.T) {
	def := ecs.NewDef()
	var ex ecs.SystemID
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		b.RegisterSystem("a", func(*ecs.SysCtx) {})
		ex = b.RegisterSystem("exclusive", func(*ecs.SysCtx) {})
		b.RegisterSystem("c", func(*ecs.SysCtx) {})
		b.Flags(ex, ecs.SystemExclusive)
	}, nil)
	r := NewRunner(ecs.NewWorld(def), WithWorkers(4))
	plan := r.Plan()
	want := [][]string{{"a"}, {"exclusive"}, {"c"}}
	if len(plan) != len(want) {
		t.Fatalf("plan = %+v", plan)
	}
	for i := range want {
		if !slices.Equal(plan[i].Systems, want[i]) {
			t.Fatalf("wave %d = %v, want %v", i, plan[i].Systems, want[i])
		}
	}
}

func TestRunner_ExclusiveViewSerializesReaders(t *testing.T) {
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		own := b.RegisterView("own", func(vb *ecs.ViewBuilder) {
			ecs.ReadAccess[Health](vb)
			vb.Exclusive()
		})
		read := b.RegisterView("read", func(vb *ecs.ViewBuilder) { ecs.ReadAccess[Health](vb) })
		b.RegisterSystem("owner", func(*ecs.SysCtx) {}, own)
		b.RegisterSystem("reader", func(*ecs.SysCtx) {}, read)
	}, nil)
	r := NewRunner(ecs.NewWorld(def))
	if len(r.Plan()) != 2 {
		t.Fatalf("plan = %+v, want the exclusive view to split the readers", r.Plan())
	}
}

func TestRunner_ExclusiveViewIgnoresFilterPruning(t *testing.T) {
	var owner, writer ecs.SystemID
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		own := b.RegisterView("own", func(vb *ecs.ViewBuilder) {
			ecs.ReadAccess[Position](vb)
			ecs.Without[Health](vb)
			vb.Exclusive()
		})
		hurt := b.RegisterView("hurt", func(vb *ecs.ViewBuilder) {
			ecs.WriteAccess[Position](vb)
			ecs.With[Health](vb)
		})
		owner = b.RegisterSystem("owner", func(*ecs.SysCtx) {}, own)
		writer = b.RegisterSystem("writer", func(*ecs.SysCtx) {}, hurt)
	}, nil)
	r := NewRunner(ecs.NewWorld(def))
	if r.WaveOf(owner) == r.WaveOf(writer) {
		t.Fatalf("plan = %+v, want the exclusive view alone in its wave", r.Plan())
	}
}

func TestRunner_StructuralChangesVisibleNextWave(t *testing.T) {
	var spawned ecs.EntityID
	var sawInWave0, sawInWave1 bool
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		hp := b.RegisterView("hp", func(vb *ecs.ViewBuilder) { ecs.ReadAccess[Health](vb) })
		spawner := b.RegisterSystem("spawner", func(ctx *ecs.SysCtx) {
			spawned = ctx.CreateEntity()
			ecs.Add(ctx, spawned, Health{HP: 10})
			sawInWave0 = ctx.View(hp).Itr().Walk()
		}, hp)
		observer := b.RegisterSystem("observer", func(ctx *ecs.SysCtx) {
			it := ctx.View(hp).Itr()
			sawInWave1 = it.Walk() && it.Entity() == spawned
		}, hp)
		b.Order(spawner, 0)
		b.Order(observer, 1)
	}, nil)
	w := ecs.NewWorld(def)
	r := NewRunner(w)

	var flushed []event.WaveFlushed
	event.Subscribe(r.Bus(), func(ev event.WaveFlushed) { flushed = append(flushed, ev) })
	var completed int
	event.Subscribe(r.Bus(), func(event.TickCompleted) { completed++ })

	r.Tick(time.Millisecond)
	if sawInWave0 {
		t.Fatal("entity spawned mid-wave was visible in the same wave")
	}
	if !sawInWave1 {
		t.Fatal("entity spawned in wave 0 was not visible in wave 1")
	}
	if len(flushed) != 1 || flushed[0].Wave != 0 || flushed[0].Created != 1 || flushed[0].Added != 1 {
		t.Fatalf("flush events = %+v", flushed)
	}
	if completed != 1 {
		t.Fatalf("tick completed events = %d, want 1", completed)
	}
}

func TestRunner_DestroyEmitsEvents(t *testing.T) {
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		hp := b.RegisterView("hp", func(vb *ecs.ViewBuilder) { ecs.ReadAccess[Health](vb) })
		b.RegisterSystem("reaper", func(ctx *ecs.SysCtx) {
			it := ctx.View(hp).Itr()
			for it.Walk() {
				if ecs.Read[Health](it).HP <= 0 {
					ctx.DestroyEntityAsync(it.Entity())
				}
			}
		}, hp)
	}, nil)
	w := ecs.NewWorld(def)
	dead := w.CreateEntity()
	ecs.Add(w, dead, Health{})
	alive := w.CreateEntity()
	ecs.Add(w, alive, Health{HP: 3})
	r := NewRunner(w)

	var destroyed []ecs.EntityID
	event.Subscribe(r.Bus(), func(ev event.EntityDestroyed) { destroyed = append(destroyed, ev.EntityID) })
	r.Tick(time.Millisecond)
	if !slices.Equal(destroyed, []ecs.EntityID{dead}) {
		t.Fatalf("destroyed = %v, want [%v]", destroyed, dead)
	}
	if w.EntityExists(dead) || !w.EntityExists(alive) {
		t.Fatal("unexpected entity state after tick")
	}
}

func TestRunner_ParallelSystemSplitsWork(t *testing.T) {
	var visited atomic.Int32
	var tasks atomic.Int32
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		pos := b.RegisterView("pos", func(vb *ecs.ViewBuilder) { ecs.WriteAccess[Position](vb) })
		sys := b.RegisterSystem("mover", func(ctx *ecs.SysCtx) {
			tasks.Add(1)
			it := ctx.View(pos).ItrStep(ctx.ParCount, ctx.ParIndex)
			for it.Walk() {
				ecs.Write[Position](it).X = 1
				visited.Add(1)
			}
		}, pos)
		b.Parallel(sys, 4)
	}, nil)
	w := ecs.NewWorld(def)
	for range 1000 {
		ecs.Add(w, w.CreateEntity(), Position{})
	}
	r := NewRunner(w, WithWorkers(4))
	r.Tick(time.Millisecond)
	if tasks.Load() != 4 {
		t.Fatalf("tasks = %d, want 4", tasks.Load())
	}
	if visited.Load() != 1000 {
		t.Fatalf("visited = %d, want 1000", visited.Load())
	}

	single := NewRunner(w, WithWorkers(1))
	tasks.Store(0)
	single.Tick(time.Millisecond)
	if tasks.Load() != 1 {
		t.Fatalf("tasks with one worker = %d, want 1", tasks.Load())
	}
}

func TestRunner_PanicAbortsTick(t *testing.T) {
	boom := errors.New("boom")
	var laterRan atomic.Bool
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		bad := b.RegisterSystem("bad", func(ctx *ecs.SysCtx) {
			ctx.CreateEntity()
			panic(boom)
		})
		later := b.RegisterSystem("later", func(*ecs.SysCtx) { laterRan.Store(true) })
		b.Order(bad, 0)
		b.Order(later, 1)
	}, nil)
	w := ecs.NewWorld(def)
	r := NewRunner(w, WithWorkers(2))
	var flushed []event.WaveFlushed
	event.Subscribe(r.Bus(), func(ev event.WaveFlushed) { flushed = append(flushed, ev) })
	queued := w.CreateEntity()
	ecs.Add(w, queued, Health{HP: 1})
	before := w.EntityCount()

	func() {
		defer func() {
			v := recover()
			sp, ok := v.(*SystemPanic)
			if !ok {
				t.Fatalf("recovered %v, want *SystemPanic", v)
			}
			if sp.System != "bad" || sp.Tick != 1 || !errors.Is(sp, boom) {
				t.Fatalf("panic = %+v", sp)
			}
		}()
		r.Tick(time.Millisecond)
	}()

	if laterRan.Load() {
		t.Fatal("waves after the panic should be skipped")
	}
	if w.IsBusy() {
		t.Fatal("busy flag should be cleared after an aborted tick")
	}
	if w.EntityCount() != before+1 {
		t.Fatalf("entity count = %d, want %d", w.EntityCount(), before+1)
	}
	if n := r.Bus().Pending(); n != 0 {
		t.Fatalf("%d events of the aborted tick left pending", n)
	}
	if len(flushed) != 1 || flushed[0].Tick != 1 || flushed[0].Wave != -1 {
		t.Fatalf("flushed = %+v, want the pre-tick flush of tick 1", flushed)
	}
}

func TestRunner_Stats(t *testing.T) {
	def := ecs.NewDef()
	def.RegisterModule("m", func(b *ecs.ModuleBuilder) {
		registerComps(b)
		b.RegisterSystem("sleepy", func(*ecs.SysCtx) { time.Sleep(time.Millisecond) })
	}, nil)
	r := NewRunner(ecs.NewWorld(def), WithWorkers(2))
	for range 3 {
		r.Tick(time.Millisecond)
	}
	st := r.Stats()
	if len(st) != 1 || st[0].Name != "sleepy" || st[0].Calls != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st[0].Last < time.Millisecond || st[0].Avg <= 0 || st[0].Max < st[0].Last {
		t.Fatalf("timings = %+v", st[0])
	}
	if r.TickCount() != 3 {
		t.Fatalf("ticks = %d, want 3", r.TickCount())
	}
}

func TestPhase_At(t *testing.T) {
	if PhaseUpdate.At(5) != 205 || PhaseCleanup.String() != "cleanup" {
		t.Fatalf("phase helpers: %d %s", PhaseUpdate.At(5), PhaseCleanup)
	}
}
