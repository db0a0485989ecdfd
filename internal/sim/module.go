package sim

import (
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/tickforge/engine/internal/core/ecs"
	coresys "github.com/tickforge/engine/internal/core/system"
)

// Config is the module context handed to Register.
type Config struct {
	Population int     // bodies kept alive
	Lifetime   float64 // seconds, 0 = immortal
	Parallel   int     // tasks for the move system
	Speed      float64 // max velocity component
	Seed       uint64
	Log        *zap.Logger
}

// Register is the module init for the reference simulation. The module
// context must be a *Config.
func Register(b *ecs.ModuleBuilder) {
	cfg := b.Context().(*Config)
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	ecs.RegisterComp(b, ecs.CompConfig[Transform]{})
	ecs.RegisterComp(b, ecs.CompConfig[Velocity]{})
	ecs.RegisterComp(b, ecs.CompConfig[Lifetime]{})
	ecs.RegisterComp(b, ecs.CompConfig[Census]{Combinator: sumCensus})

	bodies := b.RegisterView("sim.bodies", func(vb *ecs.ViewBuilder) {
		ecs.With[Transform](vb)
	})
	moving := b.RegisterView("sim.moving", func(vb *ecs.ViewBuilder) {
		ecs.WriteAccess[Transform](vb)
		ecs.ReadAccess[Velocity](vb)
	})
	aging := b.RegisterView("sim.aging", func(vb *ecs.ViewBuilder) {
		ecs.WriteAccess[Lifetime](vb)
	})

	spawn := &SpawnSystem{cfg: cfg, view: bodies, rng: rand.New(rand.NewPCG(cfg.Seed, 0x5eed)), log: log}
	sys := b.RegisterSystem("sim.spawn", spawn.Update, bodies)
	b.Order(sys, coresys.PhasePreUpdate.At(0))

	move := &MoveSystem{view: moving}
	sys = b.RegisterSystem("sim.move", move.Update, moving)
	b.Order(sys, coresys.PhaseUpdate.At(0))
	b.Parallel(sys, max(cfg.Parallel, 1))

	age := &AgeSystem{view: aging}
	sys = b.RegisterSystem("sim.age", age.Update, aging)
	b.Order(sys, coresys.PhasePostUpdate.At(0))
}

// SpawnSystem tops the population up to Config.Population.
type SpawnSystem struct {
	cfg  *Config
	view ecs.ViewID
	rng  *rand.Rand
	log  *zap.Logger
}

func (s *SpawnSystem) Update(ctx *ecs.SysCtx) {
	alive := 0
	it := ctx.View(s.view).Itr()
	for it.Walk() {
		alive++
	}
	missing := s.cfg.Population - alive
	if missing <= 0 {
		return
	}
	for range missing {
		e := ctx.CreateEntity()
		ecs.Add(ctx, e, Transform{})
		ecs.Add(ctx, e, Velocity{X: s.component(), Y: s.component()})
		if s.cfg.Lifetime > 0 {
			ecs.Add(ctx, e, Lifetime{Remaining: s.cfg.Lifetime})
		}
	}
	ecs.Add(ctx, ctx.Global(), Census{Spawned: uint64(missing)})
	s.log.Debug("bodies spawned", zap.Int("count", missing), zap.Uint64("tick", ctx.TickInfo().Tick))
}

func (s *SpawnSystem) component() float64 {
	return (s.rng.Float64()*2 - 1) * s.cfg.Speed
}

// MoveSystem integrates velocity. It runs as several tasks over stepped
// iterators.
type MoveSystem struct {
	view ecs.ViewID
}

func (s *MoveSystem) Update(ctx *ecs.SysCtx) {
	dt := ctx.TickInfo().Delta.Seconds()
	it := ctx.View(s.view).ItrStep(ctx.ParCount, ctx.ParIndex)
	for it.Walk() {
		t := ecs.Write[Transform](it)
		v := ecs.Read[Velocity](it)
		t.X += v.X * dt
		t.Y += v.Y * dt
	}
}

// AgeSystem counts lifetimes down and destroys expired bodies.
type AgeSystem struct {
	view ecs.ViewID
}

func (s *AgeSystem) Update(ctx *ecs.SysCtx) {
	dt := ctx.TickInfo().Delta.Seconds()
	expired := 0
	it := ctx.View(s.view).Itr()
	for it.Walk() {
		l := ecs.Write[Lifetime](it)
		l.Remaining = math.Max(l.Remaining-dt, 0)
		if l.Remaining == 0 {
			ctx.DestroyEntityAsync(it.Entity())
			expired++
		}
	}
	if expired > 0 {
		ecs.Add(ctx, ctx.Global(), Census{Expired: uint64(expired)})
	}
}
