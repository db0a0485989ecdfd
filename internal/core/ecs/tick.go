package ecs

import (
	"slices"
	"time"
)

// Tick is the handle a runner holds while the world is busy. Systems only
// run, and the buffer is only flushed, through it.
type Tick struct {
	w     *World
	num   uint64
	ended bool
}

// BeginTick marks the world busy and refreshes TickInfo on the global
// entity.
func (w *World) BeginTick(dt time.Duration) *Tick {
	w.assertIdle("BeginTick")
	w.busy.Store(true)
	w.tick++
	w.elapsed += dt
	*w.tickInfoPtr() = TickInfo{Tick: w.tick, Delta: dt, Elapsed: w.elapsed}
	return &Tick{w: w, num: w.tick}
}

func (w *World) tickInfoPtr() *TickInfo {
	return w.stores[w.compID(typeOf[TickInfo]())].get(w.global).(*TickInfo)
}

func (w *World) tickInfo() TickInfo { return *w.tickInfoPtr() }

// TickInfo returns the state of the current or last tick.
func (w *World) TickInfo() TickInfo { return w.tickInfo() }

func (t *Tick) Number() uint64 { return t.num }
func (t *Tick) World() *World  { return t.w }

// Run executes one invocation of sys. Safe to call from several goroutines
// for systems that do not conflict.
func (t *Tick) Run(sys SystemID, parCount, parIndex int) {
	Assert(!t.ended, "tick %d has ended", t.num)
	def := &t.w.def.systems[sys]
	ctx := &SysCtx{w: t.w, id: sys, def: def, ParCount: parCount, ParIndex: parIndex}
	t.w.running.Add(1)
	defer func() {
		ctx.done = true
		t.w.running.Add(-1)
	}()
	def.Routine(ctx)
}

// Flush applies the buffered changes between two waves.
func (t *Tick) Flush() FlushStats {
	Assert(!t.ended, "tick %d has ended", t.num)
	return t.w.flush()
}

// End clears the busy flag. Changes still buffered stay queued for the next
// flush.
func (t *Tick) End() {
	if t.ended {
		return
	}
	t.ended = true
	t.w.busy.Store(false)
}

// SysCtx is handed to a running system. It is the only way for a system to
// reach views and to mutate the world while a tick is running.
type SysCtx struct {
	w        *World
	id       SystemID
	def      *SystemDef
	done     bool
	ParCount int
	ParIndex int
}

func (c *SysCtx) ID() SystemID     { return c.id }
func (c *SysCtx) Name() string     { return c.def.Name }
func (c *SysCtx) Global() EntityID { return c.w.global }

// TickInfo returns the global TickInfo. It is written before the first wave
// only, so reading it needs no declared view.
func (c *SysCtx) TickInfo() TickInfo { return c.w.tickInfo() }

func (c *SysCtx) mutWorld() *World {
	Assert(!c.done, "system %q used its context after returning", c.def.Name)
	return c.w
}

// View returns the view with the given id; with access validation on, the
// system must have declared it at registration.
func (c *SysCtx) View(id ViewID) *View {
	if c.w.validate {
		Assert(slices.Contains(c.def.Views, id),
			"system %q uses undeclared view %q", c.def.Name, c.w.def.ViewName(id))
	}
	return c.w.view(id, c)
}

func (c *SysCtx) EntityExists(e EntityID) bool { return c.w.pool.Alive(e) }

func (c *SysCtx) CreateEntity() EntityID {
	return c.mutWorld().createEntity()
}

func (c *SysCtx) DestroyEntityAsync(e EntityID) {
	c.mutWorld().destroyEntity(e)
}

func (c *SysCtx) AddComponent(e EntityID, id CompID, value any) {
	c.mutWorld().addBoxed(e, id, value)
}

func (c *SysCtx) RemoveComponent(e EntityID, id CompID) {
	w := c.mutWorld()
	w.assertAlive(e)
	w.buf.remove(w, e, id)
}

func (c *SysCtx) HasComponent(e EntityID, id CompID) bool {
	c.w.assertAlive(e)
	return c.w.maskOf(e).Has(id)
}

func (c *SysCtx) Reset(e EntityID) {
	w := c.mutWorld()
	w.assertAlive(e)
	w.buf.reset(w, e)
}
