package ecs

import (
	"cmp"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickInfo lives on the global entity and is refreshed when a tick begins.
type TickInfo struct {
	Tick    uint64
	Delta   time.Duration
	Elapsed time.Duration
}

func registerCore(b *ModuleBuilder) {
	RegisterComp(b, CompConfig[TickInfo]{})
}

// World is the top-level ECS container. It owns the entity pool, every
// component store, the compiled views and the deferred command buffer.
type World struct {
	def      *Def
	pool     *EntityPool
	stores   []storage
	masks    []CompMask // indexed by entity index, as of the last flush
	live     []EntityID // sorted, as of the last flush
	buf      *buffer
	global   EntityID
	busy     atomic.Bool
	running  atomic.Int32
	tick     uint64
	elapsed  time.Duration
	validate bool
	closed   bool
	log      *zap.Logger
}

// Option configures a World.
type Option func(*World)

func WithLogger(log *zap.Logger) Option {
	return func(w *World) { w.log = log }
}

// WithAccessValidation toggles the check that systems only open views they
// declared. Enabled by default.
func WithAccessValidation(enabled bool) Option {
	return func(w *World) { w.validate = enabled }
}

// NewWorld seals def and creates a world with the global entity in place.
func NewWorld(def *Def, opts ...Option) *World {
	def.Seal()
	w := &World{
		def:      def,
		pool:     NewEntityPool(),
		stores:   make([]storage, len(def.comps)),
		masks:    make([]CompMask, 0, 1024),
		buf:      newBuffer(),
		validate: true,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	for i := range def.comps {
		w.stores[i] = def.comps[i].newStore()
	}
	w.global = w.CreateEntity()
	Add(w, w.global, TickInfo{})
	w.Flush()
	return w
}

func (w *World) Def() *Def { return w.def }

// Global returns the reserved entity that carries engine-wide singleton
// components.
func (w *World) Global() EntityID { return w.global }

// IsBusy is true while a tick is running.
func (w *World) IsBusy() bool { return w.busy.Load() }

func (w *World) EntityExists(e EntityID) bool { return w.pool.Alive(e) }

// EntityCount returns the number of live entities, including the global one.
func (w *World) EntityCount() int { return w.pool.Count() }

func (w *World) assertIdle(op string) {
	Assert(!w.busy.Load(), "%s from outside a system while the world is busy", op)
	Assert(!w.closed, "%s on a closed world", op)
}

func (w *World) assertAlive(e EntityID) {
	Assert(w.pool.Alive(e), "stale or invalid entity %s", e)
}

// CreateEntity allocates an entity. It is immediately alive; components
// added to it become visible at the next flush.
func (w *World) CreateEntity() EntityID {
	w.assertIdle("CreateEntity")
	return w.createEntity()
}

func (w *World) createEntity() EntityID {
	e := w.pool.Create()
	w.buf.markCreated(e)
	return e
}

// DestroyEntityAsync queues e for destruction at the next flush.
func (w *World) DestroyEntityAsync(e EntityID) {
	w.assertIdle("DestroyEntityAsync")
	w.destroyEntity(e)
}

func (w *World) destroyEntity(e EntityID) {
	w.assertAlive(e)
	Assert(e != w.global, "the global entity cannot be destroyed")
	w.buf.destroy(e)
}

// AddComponent queues value for e. value must be of the registered type
// or nil for a zero value.
func (w *World) AddComponent(e EntityID, id CompID, value any) {
	w.assertIdle("AddComponent")
	w.addBoxed(e, id, value)
}

func (w *World) addBoxed(e EntityID, id CompID, value any) any {
	w.assertAlive(e)
	Assert(int(id) < len(w.stores), "unknown component id %d", id)
	cd := &w.def.comps[id]
	ptr := reflect.New(cd.typ)
	if value != nil {
		v := reflect.ValueOf(value)
		Assert(v.Type() == cd.typ, "value of type %s added as %s", v.Type(), cd.name)
		ptr.Elem().Set(v)
	}
	return w.buf.add(w, e, id, ptr.Interface())
}

func (w *World) RemoveComponent(e EntityID, id CompID) {
	w.assertIdle("RemoveComponent")
	w.assertAlive(e)
	w.buf.remove(w, e, id)
}

// HasComponent reports presence as of the last flush.
func (w *World) HasComponent(e EntityID, id CompID) bool {
	w.assertAlive(e)
	return w.maskOf(e).Has(id)
}

// Reset queues removal of every component of e.
func (w *World) Reset(e EntityID) {
	w.assertIdle("Reset")
	w.assertAlive(e)
	w.buf.reset(w, e)
}

// View returns a view for sequential code running outside a tick.
func (w *World) View(id ViewID) *View {
	w.assertIdle("View")
	return w.view(id, nil)
}

func (w *World) view(id ViewID, ctx *SysCtx) *View {
	Assert(int(id) < len(w.def.views), "unknown view id %d", id)
	return &View{id: id, def: &w.def.views[id], world: w, ctx: ctx}
}

// Mutator is implemented by *World (outside a tick) and *SysCtx (inside one).
type Mutator interface {
	mutWorld() *World
}

func (w *World) mutWorld() *World {
	w.assertIdle("structural mutation")
	return w
}

// Add queues value as component T of e and returns the pending instance,
// which may be adjusted until the next flush. When T has a combinator the
// instance is the merge target for every Add of the tick and may be shared
// with other systems of the wave; callers must treat it as read-only.
func Add[T any](m Mutator, e EntityID, value T) *T {
	w := m.mutWorld()
	w.assertAlive(e)
	id := w.compID(typeOf[T]())
	v := value
	return w.buf.add(w, e, id, &v).(*T)
}

// Remove queues removal of component T from e.
func Remove[T any](m Mutator, e EntityID) {
	w := m.mutWorld()
	w.assertAlive(e)
	w.buf.remove(w, e, w.compID(typeOf[T]()))
}

// HasComp reports whether e holds T as of the last flush.
func HasComp[T any](w *World, e EntityID) bool {
	return w.HasComponent(e, w.compID(typeOf[T]()))
}

// Get returns T of e for sequential code running outside a tick.
func Get[T any](w *World, e EntityID) (*T, bool) {
	w.assertIdle("Get")
	w.assertAlive(e)
	v, ok := w.stores[w.compID(typeOf[T]())].get(e).(*T)
	return v, ok
}

func (w *World) compID(t reflect.Type) CompID { return w.def.compID(t) }

func (w *World) maskOf(e EntityID) CompMask {
	idx := int(e.Index())
	if idx >= len(w.masks) {
		return CompMask{}
	}
	return w.masks[idx]
}

// candidates returns the sorted ids a view has to test: the smallest store
// among its required types, or every live entity.
func (w *World) candidates(m *viewMasks) []EntityID {
	var best []EntityID
	found := false
	m.with.ForEach(func(id CompID) {
		ents := w.stores[id].entities()
		if !found || len(ents) < len(best) {
			best, found = ents, true
		}
	})
	if found {
		return best
	}
	return w.live
}

// FlushStats summarizes one application of the command buffer.
type FlushStats struct {
	Created   int
	Destroyed []EntityID
	Added     int
	Combined  int
	Removed   int
}

func (s FlushStats) Empty() bool {
	return s.Created == 0 && len(s.Destroyed) == 0 && s.Added == 0 && s.Combined == 0 && s.Removed == 0
}

// Flush applies every queued change from sequential code outside a tick.
func (w *World) Flush() FlushStats {
	w.assertIdle("Flush")
	return w.flush()
}

type destructOp struct {
	order int
	st    storage
	v     any
}

func (w *World) flush() FlushStats {
	Assert(w.running.Load() == 0, "flush while systems are running")

	ents, created := w.buf.take()
	stats := FlushStats{Created: len(created)}

	ids := make([]EntityID, 0, len(ents))
	for e := range ents {
		ids = append(ids, e)
	}
	slices.SortFunc(ids, compareEntity)

	var destructs []destructOp
	queue := func(id CompID, v any) {
		destructs = append(destructs, destructOp{order: w.def.comps[id].destructOrder, st: w.stores[id], v: v})
	}

	for _, e := range ids {
		be := ents[e]
		for _, p := range be.discard {
			queue(p.id, p.v)
		}
		if be.destroy {
			for _, id := range sortedIDs(be.adds) {
				queue(id, be.adds[id])
			}
			w.maskOf(e).ForEach(func(id CompID) {
				queue(id, w.stores[id].detach(e))
				stats.Removed++
			})
			if int(e.Index()) < len(w.masks) {
				w.masks[e.Index()] = CompMask{}
			}
			w.pool.Destroy(e)
			stats.Destroyed = append(stats.Destroyed, e)
			continue
		}
		be.removes.ForEach(func(id CompID) {
			if v := w.stores[id].detach(e); v != nil {
				queue(id, v)
				w.masks[e.Index()].Clear(id)
				stats.Removed++
			}
		})
	}

	slices.SortStableFunc(destructs, func(a, b destructOp) int { return cmp.Compare(a.order, b.order) })
	for _, d := range destructs {
		d.st.destruct(d.v)
	}

	for _, e := range ids {
		be := ents[e]
		if be.destroy || len(be.adds) == 0 {
			continue
		}
		w.growMasks(e)
		for _, id := range sortedIDs(be.adds) {
			if w.stores[id].insert(e, be.adds[id]) {
				w.masks[e.Index()].Set(id)
				stats.Added++
			} else {
				stats.Combined++
			}
		}
	}

	for _, st := range w.stores {
		st.commit()
	}
	w.updateLive(created, stats.Destroyed)

	if !stats.Empty() {
		w.log.Debug("ecs flush",
			zap.Uint64("tick", w.tick),
			zap.Int("created", stats.Created),
			zap.Int("destroyed", len(stats.Destroyed)),
			zap.Int("added", stats.Added),
			zap.Int("combined", stats.Combined),
			zap.Int("removed", stats.Removed),
		)
	}
	return stats
}

func (w *World) growMasks(e EntityID) {
	for int(e.Index()) >= len(w.masks) {
		w.masks = append(w.masks, CompMask{})
	}
}

func (w *World) updateLive(created, destroyed []EntityID) {
	if len(created) == 0 && len(destroyed) == 0 {
		return
	}
	for _, e := range created {
		w.growMasks(e)
	}
	gone := make(map[EntityID]struct{}, len(destroyed))
	for _, e := range destroyed {
		gone[e] = struct{}{}
	}
	next := w.live[:0:0]
	for _, list := range [][]EntityID{w.live, created} {
		for _, e := range list {
			if _, ok := gone[e]; !ok {
				next = append(next, e)
			}
		}
	}
	slices.SortFunc(next, compareEntity)
	w.live = next
}

// Close runs the destructor of every remaining component, pending ones
// included, in destruct order. The world is unusable afterwards.
func (w *World) Close() {
	w.assertIdle("Close")
	ents, _ := w.buf.take()
	var destructs []destructOp
	queue := func(id CompID, v any) {
		destructs = append(destructs, destructOp{order: w.def.comps[id].destructOrder, st: w.stores[id], v: v})
	}
	ids := make([]EntityID, 0, len(ents))
	for e := range ents {
		ids = append(ids, e)
	}
	slices.SortFunc(ids, compareEntity)
	for _, e := range ids {
		be := ents[e]
		for _, p := range be.discard {
			queue(p.id, p.v)
		}
		for _, id := range sortedIDs(be.adds) {
			queue(id, be.adds[id])
		}
	}
	for _, e := range w.live {
		w.maskOf(e).ForEach(func(id CompID) {
			queue(id, w.stores[id].detach(e))
		})
	}
	slices.SortStableFunc(destructs, func(a, b destructOp) int { return cmp.Compare(a.order, b.order) })
	for _, d := range destructs {
		d.st.destruct(d.v)
	}
	w.closed = true
	w.log.Debug("ecs world closed", zap.Int("destructed", len(destructs)))
}
