package ecs

import (
	"slices"
	"sync"
)

// bufEntity holds the modifications queued for one entity.
type bufEntity struct {
	destroy bool
	adds    map[CompID]any
	removes CompMask
	discard []pendingComp // adds cancelled before the flush
}

type pendingComp struct {
	id CompID
	v  any
}

// buffer collects structural changes issued during a tick. Systems of the
// same wave enqueue concurrently; the world applies the buffer at a flush.
type buffer struct {
	mu       sync.Mutex
	entities map[EntityID]*bufEntity
	created  []EntityID
}

func newBuffer() *buffer {
	return &buffer{entities: make(map[EntityID]*bufEntity, 64)}
}

func (b *buffer) entityLocked(e EntityID) *bufEntity {
	be, ok := b.entities[e]
	if !ok {
		be = &bufEntity{}
		b.entities[e] = be
	}
	return be
}

func (b *buffer) markCreated(e EntityID) {
	b.mu.Lock()
	b.created = append(b.created, e)
	b.mu.Unlock()
}

// destroy queues e for destruction. Repeated requests within one tick are
// collapsed.
func (b *buffer) destroy(e EntityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entityLocked(e).destroy = true
}

// add queues value (a *T) for e and returns the pending instance, which may
// be an earlier pending add that value was merged into. With a combinator
// that instance can be shared by every caller of the tick.
func (b *buffer) add(w *World, e EntityID, id CompID, value any) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	be := b.entityLocked(e)
	Assert(!be.destroy, "cannot add %s to entity %s: destruction queued", w.def.CompName(id), e)

	st := w.stores[id]
	if pending, ok := be.adds[id]; ok {
		Assert(st.canCombine(), "duplicate add of %s to entity %s without a combinator",
			w.def.CompName(id), e)
		st.combine(pending, value)
		return pending
	}
	present := w.maskOf(e).Has(id) && !be.removes.Has(id)
	Assert(!present || st.canCombine(),
		"duplicate add of %s to entity %s without a combinator", w.def.CompName(id), e)
	if be.adds == nil {
		be.adds = make(map[CompID]any, 4)
	}
	be.adds[id] = value
	return value
}

// remove queues removal of id from e. A pending add is always cancelled;
// the live component, if any, is detached at the flush. The last request
// of the tick wins.
func (b *buffer) remove(w *World, e EntityID, id CompID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	be := b.entityLocked(e)
	Assert(!be.destroy, "cannot remove %s from entity %s: destruction queued", w.def.CompName(id), e)

	live := w.maskOf(e).Has(id)
	if pending, ok := be.adds[id]; ok {
		delete(be.adds, id)
		be.discard = append(be.discard, pendingComp{id: id, v: pending})
		if live {
			be.removes.Set(id)
		}
		return
	}
	Assert(!be.removes.Has(id), "duplicate removal of %s from entity %s", w.def.CompName(id), e)
	Assert(live, "cannot remove %s from entity %s: not present", w.def.CompName(id), e)
	be.removes.Set(id)
}

// reset queues removal of every component of e, including pending adds.
func (b *buffer) reset(w *World, e EntityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	be := b.entityLocked(e)
	Assert(!be.destroy, "cannot reset entity %s: destruction queued", e)
	be.removes = w.maskOf(e)
	for _, id := range sortedIDs(be.adds) {
		be.discard = append(be.discard, pendingComp{id: id, v: be.adds[id]})
	}
	be.adds = nil
}

// take detaches the queued changes, leaving the buffer empty.
func (b *buffer) take() (map[EntityID]*bufEntity, []EntityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ents, created := b.entities, b.created
	b.entities = make(map[EntityID]*bufEntity, max(64, len(ents)))
	b.created = nil
	return ents, created
}

func (b *buffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entities) == 0 && len(b.created) == 0
}

func sortedIDs(m map[CompID]any) []CompID {
	ids := make([]CompID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
