package ecs

// ViewFlags alter view semantics.
type ViewFlags uint8

const (
	ViewFlagsNone ViewFlags = 0
	// ViewExclusive claims sole ownership of every type the view touches for
	// the rest of the tick, even when only reading.
	ViewExclusive ViewFlags = 1 << 0
	// ViewAllowParallelRandomWrite lets parallel systems build non-stepped
	// iterators with write access over this view. The caller guarantees the
	// writes are disjoint.
	ViewAllowParallelRandomWrite ViewFlags = 1 << 1
)

type viewMasks struct {
	with, without         CompMask
	read, write           CompMask // read includes write
	maybeRead, maybeWrite CompMask // maybeRead includes maybeWrite
	exclusive             bool
}

func (m *viewMasks) matches(present CompMask) bool {
	return present.AllOf(m.with) && !present.AnyOf(m.without)
}

// touched is every type the view may observe or mutate.
func (m *viewMasks) touched() CompMask {
	return m.with.Or(m.read).Or(m.maybeRead)
}

func (m *viewMasks) accessRead() CompMask {
	if m.exclusive {
		return m.touched()
	}
	return m.read.Or(m.maybeRead)
}

func (m *viewMasks) accessWrite() CompMask {
	if m.exclusive {
		return m.touched()
	}
	return m.write.Or(m.maybeWrite)
}

// conflicts reports whether a writes something b reads or writes, or the
// other way around. Views with provably disjoint filters never conflict,
// unless one of them is exclusive: an exclusive view claims its types
// outright, whatever entities the other view matches.
func (m *viewMasks) conflicts(o *viewMasks) bool {
	if !m.exclusive && !o.exclusive && (m.with.AnyOf(o.without) || o.with.AnyOf(m.without)) {
		return false
	}
	if m.accessWrite().AnyOf(o.accessRead()) {
		return true
	}
	return o.accessWrite().AnyOf(m.accessRead())
}

// ViewBuilder declares a view's filter and access set.
type ViewBuilder struct {
	def   *Def
	masks viewMasks
	flags ViewFlags
}

func (vb *ViewBuilder) Def() *Def { return vb.def }

// Exclusive marks the view with ViewExclusive.
func (vb *ViewBuilder) Exclusive() {
	vb.flags |= ViewExclusive
	vb.masks.exclusive = true
}

func (vb *ViewBuilder) Flags(flags ViewFlags) {
	vb.flags |= flags
	vb.masks.exclusive = vb.flags&ViewExclusive != 0
}

func (vb *ViewBuilder) WithID(id CompID) {
	Assert(!vb.masks.without.Has(id), "view both requires and forbids %s", vb.def.CompName(id))
	vb.masks.with.Set(id)
}

func (vb *ViewBuilder) WithoutID(id CompID) {
	Assert(!vb.masks.with.Has(id), "view both requires and forbids %s", vb.def.CompName(id))
	vb.masks.without.Set(id)
}

func (vb *ViewBuilder) ReadID(id CompID) {
	vb.WithID(id)
	vb.masks.read.Set(id)
}

func (vb *ViewBuilder) WriteID(id CompID) {
	vb.ReadID(id)
	vb.masks.write.Set(id)
}

func (vb *ViewBuilder) MaybeReadID(id CompID) {
	vb.masks.maybeRead.Set(id)
}

func (vb *ViewBuilder) MaybeWriteID(id CompID) {
	vb.masks.maybeRead.Set(id)
	vb.masks.maybeWrite.Set(id)
}

func With[T any](vb *ViewBuilder)             { vb.WithID(CompIDOf[T](vb.def)) }
func Without[T any](vb *ViewBuilder)          { vb.WithoutID(CompIDOf[T](vb.def)) }
func ReadAccess[T any](vb *ViewBuilder)       { vb.ReadID(CompIDOf[T](vb.def)) }
func WriteAccess[T any](vb *ViewBuilder)      { vb.WriteID(CompIDOf[T](vb.def)) }
func MaybeReadAccess[T any](vb *ViewBuilder)  { vb.MaybeReadID(CompIDOf[T](vb.def)) }
func MaybeWriteAccess[T any](vb *ViewBuilder) { vb.MaybeWriteID(CompIDOf[T](vb.def)) }

// View is a compiled view bound to a world.
type View struct {
	id    ViewID
	def   *viewDef
	world *World
	ctx   *SysCtx // nil when used outside a tick
}

func (v *View) ID() ViewID       { return v.id }
func (v *View) Name() string     { return v.def.name }
func (v *View) Flags() ViewFlags { return v.def.flags }

// Contains reports whether e currently matches the view's filter.
func (v *View) Contains(e EntityID) bool {
	return v.world.EntityExists(e) && v.def.masks.matches(v.world.maskOf(e))
}

// Itr returns an iterator over every matching entity.
func (v *View) Itr() *Iterator {
	if v.ctx != nil && v.ctx.ParCount > 1 && !v.def.masks.accessWrite().Empty() {
		Assert(v.def.flags&ViewAllowParallelRandomWrite != 0,
			"parallel system %q creates a random-write iterator over view %q",
			v.ctx.Name(), v.def.name)
	}
	it := &Iterator{view: v}
	it.ents = v.world.candidates(&v.def.masks)
	it.end = len(it.ents)
	return it
}

// ItrStep returns an iterator over the parIndex-th of parCount roughly equal
// slices of the matching entities. Stepped iterators cannot be reset or jumped.
func (v *View) ItrStep(parCount, parIndex int) *Iterator {
	Assert(parCount >= 1, "stepped iterator needs at least 1 step")
	Assert(parIndex >= 0 && parIndex < parCount,
		"index %d is invalid for stepped iterator with %d steps", parIndex, parCount)
	it := &Iterator{view: v, stepped: true}
	it.ents = v.world.candidates(&v.def.masks)
	per := (len(it.ents) + parCount - 1) / parCount
	it.pos = min(parIndex*per, len(it.ents))
	it.end = min(it.pos+per, len(it.ents))
	if parIndex == parCount-1 {
		it.end = len(it.ents)
	}
	return it
}

// Iterator walks the entities of a view. It is only valid until the next
// flush and must not be shared between goroutines.
type Iterator struct {
	view    *View
	ents    []EntityID
	pos     int
	end     int
	entity  EntityID
	stepped bool
}

// Walk advances to the next matching entity; false once exhausted.
func (it *Iterator) Walk() bool {
	masks := &it.view.def.masks
	for it.pos < it.end {
		e := it.ents[it.pos]
		it.pos++
		if masks.matches(it.view.world.maskOf(e)) {
			it.entity = e
			return true
		}
	}
	it.entity = 0
	return false
}

// Reset restarts the walk from the first entity.
func (it *Iterator) Reset() {
	Assert(!it.stepped, "stepped iterators cannot be reset")
	it.pos = 0
	it.entity = 0
}

// Jump positions the iterator on e if e matches the view.
func (it *Iterator) Jump(e EntityID) bool {
	Assert(!it.stepped, "stepped iterators cannot be jumped")
	if !it.view.Contains(e) {
		return false
	}
	it.entity = e
	return true
}

// MustJump is Jump for entities the caller knows to match.
func (it *Iterator) MustJump(e EntityID) {
	Assert(it.Jump(e), "view %q does not contain entity %s", it.view.def.name, e)
}

func (it *Iterator) Entity() EntityID {
	Assert(it.entity != 0, "iterator has not been positioned")
	return it.entity
}

func (it *Iterator) access(id CompID) any {
	Assert(it.entity != 0, "iterator has not been positioned")
	return it.view.world.stores[id].get(it.entity)
}

// Read returns T of the current entity. The view must declare read access.
func Read[T any](it *Iterator) *T {
	id := it.view.world.compID(typeOf[T]())
	m := &it.view.def.masks
	Assert(m.read.Has(id), "view %q does not have read-access to %s", it.view.def.name, typeName[T]())
	return it.access(id).(*T)
}

// Write returns T of the current entity for mutation. The view must declare
// write access.
func Write[T any](it *Iterator) *T {
	id := it.view.world.compID(typeOf[T]())
	m := &it.view.def.masks
	Assert(m.write.Has(id), "view %q does not have write-access to %s", it.view.def.name, typeName[T]())
	return it.access(id).(*T)
}

// MaybeRead returns T of the current entity, or nil when absent.
func MaybeRead[T any](it *Iterator) *T {
	id := it.view.world.compID(typeOf[T]())
	m := &it.view.def.masks
	Assert(m.read.Has(id) || m.maybeRead.Has(id),
		"view %q does not have read-access to %s", it.view.def.name, typeName[T]())
	v, _ := it.access(id).(*T)
	return v
}

// MaybeWrite returns T of the current entity for mutation, or nil when absent.
func MaybeWrite[T any](it *Iterator) *T {
	id := it.view.world.compID(typeOf[T]())
	m := &it.view.def.masks
	Assert(m.write.Has(id) || m.maybeWrite.Has(id),
		"view %q does not have write-access to %s", it.view.def.name, typeName[T]())
	v, _ := it.access(id).(*T)
	return v
}

// Has reports whether the current entity holds T. Presence is part of the
// entity layout, so no access declaration is needed.
func Has[T any](it *Iterator) bool {
	id := it.view.world.compID(typeOf[T]())
	return it.view.world.maskOf(it.Entity()).Has(id)
}
