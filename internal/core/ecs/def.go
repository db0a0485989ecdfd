package ecs

import (
	"fmt"
	"reflect"
)

type (
	ViewID   uint16
	SystemID uint16
)

// SystemFlags alter how the runner schedules a system.
type SystemFlags uint8

const (
	SystemFlagsNone SystemFlags = 0
	// SystemThreadAffinity pins the system to the ticking goroutine, which the
	// driver keeps locked to one OS thread.
	SystemThreadAffinity SystemFlags = 1 << 0
	// SystemExclusive forbids any other system from running in the same wave.
	SystemExclusive SystemFlags = 1 << 1
)

// SystemRoutine is the per-tick body of a system.
type SystemRoutine func(ctx *SysCtx)

type compDef struct {
	name          string
	typ           reflect.Type
	size          uintptr
	destructOrder int
	newStore      func() storage
}

type viewDef struct {
	name   string
	module string
	init   func(*ViewBuilder)
	masks  viewMasks
	flags  ViewFlags
}

// SystemDef describes one registered system.
type SystemDef struct {
	Name          string
	Module        string
	Routine       SystemRoutine
	Views         []ViewID
	Order         int
	ExplicitOrder bool
	Flags         SystemFlags
	Parallel      int
}

// Def is the registration table of components, views and systems. It is
// filled once during initialization through modules and sealed when the
// first World is created from it.
type Def struct {
	comps      []compDef
	compByType map[reflect.Type]CompID
	views      []viewDef
	systems    []SystemDef
	modules    []string
	sealed     bool
}

func NewDef() *Def {
	d := &Def{compByType: make(map[reflect.Type]CompID, 32)}
	d.RegisterModule("core", registerCore, nil)
	return d
}

// ModuleBuilder is handed to a module's init routine.
type ModuleBuilder struct {
	def  *Def
	name string
	ctx  any
}

// RegisterModule runs init against a builder carrying the module's shared
// initialization context.
func (d *Def) RegisterModule(name string, init func(*ModuleBuilder), ctx any) {
	Assert(!d.sealed, "def is sealed; cannot register module %q", name)
	for _, m := range d.modules {
		Assert(m != name, "duplicate module %q", name)
	}
	d.modules = append(d.modules, name)
	init(&ModuleBuilder{def: d, name: name, ctx: ctx})
}

func (b *ModuleBuilder) Def() *Def    { return b.def }
func (b *ModuleBuilder) Name() string { return b.name }
func (b *ModuleBuilder) Context() any { return b.ctx }

// RegisterComp registers T as a component type and returns its id.
func RegisterComp[T any](b *ModuleBuilder, cfg CompConfig[T]) CompID {
	d := b.def
	Assert(!d.sealed, "def is sealed; cannot register component %s", typeName[T]())
	t := typeOf[T]()
	_, dup := d.compByType[t]
	Assert(!dup, "component %s registered twice", t)
	Assert(len(d.comps) < MaxComponents, "too many component types (max %d)", MaxComponents)
	Assert(cfg.Combinator == nil || t.Size() > 0, "tag component %s cannot have a combinator", t)

	id := CompID(len(d.comps))
	d.comps = append(d.comps, compDef{
		name:          t.String(),
		typ:           t,
		size:          t.Size(),
		destructOrder: cfg.DestructOrder,
		newStore:      func() storage { return newStore[T](id, cfg) },
	})
	d.compByType[t] = id
	return id
}

// RegisterView registers a view whose access set is declared by init. The
// routine runs when the def is sealed, so it may reference components of
// modules registered later.
func (b *ModuleBuilder) RegisterView(name string, init func(*ViewBuilder)) ViewID {
	d := b.def
	Assert(!d.sealed, "def is sealed; cannot register view %q", name)
	d.views = append(d.views, viewDef{name: name, module: b.name, init: init})
	return ViewID(len(d.views) - 1)
}

// RegisterSystem registers routine with the views it depends on.
func (b *ModuleBuilder) RegisterSystem(name string, routine SystemRoutine, views ...ViewID) SystemID {
	d := b.def
	Assert(!d.sealed, "def is sealed; cannot register system %q", name)
	_, dup := d.SystemByName(name)
	Assert(!dup, "duplicate system %q", name)
	for _, v := range views {
		Assert(int(v) < len(d.views), "system %q references unknown view %d", name, v)
	}
	d.systems = append(d.systems, SystemDef{
		Name:     name,
		Module:   b.name,
		Routine:  routine,
		Views:    append([]ViewID(nil), views...),
		Parallel: 1,
	})
	return SystemID(len(d.systems) - 1)
}

func (b *ModuleBuilder) Order(sys SystemID, order int)         { b.def.UpdateOrder(sys, order) }
func (b *ModuleBuilder) Parallel(sys SystemID, count int)      { b.def.UpdateParallel(sys, count) }
func (b *ModuleBuilder) Flags(sys SystemID, flags SystemFlags) { b.def.UpdateFlags(sys, flags) }

// UpdateOrder gives sys an explicit order key; lower keys run earlier.
func (d *Def) UpdateOrder(sys SystemID, order int) {
	Assert(!d.sealed, "def is sealed")
	d.systems[sys].Order = order
	d.systems[sys].ExplicitOrder = true
}

func (d *Def) UpdateParallel(sys SystemID, count int) {
	Assert(!d.sealed, "def is sealed")
	Assert(count >= 1, "parallel count of %q must be at least 1", d.systems[sys].Name)
	d.systems[sys].Parallel = count
}

func (d *Def) UpdateFlags(sys SystemID, flags SystemFlags) {
	Assert(!d.sealed, "def is sealed")
	d.systems[sys].Flags = flags
}

func (d *Def) SystemByName(name string) (SystemID, bool) {
	for i := range d.systems {
		if d.systems[i].Name == name {
			return SystemID(i), true
		}
	}
	return 0, false
}

func (d *Def) CompCount() int   { return len(d.comps) }
func (d *Def) ViewCount() int   { return len(d.views) }
func (d *Def) SystemCount() int { return len(d.systems) }

func (d *Def) CompName(id CompID) string { return d.comps[id].name }
func (d *Def) ViewName(id ViewID) string { return d.views[id].name }

// System returns the definition of sys. The returned value is a copy.
func (d *Def) System(sys SystemID) SystemDef { return d.systems[sys] }

// CompIDOf returns the id of T, failing if T was never registered.
func CompIDOf[T any](d *Def) CompID {
	id, ok := d.compByType[typeOf[T]()]
	Assert(ok, "component %s is not registered", typeName[T]())
	return id
}

func (d *Def) compID(t reflect.Type) CompID {
	id, ok := d.compByType[t]
	Assert(ok, "component %s is not registered", t)
	return id
}

// Seal compiles every view. It is called by NewWorld and is idempotent.
func (d *Def) Seal() {
	if d.sealed {
		return
	}
	for i := range d.views {
		v := &d.views[i]
		vb := &ViewBuilder{def: d}
		v.init(vb)
		v.masks = vb.masks
		v.flags = vb.flags
	}
	d.sealed = true
}

func (d *Def) Sealed() bool { return d.sealed }

// ViewsConflict reports whether two compiled views cannot be used by systems
// running in the same wave.
func (d *Def) ViewsConflict(a, b ViewID) bool {
	Assert(d.sealed, "def must be sealed before querying conflicts")
	return d.views[a].masks.conflicts(&d.views[b].masks)
}

func (d *Def) String() string {
	return fmt.Sprintf("def(comps=%d views=%d systems=%d)", len(d.comps), len(d.views), len(d.systems))
}
