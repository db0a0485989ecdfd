package ecs

import (
	"reflect"
	"slices"
)

// CompID identifies a registered component type within a Def.
type CompID uint16

// CompConfig carries the optional per-type hooks of a component.
type CompConfig[T any] struct {
	// Destructor runs exactly once when an instance leaves the world.
	Destructor func(*T)
	// Combinator merges incoming into existing when an entity receives the
	// same component twice. It takes ownership of incoming; no destructor
	// runs for it.
	Combinator func(existing, incoming *T)
	// DestructOrder sorts destructors within one flush, lower first.
	DestructOrder int
}

// storage is the type-erased view of a Store used by the world and buffer.
type storage interface {
	id() CompID
	has(e EntityID) bool
	get(e EntityID) any
	// insert stores a pending *T. Returns false when the entity already has
	// an instance and it was merged through the combinator instead.
	insert(e EntityID, pending any) bool
	detach(e EntityID) any
	destruct(v any)
	combine(existing, incoming any)
	canCombine() bool
	entities() []EntityID
	len() int
	commit()
}

// Store holds every instance of one component type, keyed by entity.
// Pointers handed out stay valid until the instance is removed at a flush.
type Store[T any] struct {
	cid    CompID
	cfg    CompConfig[T]
	data   map[EntityID]*T
	sorted []EntityID
	dirty  bool
}

func newStore[T any](id CompID, cfg CompConfig[T]) *Store[T] {
	return &Store[T]{
		cid:  id,
		cfg:  cfg,
		data: make(map[EntityID]*T, 256),
	}
}

func (s *Store[T]) id() CompID { return s.cid }

func (s *Store[T]) Get(e EntityID) (*T, bool) {
	c, ok := s.data[e]
	return c, ok
}

func (s *Store[T]) Has(e EntityID) bool {
	_, ok := s.data[e]
	return ok
}

func (s *Store[T]) Len() int { return len(s.data) }

func (s *Store[T]) has(e EntityID) bool { return s.Has(e) }
func (s *Store[T]) len() int            { return len(s.data) }

func (s *Store[T]) get(e EntityID) any {
	if c, ok := s.data[e]; ok {
		return c
	}
	return nil
}

func (s *Store[T]) insert(e EntityID, pending any) bool {
	incoming := pending.(*T)
	if existing, ok := s.data[e]; ok {
		Assert(s.cfg.Combinator != nil,
			"duplicate add of %s to entity %s without a combinator", typeName[T](), e)
		s.cfg.Combinator(existing, incoming)
		return false
	}
	s.data[e] = incoming
	s.dirty = true
	return true
}

func (s *Store[T]) detach(e EntityID) any {
	c, ok := s.data[e]
	if !ok {
		return nil
	}
	delete(s.data, e)
	s.dirty = true
	return c
}

func (s *Store[T]) destruct(v any) {
	if s.cfg.Destructor != nil {
		s.cfg.Destructor(v.(*T))
	}
}

func (s *Store[T]) combine(existing, incoming any) {
	s.cfg.Combinator(existing.(*T), incoming.(*T))
}

func (s *Store[T]) canCombine() bool { return s.cfg.Combinator != nil }

// entities returns the ids holding this component in ascending order, as of
// the last flush.
func (s *Store[T]) entities() []EntityID { return s.sorted }

// commit rebuilds the sorted id list after structural changes.
func (s *Store[T]) commit() {
	if !s.dirty {
		return
	}
	s.sorted = s.sorted[:0]
	for e := range s.data {
		s.sorted = append(s.sorted, e)
	}
	slices.SortFunc(s.sorted, compareEntity)
	s.dirty = false
}

func compareEntity(a, b EntityID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func typeName[T any]() string {
	return typeOf[T]().String()
}
