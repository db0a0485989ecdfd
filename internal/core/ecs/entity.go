package ecs

import (
	"fmt"
	"math"
	"sync"
)

// EntityID encodes a 32-bit index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on destroy to invalidate stale refs.
// Generations start at 1, so the zero id is never issued.
type EntityID uint64

// MaxEntities bounds the index space of a single world.
const MaxEntities = 1 << 24

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }
func (id EntityID) IsZero() bool       { return id == 0 }

func (id EntityID) String() string {
	return fmt.Sprintf("%d:%d", id.Index(), id.Generation())
}

// Less orders ids by index, then generation.
func (id EntityID) Less(other EntityID) bool {
	if id.Index() != other.Index() {
		return id.Index() < other.Index()
	}
	return id.Generation() < other.Generation()
}

// EntityPool manages entity allocation with generational indices and a free list.
// Create and Alive may be called from parallel systems; Destroy only runs
// during a flush.
type EntityPool struct {
	mu          sync.RWMutex
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
	retired     int
}

func NewEntityPool() *EntityPool {
	return &EntityPool{
		generations: make([]uint32, 0, 1024),
		freeList:    make([]uint32, 0, 256),
	}
}

func (p *EntityPool) Create() EntityID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return NewEntityID(idx, p.generations[idx])
	}
	Assert(p.nextIndex < MaxEntities, "entity index space exhausted (%d)", MaxEntities)
	idx := p.nextIndex
	p.nextIndex++
	p.generations = append(p.generations, 1)
	return NewEntityID(idx, p.generations[idx])
}

func (p *EntityPool) Alive(id EntityID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := id.Index()
	if idx >= p.nextIndex {
		return false
	}
	return p.generations[idx] == id.Generation()
}

// Destroy releases the slot. A slot whose generation would wrap is retired
// instead of recycled so that no (index, generation) pair is ever reissued.
func (p *EntityPool) Destroy(id EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := id.Index()
	Assert(idx < p.nextIndex && p.generations[idx] == id.Generation(),
		"destroy of stale entity %s", id)
	if p.generations[idx] == math.MaxUint32 {
		p.generations[idx] = 0
		p.retired++
		return
	}
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
}

// Count returns the number of live entities.
func (p *EntityPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int(p.nextIndex) - len(p.freeList) - p.retired
}
