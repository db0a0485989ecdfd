package event

import (
	"time"

	"github.com/tickforge/engine/internal/core/ecs"
)

// WaveFlushed is emitted after the command buffer was applied behind a wave.
type WaveFlushed struct {
	Tick      uint64
	Wave      int
	Created   int
	Destroyed int
	Added     int
	Combined  int
	Removed   int
}

// EntityDestroyed is emitted once per entity released at a flush.
type EntityDestroyed struct {
	Tick     uint64
	EntityID ecs.EntityID
}

type TickCompleted struct {
	Tick     uint64
	Duration time.Duration
	Waves    int
	Systems  int
	Entities int
}
