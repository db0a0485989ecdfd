package sim

// Transform is a body's position in the plane.
type Transform struct {
	X, Y float64
}

// Velocity is in units per second.
type Velocity struct {
	X, Y float64
}

// Lifetime counts down in seconds; the body expires at zero.
type Lifetime struct {
	Remaining float64
}

// Census lives on the global entity. Systems contribute deltas by adding a
// Census to it; the combinator sums them at the flush.
type Census struct {
	Spawned uint64
	Expired uint64
}

func sumCensus(existing, incoming *Census) {
	existing.Spawned += incoming.Spawned
	existing.Expired += incoming.Expired
}
