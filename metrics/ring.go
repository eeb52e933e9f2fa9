// Package metrics holds fixed-width rings of counters that hot paths
// can bump without locks.
package metrics

import (
	"sync"

	"go.uber.org/atomic"
)

// Ring is a fixed number of atomic counter slots plus a cursor. The
// WAL advances the cursor once per completed batch; nodes bump slots
// through IncrMetrics effects.
type Ring struct {
	name  string
	slots []atomic.Int64
	pos   atomic.Int64
}

func NewRing(name string, width int) *Ring {
	return &Ring{
		name:  name,
		slots: make([]atomic.Int64, width),
	}
}

func (r *Ring) Name() string {
	return r.name
}

// Incr adds delta to the slot at position, wrapping around the width.
func (r *Ring) Incr(position int, delta int64) {
	r.slots[position%len(r.slots)].Add(delta)
}

// Advance moves the cursor to the next slot, zeroes it, and records
// value there. Returns the new position.
func (r *Ring) Advance(value int64) int {
	pos := int(r.pos.Inc()) % len(r.slots)
	r.slots[pos].Store(value)
	return pos
}

// Snapshot copies out the current slot values.
func (r *Ring) Snapshot() []int64 {
	out := make([]int64, len(r.slots))
	for i := range r.slots {
		out[i] = r.slots[i].Load()
	}
	return out
}

// Registry is a process-wide set of named rings.
type Registry struct {
	mu    sync.Mutex
	rings map[string]*Ring
}

func NewRegistry() *Registry {
	return &Registry{rings: make(map[string]*Ring)}
}

// Ring returns the named ring, creating it with the given width on
// first use.
func (reg *Registry) Ring(name string, width int) *Ring {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rings[name]; ok {
		return r
	}
	r := NewRing(name, width)
	reg.rings[name] = r
	return r
}
