package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_IncrAndAdvance(t *testing.T) {
	r := NewRing("wal", 4)
	r.Incr(1, 5)
	r.Incr(1, 2)
	assert.Equal(t, []int64{0, 7, 0, 0}, r.Snapshot())

	pos := r.Advance(42)
	assert.Equal(t, int64(42), r.Snapshot()[pos])
}

func TestRing_IncrWraps(t *testing.T) {
	r := NewRing("wal", 4)
	r.Incr(6, 3)
	assert.Equal(t, int64(3), r.Snapshot()[2])
}

func TestRegistry_ReturnsSameRing(t *testing.T) {
	reg := NewRegistry()
	a := reg.Ring("raft", 8)
	b := reg.Ring("raft", 8)
	assert.Same(t, a, b)
}
