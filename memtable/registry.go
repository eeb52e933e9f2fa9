package memtable

import (
	"sort"
	"sync"

	"github.com/quorumlog/quorumlog/common"
)

// Closed is a rolled table. Seq orders closed tables of the same
// writer: higher sequences hold newer data and win on lookup.
type Closed struct {
	Seq uint64
	*Table
}

// Registry holds the process-wide open and closed table indexes. The
// WAL sink writes, the segment writer and log facades read. Rollover
// swaps the whole open set into the closed index under one lock so a
// reader never sees a mix of stale and fresh rows for a writer.
type Registry struct {
	mu     sync.RWMutex
	open   map[common.NodeID]*Table
	closed map[common.NodeID][]Closed
}

func NewRegistry() *Registry {
	return &Registry{
		open:   make(map[common.NodeID]*Table),
		closed: make(map[common.NodeID][]Closed),
	}
}

// Open returns the writer's open table, creating it on first use.
func (r *Registry) Open(writer common.NodeID) *Table {
	r.mu.RLock()
	t, ok := r.open[writer]
	r.mu.RUnlock()
	if ok {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.open[writer]; ok {
		return t
	}
	t = NewTable(writer)
	r.open[writer] = t
	return t
}

// CloseAll promotes every open table to the closed index, tagging each
// with seq, and empties the open index. Returns the promoted set.
func (r *Registry) CloseAll(seq uint64) []Closed {
	r.mu.Lock()
	defer r.mu.Unlock()
	var promoted []Closed
	for writer, t := range r.open {
		if t.Len() == 0 {
			continue
		}
		c := Closed{Seq: seq, Table: t}
		r.closed[writer] = append(r.closed[writer], c)
		promoted = append(promoted, c)
	}
	r.open = make(map[common.NodeID]*Table)
	return promoted
}

// InstallClosed atomically replaces the closed index with the given
// tables. Used by WAL recovery to swap in replayed state.
func (r *Registry) InstallClosed(tables []Closed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = make(map[common.NodeID][]Closed)
	for _, c := range tables {
		r.closed[c.Writer()] = append(r.closed[c.Writer()], c)
	}
	for writer := range r.closed {
		cs := r.closed[writer]
		sort.Slice(cs, func(i, j int) bool { return cs[i].Seq < cs[j].Seq })
	}
	// recovery starts from a clean slate: any open rows are stale
	r.open = make(map[common.NodeID]*Table)
}

// Lookup resolves idx for writer, newest table first: open, then
// closed in descending sequence order.
func (r *Registry) Lookup(writer common.NodeID, idx common.Index) (common.LogEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.open[writer]; ok {
		if e, ok := t.Get(idx); ok {
			return e, true
		}
	}
	cs := r.closed[writer]
	for i := len(cs) - 1; i >= 0; i-- {
		if e, ok := cs[i].Get(idx); ok {
			return e, true
		}
	}
	return common.LogEntry{}, false
}

// DropClosed removes the writer's closed tables with Seq <= seq,
// typically after the segment writer has flushed them.
func (r *Registry) DropClosed(writer common.NodeID, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []Closed
	for _, c := range r.closed[writer] {
		if c.Seq > seq {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(r.closed, writer)
	} else {
		r.closed[writer] = kept
	}
}

// ClosedFor returns the writer's closed tables, oldest first.
func (r *Registry) ClosedFor(writer common.NodeID) []Closed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Closed, len(r.closed[writer]))
	copy(out, r.closed[writer])
	return out
}
