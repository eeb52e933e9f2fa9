// Package memtable keeps recently written log entries in memory so
// readers can resolve them before the segment writer has flushed the
// corresponding WAL data to disk.
package memtable

import (
	"sync"

	"github.com/google/btree"

	"github.com/quorumlog/quorumlog/common"
)

type item struct {
	entry common.LogEntry
}

func (a item) Less(b btree.Item) bool {
	return a.entry.Index < b.(item).entry.Index
}

// Table is one writer's in-memory entry container. Only the WAL sink
// mutates it; readers only look up, so a read-write lock suffices.
type Table struct {
	writer common.NodeID

	mu   sync.RWMutex
	tree *btree.BTree
}

func NewTable(writer common.NodeID) *Table {
	return &Table{
		writer: writer,
		tree:   btree.New(32),
	}
}

func (t *Table) Writer() common.NodeID {
	return t.writer
}

// Insert places entry at its index, replacing any previous entry there.
func (t *Table) Insert(entry common.LogEntry) {
	t.mu.Lock()
	t.tree.ReplaceOrInsert(item{entry: entry})
	t.mu.Unlock()
}

// TruncateFrom removes every entry at and after idx.
func (t *Table) TruncateFrom(idx common.Index) {
	t.mu.Lock()
	var doomed []btree.Item
	t.tree.AscendGreaterOrEqual(item{entry: common.LogEntry{Index: idx}}, func(i btree.Item) bool {
		doomed = append(doomed, i)
		return true
	})
	for _, i := range doomed {
		t.tree.Delete(i)
	}
	t.mu.Unlock()
}

// Get returns the entry at idx, if present.
func (t *Table) Get(idx common.Index) (common.LogEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if got := t.tree.Get(item{entry: common.LogEntry{Index: idx}}); got != nil {
		return got.(item).entry, true
	}
	return common.LogEntry{}, false
}

// Range returns the entries with from <= index <= to, in index order.
func (t *Table) Range(from, to common.Index) []common.LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []common.LogEntry
	t.tree.AscendGreaterOrEqual(item{entry: common.LogEntry{Index: from}}, func(i btree.Item) bool {
		e := i.(item).entry
		if e.Index > to {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// Bounds returns the first and last indexes held, or ok=false when the
// table is empty.
func (t *Table) Bounds() (first, last common.Index, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.tree.Len() == 0 {
		return 0, 0, false
	}
	first = t.tree.Min().(item).entry.Index
	last = t.tree.Max().(item).entry.Index
	return first, last, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}
