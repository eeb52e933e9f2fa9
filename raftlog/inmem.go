package raftlog

import (
	"sync"

	"github.com/quorumlog/quorumlog/common"
)

// InMemLog is the in-memory log backend used by tests and single-node
// setups. Appends are acknowledged synchronously: the written event is
// delivered before Append returns.
type InMemLog struct {
	deliver func(common.Message)

	mu          sync.Mutex
	entries     map[common.Index]common.LogEntry
	lastIdx     common.Index
	lastTerm    common.Term
	writtenIdx  common.Index
	writtenTerm common.Term
	snap        *common.Snapshot
	meta        map[string][]byte
	cursor      common.Index
}

var _ common.LogBackend = (*InMemLog)(nil)

// NewInMemLog makes an empty in-memory backend. deliver may be nil if
// the owner polls LastWritten instead of consuming events.
func NewInMemLog(deliver func(common.Message)) *InMemLog {
	return &InMemLog{
		deliver: deliver,
		entries: make(map[common.Index]common.LogEntry),
		meta:    make(map[string][]byte),
	}
}

// SetDeliver installs the event consumer after construction, for the
// node-then-log wiring order.
func (l *InMemLog) SetDeliver(deliver func(common.Message)) {
	l.mu.Lock()
	l.deliver = deliver
	l.mu.Unlock()
}

func (l *InMemLog) Append(entry common.LogEntry, truncate bool) error {
	l.mu.Lock()
	if truncate {
		for idx := entry.Index; idx <= l.lastIdx; idx++ {
			delete(l.entries, idx)
		}
	}
	l.entries[entry.Index] = entry
	if truncate || entry.Index >= l.lastIdx {
		l.lastIdx, l.lastTerm = entry.Index, entry.Term
	}
	if entry.Index > l.writtenIdx || truncate {
		l.writtenIdx, l.writtenTerm = entry.Index, entry.Term
	}
	deliver := l.deliver
	l.mu.Unlock()
	if deliver != nil {
		deliver(common.WrittenEvent{From: entry.Index, To: entry.Index, Term: entry.Term})
	}
	return nil
}

func (l *InMemLog) Take(from, to common.Index) ([]common.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to > l.lastIdx {
		to = l.lastIdx
	}
	if from == 0 {
		from = 1
	}
	var out []common.LogEntry
	for idx := from; idx <= to; idx++ {
		e, ok := l.entries[idx]
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *InMemLog) FetchTerm(idx common.Index) (common.Term, error) {
	if idx == 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap != nil && idx == l.snap.Index {
		return l.snap.Term, nil
	}
	e, ok := l.entries[idx]
	if !ok {
		return 0, common.NewErrNoEntry()
	}
	return e.Term, nil
}

func (l *InMemLog) LastIndexTerm() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIdx, l.lastTerm
}

func (l *InMemLog) LastWritten() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writtenIdx, l.writtenTerm
}

func (l *InMemLog) NextIndex() common.Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIdx + 1
}

func (l *InMemLog) Exists(idx common.Index, term common.Term) bool {
	t, err := l.FetchTerm(idx)
	return err == nil && t == term
}

func (l *InMemLog) WriteSnapshot(snap common.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = &snap
	if snap.Index > l.lastIdx {
		l.lastIdx, l.lastTerm = snap.Index, snap.Term
	}
	if snap.Index > l.writtenIdx {
		l.writtenIdx, l.writtenTerm = snap.Index, snap.Term
	}
	for idx := range l.entries {
		if idx <= snap.Index {
			delete(l.entries, idx)
		}
	}
	return nil
}

func (l *InMemLog) ReadSnapshot() (*common.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap, nil
}

func (l *InMemLog) SnapshotIndexTerm() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap == nil {
		return 0, 0
	}
	return l.snap.Index, l.snap.Term
}

func (l *InMemLog) HandleEvent(msg common.Message) error {
	// written state is maintained synchronously on append
	return nil
}

func (l *InMemLog) UpdateReleaseCursor(idx common.Index) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx > l.cursor {
		l.cursor = idx
	}
	return nil
}

func (l *InMemLog) WriteMeta(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.meta[key] = append([]byte(nil), value...)
	return nil
}

func (l *InMemLog) ReadMeta(key string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta[key], nil
}

func (l *InMemLog) SyncMeta() error {
	return nil
}

func (l *InMemLog) Close() error {
	return nil
}
