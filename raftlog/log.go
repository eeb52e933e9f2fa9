// Package raftlog provides the per-node log facade: a single
// abstraction over the shared WAL, the in-memory tables, the segment
// store, snapshots and persisted metadata.
package raftlog

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
	"github.com/quorumlog/quorumlog/segment"
	"github.com/quorumlog/quorumlog/wal"
)

// WalLog is the WAL-backed log facade. Appends write through to the
// shared sink; reads resolve against memtables first and fall back to
// the segment store.
type WalLog struct {
	writer common.NodeID
	sink   *wal.Sink
	reg    *memtable.Registry
	seg    *segment.Store
	meta   *MetaStore
	logger *zap.Logger

	closeOnce sync.Once

	mu               sync.Mutex
	lastAppended     common.Index
	lastAppendedTerm common.Term
	lastWritten      common.Index
	lastWrittenTerm  common.Term
	snapIndex        common.Index
	snapTerm         common.Term
}

var _ common.LogBackend = (*WalLog)(nil)

// OpenWalLog wires a node's facade to the shared sink. deliver is the
// node's mailbox enqueue; WAL events for this writer land there.
func OpenWalLog(
	writer common.NodeID,
	sink *wal.Sink,
	reg *memtable.Registry,
	seg *segment.Store,
	meta *MetaStore,
	deliver func(common.Message),
	logger *zap.Logger,
) (*WalLog, error) {
	l := &WalLog{
		writer: writer,
		sink:   sink,
		reg:    reg,
		seg:    seg,
		meta:   meta,
		logger: logger,
	}

	if snap, err := meta.ReadSnapshot(); err != nil {
		return nil, err
	} else if snap != nil {
		l.snapIndex, l.snapTerm = snap.Index, snap.Term
		l.lastAppended, l.lastAppendedTerm = snap.Index, snap.Term
		l.lastWritten, l.lastWrittenTerm = snap.Index, snap.Term
	}

	// recovered entries may extend past the snapshot
	if idx, term, ok, err := seg.Last(writer); err != nil {
		return nil, err
	} else if ok && idx > l.lastAppended {
		l.lastAppended, l.lastAppendedTerm = idx, term
		l.lastWritten, l.lastWrittenTerm = idx, term
	}
	for _, c := range reg.ClosedFor(writer) {
		if _, last, ok := c.Bounds(); ok && last > l.lastAppended {
			if e, ok := c.Get(last); ok {
				l.lastAppended, l.lastAppendedTerm = last, e.Term
				l.lastWritten, l.lastWrittenTerm = last, e.Term
			}
		}
	}

	sink.RegisterWriter(writer, deliver)
	return l, nil
}

func (l *WalLog) Append(entry common.LogEntry, truncate bool) error {
	var err error
	if truncate {
		err = l.sink.TruncateWrite(l.writer, entry)
	} else {
		err = l.sink.Append(l.writer, entry)
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	if truncate || entry.Index >= l.lastAppended {
		l.lastAppended, l.lastAppendedTerm = entry.Index, entry.Term
	}
	l.mu.Unlock()
	return nil
}

func (l *WalLog) Take(from, to common.Index) ([]common.LogEntry, error) {
	l.mu.Lock()
	last := l.lastAppended
	l.mu.Unlock()
	if to > last {
		to = last
	}
	if from == 0 {
		from = 1
	}
	var out []common.LogEntry
	for idx := from; idx <= to; idx++ {
		if e, ok := l.reg.Lookup(l.writer, idx); ok {
			out = append(out, e)
			continue
		}
		e, err := l.seg.Get(l.writer, idx)
		if err != nil {
			if common.IsErrNoEntry(err) {
				break
			}
			return out, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (l *WalLog) FetchTerm(idx common.Index) (common.Term, error) {
	if idx == 0 {
		return 0, nil
	}
	l.mu.Lock()
	snapIdx, snapTerm := l.snapIndex, l.snapTerm
	last, lastTerm := l.lastAppended, l.lastAppendedTerm
	l.mu.Unlock()
	if idx == snapIdx {
		return snapTerm, nil
	}
	if idx == last {
		// the sink may not have applied this append to the memtable yet
		return lastTerm, nil
	}
	if idx > last {
		// flushed segments may still hold entries past a truncation
		return 0, common.NewErrNoEntry()
	}
	if e, ok := l.reg.Lookup(l.writer, idx); ok {
		return e.Term, nil
	}
	e, err := l.seg.Get(l.writer, idx)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (l *WalLog) LastIndexTerm() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAppended, l.lastAppendedTerm
}

func (l *WalLog) LastWritten() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWritten, l.lastWrittenTerm
}

func (l *WalLog) NextIndex() common.Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAppended + 1
}

func (l *WalLog) Exists(idx common.Index, term common.Term) bool {
	t, err := l.FetchTerm(idx)
	return err == nil && t == term
}

func (l *WalLog) WriteSnapshot(snap common.Snapshot) error {
	if err := l.meta.WriteSnapshot(snap); err != nil {
		return err
	}
	l.mu.Lock()
	l.snapIndex, l.snapTerm = snap.Index, snap.Term
	if snap.Index > l.lastAppended {
		l.lastAppended, l.lastAppendedTerm = snap.Index, snap.Term
	}
	if snap.Index > l.lastWritten {
		l.lastWritten, l.lastWrittenTerm = snap.Index, snap.Term
	}
	l.mu.Unlock()
	return l.seg.UpdateReleaseCursor(l.writer, snap.Index)
}

func (l *WalLog) ReadSnapshot() (*common.Snapshot, error) {
	return l.meta.ReadSnapshot()
}

func (l *WalLog) SnapshotIndexTerm() (common.Index, common.Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapIndex, l.snapTerm
}

// HandleEvent folds WAL acknowledgements into the durability view.
func (l *WalLog) HandleEvent(msg common.Message) error {
	switch ev := msg.(type) {
	case common.WrittenEvent:
		l.mu.Lock()
		if ev.To > l.lastWritten {
			l.lastWritten, l.lastWrittenTerm = ev.To, ev.Term
		}
		l.mu.Unlock()
	case common.ResendWriteEvent:
		// replay everything from the requested index out of memory
		l.logger.Warn("wal requested resend",
			zap.Uint64("nextIndex", uint64(ev.NextIndex)))
		l.mu.Lock()
		last := l.lastAppended
		l.mu.Unlock()
		entries, err := l.Take(ev.NextIndex, last)
		if err != nil {
			return err
		}
		for i, e := range entries {
			// first one truncates to reset the sink's sequencing
			if err := l.Append(e, i == 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *WalLog) UpdateReleaseCursor(idx common.Index) error {
	return l.seg.UpdateReleaseCursor(l.writer, idx)
}

func (l *WalLog) WriteMeta(key string, value []byte) error {
	return l.meta.Write(key, value)
}

func (l *WalLog) ReadMeta(key string) ([]byte, error) {
	return l.meta.Read(key)
}

func (l *WalLog) SyncMeta() error {
	return l.meta.Sync()
}

func (l *WalLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.sink.UnregisterWriter(l.writer)
		err = multierr.Combine(l.meta.Close())
	})
	return err
}
