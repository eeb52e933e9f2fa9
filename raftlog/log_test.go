package raftlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
	"github.com/quorumlog/quorumlog/segment"
	"github.com/quorumlog/quorumlog/wal"
)

func userEntry(idx common.Index, term common.Term, payload string) common.LogEntry {
	return common.LogEntry{
		Index:   idx,
		Term:    term,
		Command: common.UserCommand{Payload: []byte(payload), Mode: common.AwaitConsensus},
	}
}

type walHarness struct {
	sink *wal.Sink
	reg  *memtable.Registry
	seg  *segment.Store
	dir  string
}

func newWalHarness(t *testing.T, dir string) *walHarness {
	t.Helper()
	reg := memtable.NewRegistry()
	seg, err := segment.NewStore(filepath.Join(dir, "segments.db"), reg, zap.NewNop())
	require.NoError(t, err)
	sink, err := wal.NewSink(wal.Config{
		Dir:             filepath.Join(dir, "wal"),
		MaxWalSizeBytes: 1 << 20,
	}, reg, seg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		sink.Stop()
		seg.Close()
	})
	return &walHarness{sink: sink, reg: reg, seg: seg, dir: dir}
}

func openLog(t *testing.T, h *walHarness, writer common.NodeID, events chan common.Message) *WalLog {
	t.Helper()
	meta, err := NewMetaStore(filepath.Join(h.dir, "meta-"+writer.String()+".db"))
	require.NoError(t, err)
	log, err := OpenWalLog(writer, h.sink, h.reg, h.seg, meta, func(m common.Message) { events <- m }, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func waitWritten(t *testing.T, log *WalLog, events chan common.Message, upTo common.Index) {
	t.Helper()
	for {
		lastWritten, _ := log.LastWritten()
		if lastWritten >= upTo {
			return
		}
		select {
		case msg := <-events:
			require.NoError(t, log.HandleEvent(msg))
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for index %d to become durable", upTo)
		}
	}
}

func TestWalLog_AppendThenWritten(t *testing.T) {
	h := newWalHarness(t, t.TempDir())
	w := uuid.New()
	events := make(chan common.Message, 64)
	log := openLog(t, h, w, events)

	require.NoError(t, log.Append(userEntry(1, 1, "a"), false))
	require.NoError(t, log.Append(userEntry(2, 1, "b"), false))

	lastIdx, lastTerm := log.LastIndexTerm()
	assert.Equal(t, common.Index(2), lastIdx)
	assert.Equal(t, common.Term(1), lastTerm)
	assert.Equal(t, common.Index(3), log.NextIndex())

	waitWritten(t, log, events, 2)
	writtenIdx, writtenTerm := log.LastWritten()
	assert.Equal(t, common.Index(2), writtenIdx)
	assert.Equal(t, common.Term(1), writtenTerm)

	entries, err := log.Take(1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, common.Index(1), entries[0].Index)

	term, err := log.FetchTerm(2)
	require.NoError(t, err)
	assert.Equal(t, common.Term(1), term)
	assert.True(t, log.Exists(2, 1))
	assert.False(t, log.Exists(2, 9))
}

func TestWalLog_TruncatingAppendReplacesTail(t *testing.T) {
	h := newWalHarness(t, t.TempDir())
	w := uuid.New()
	events := make(chan common.Message, 64)
	log := openLog(t, h, w, events)

	for i := 1; i <= 3; i++ {
		require.NoError(t, log.Append(userEntry(common.Index(i), 1, "old"), false))
	}
	waitWritten(t, log, events, 3)

	require.NoError(t, log.Append(userEntry(2, 2, "new"), true))
	lastIdx, lastTerm := log.LastIndexTerm()
	assert.Equal(t, common.Index(2), lastIdx)
	assert.Equal(t, common.Term(2), lastTerm)

	term, err := log.FetchTerm(2)
	require.NoError(t, err)
	assert.Equal(t, common.Term(2), term)

	entries, err := log.Take(1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "truncated entries must not come back")
}

func TestWalLog_ReopenSeedsFromRecovery(t *testing.T) {
	dir := t.TempDir()
	w := uuid.New()
	{
		h := newWalHarness(t, dir)
		events := make(chan common.Message, 64)
		log := openLog(t, h, w, events)
		for i := 1; i <= 4; i++ {
			require.NoError(t, log.Append(userEntry(common.Index(i), 2, "x"), false))
		}
		waitWritten(t, log, events, 4)
		require.NoError(t, log.Close())
		h.sink.Stop()
		require.NoError(t, h.seg.Close())
	}

	h := newWalHarness(t, dir)
	events := make(chan common.Message, 64)
	log := openLog(t, h, w, events)

	lastIdx, lastTerm := log.LastIndexTerm()
	assert.Equal(t, common.Index(4), lastIdx)
	assert.Equal(t, common.Term(2), lastTerm)

	entries, err := log.Take(1, 4)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestWalLog_MetaRoundTrip(t *testing.T) {
	h := newWalHarness(t, t.TempDir())
	w := uuid.New()
	log := openLog(t, h, w, make(chan common.Message, 8))

	require.NoError(t, log.WriteMeta("currentTerm", []byte{0, 0, 0, 0, 0, 0, 0, 7}))
	require.NoError(t, log.SyncMeta())
	val, err := log.ReadMeta("currentTerm")
	require.NoError(t, err)
	assert.Equal(t, byte(7), val[7])

	missing, err := log.ReadMeta("never-written")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWalLog_SnapshotRoundTrip(t *testing.T) {
	h := newWalHarness(t, t.TempDir())
	w := uuid.New()
	log := openLog(t, h, w, make(chan common.Message, 8))

	members := []common.NodeID{uuid.New(), uuid.New()}
	require.NoError(t, log.WriteSnapshot(common.Snapshot{
		Index:        10,
		Term:         3,
		Cluster:      members,
		MachineState: []byte("state"),
	}))

	snapIdx, snapTerm := log.SnapshotIndexTerm()
	assert.Equal(t, common.Index(10), snapIdx)
	assert.Equal(t, common.Term(3), snapTerm)

	snap, err := log.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, members, snap.Cluster)
	assert.Equal(t, []byte("state"), snap.MachineState)

	// the snapshot boundary answers term queries
	term, err := log.FetchTerm(10)
	require.NoError(t, err)
	assert.Equal(t, common.Term(3), term)
}

func TestInMemLog_SynchronousWritten(t *testing.T) {
	var events []common.Message
	log := NewInMemLog(func(m common.Message) { events = append(events, m) })

	require.NoError(t, log.Append(userEntry(1, 1, "a"), false))
	require.Len(t, events, 1)
	written := events[0].(common.WrittenEvent)
	assert.Equal(t, common.Index(1), written.To)

	idx, term := log.LastWritten()
	assert.Equal(t, common.Index(1), idx)
	assert.Equal(t, common.Term(1), term)
}

func TestInMemLog_TruncateDropsTail(t *testing.T) {
	log := NewInMemLog(nil)
	for i := 1; i <= 4; i++ {
		require.NoError(t, log.Append(userEntry(common.Index(i), 1, "x"), false))
	}
	require.NoError(t, log.Append(userEntry(2, 2, "y"), true))

	lastIdx, lastTerm := log.LastIndexTerm()
	assert.Equal(t, common.Index(2), lastIdx)
	assert.Equal(t, common.Term(2), lastTerm)
	_, err := log.FetchTerm(3)
	assert.True(t, common.IsErrNoEntry(err))
}
