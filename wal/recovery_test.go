package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
)

func writeAndStop(t *testing.T, dir string, writers []common.NodeID, perWriter int) {
	t.Helper()
	reg := memtable.NewRegistry()
	sink, err := NewSink(Config{Dir: dir, MaxWalSizeBytes: 1 << 20}, reg, &stubSegmentWriter{}, nil, zap.NewNop())
	require.NoError(t, err)

	collectors := make(map[common.NodeID]*eventCollector)
	for _, w := range writers {
		collectors[w] = newEventCollector()
		sink.RegisterWriter(w, collectors[w].deliver)
	}
	for _, w := range writers {
		for i := 1; i <= perWriter; i++ {
			require.NoError(t, sink.Append(w, userEntry(common.Index(i), 2, "payload")))
		}
	}
	for _, w := range writers {
		for delivered := common.Index(0); delivered < common.Index(perWriter); {
			written, ok := collectors[w].next(t).(common.WrittenEvent)
			require.True(t, ok)
			delivered = written.To
		}
	}
	sink.Stop()
}

func TestRecovery_ReplaysIntoClosedTables(t *testing.T) {
	dir := t.TempDir()
	w1, w2 := uuid.New(), uuid.New()
	writeAndStop(t, dir, []common.NodeID{w1, w2}, 5)

	reg := memtable.NewRegistry()
	seg := &stubSegmentWriter{}
	sink, err := NewSink(Config{Dir: dir, MaxWalSizeBytes: 1 << 20}, reg, seg, nil, zap.NewNop())
	require.NoError(t, err)
	defer sink.Stop()

	for _, w := range []common.NodeID{w1, w2} {
		for i := 1; i <= 5; i++ {
			e, found := reg.Lookup(w, common.Index(i))
			require.True(t, found, "recovered entry %d missing", i)
			assert.Equal(t, common.Term(2), e.Term)
		}
	}
	assert.Greater(t, seg.acceptCount(), 0, "recovered tables must be handed to the segment writer")
}

func TestRecovery_WritesContinuePastRecoveredTail(t *testing.T) {
	dir := t.TempDir()
	w := uuid.New()
	writeAndStop(t, dir, []common.NodeID{w}, 3)

	reg := memtable.NewRegistry()
	sink, err := NewSink(Config{Dir: dir, MaxWalSizeBytes: 1 << 20}, reg, &stubSegmentWriter{}, nil, zap.NewNop())
	require.NoError(t, err)
	defer sink.Stop()

	c := newEventCollector()
	sink.RegisterWriter(w, c.deliver)
	require.NoError(t, sink.Append(w, userEntry(4, 2, "after restart")))
	written, ok := c.next(t).(common.WrittenEvent)
	require.True(t, ok)
	assert.Equal(t, common.Index(4), written.To)
}

func TestRecovery_ChecksumMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	w := uuid.New()
	writeAndStop(t, dir, []common.NodeID{w}, 3)

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	// flip the final payload byte so the checksum no longer matches
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], data, 0644))

	_, err = NewSink(Config{Dir: dir, MaxWalSizeBytes: 1 << 20}, memtable.NewRegistry(), &stubSegmentWriter{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRecovery_TornTailIsTolerated(t *testing.T) {
	dir := t.TempDir()
	w := uuid.New()
	writeAndStop(t, dir, []common.NodeID{w}, 3)

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	f, err := os.OpenFile(files[len(files)-1], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	// half a header: an append that never finished before the crash
	_, err = f.Write([]byte{0x40})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reg := memtable.NewRegistry()
	sink, err := NewSink(Config{Dir: dir, MaxWalSizeBytes: 1 << 20}, reg, &stubSegmentWriter{}, nil, zap.NewNop())
	require.NoError(t, err)
	defer sink.Stop()

	for i := 1; i <= 3; i++ {
		_, found := reg.Lookup(w, common.Index(i))
		assert.True(t, found)
	}
}
