package wal

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
)

// stubSegmentWriter records Accept calls and leaves tables in the
// registry, so tests can observe the closed index directly.
type stubSegmentWriter struct {
	mu      sync.Mutex
	accepts []string
	refs    [][]common.ClosedTableRef
}

func (s *stubSegmentWriter) Ready() error { return nil }

func (s *stubSegmentWriter) Accept(walFile string, tables []common.ClosedTableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts = append(s.accepts, walFile)
	s.refs = append(s.refs, tables)
	return nil
}

func (s *stubSegmentWriter) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepts)
}

type eventCollector struct {
	ch chan common.Message
}

func newEventCollector() *eventCollector {
	return &eventCollector{ch: make(chan common.Message, 128)}
}

func (c *eventCollector) deliver(msg common.Message) {
	c.ch <- msg
}

func (c *eventCollector) next(t *testing.T) common.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wal event")
		return nil
	}
}

func newTestSink(t *testing.T, maxSize int64) (*Sink, *memtable.Registry, *stubSegmentWriter, string) {
	t.Helper()
	dir := t.TempDir()
	reg := memtable.NewRegistry()
	seg := &stubSegmentWriter{}
	sink, err := NewSink(Config{
		Dir:             dir,
		MaxWalSizeBytes: maxSize,
	}, reg, seg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(sink.Stop)
	return sink, reg, seg, dir
}

func userEntry(idx common.Index, term common.Term, payload string) common.LogEntry {
	return common.LogEntry{
		Index:   idx,
		Term:    term,
		Command: common.UserCommand{Payload: []byte(payload), Mode: common.AwaitConsensus},
	}
}

func TestSink_WrittenPerContributingWriter(t *testing.T) {
	sink, reg, _, _ := newTestSink(t, 1<<20)

	writers := make([]common.NodeID, 4)
	collectors := make([]*eventCollector, 4)
	for i := range writers {
		writers[i] = uuid.New()
		collectors[i] = newEventCollector()
		sink.RegisterWriter(writers[i], collectors[i].deliver)
	}

	for i, w := range writers {
		require.NoError(t, sink.Append(w, userEntry(1, common.Term(i+1), "cmd")))
	}

	for i, c := range collectors {
		msg := c.next(t)
		written, ok := msg.(common.WrittenEvent)
		require.True(t, ok, "expected WrittenEvent, got %T", msg)
		assert.Equal(t, common.Index(1), written.From)
		assert.Equal(t, common.Index(1), written.To)
		assert.Equal(t, common.Term(i+1), written.Term)

		_, found := reg.Lookup(writers[i], 1)
		assert.True(t, found, "entry must be readable from the open table")
	}
}

func TestSink_WrittenBatchesRange(t *testing.T) {
	sink, _, _, _ := newTestSink(t, 1<<20)
	w := uuid.New()
	c := newEventCollector()
	sink.RegisterWriter(w, c.deliver)

	for i := 1; i <= 10; i++ {
		require.NoError(t, sink.Append(w, userEntry(common.Index(i), 3, "x")))
	}

	// acknowledgements may arrive split across batches but must cover
	// 1..10 in order without gaps
	next := common.Index(1)
	for next <= 10 {
		written, ok := c.next(t).(common.WrittenEvent)
		require.True(t, ok)
		assert.Equal(t, next, written.From)
		assert.GreaterOrEqual(t, written.To, written.From)
		assert.Equal(t, common.Term(3), written.Term)
		next = written.To + 1
	}
}

func TestSink_OutOfSequenceAppendRequestsResend(t *testing.T) {
	sink, reg, _, _ := newTestSink(t, 1<<20)
	w := uuid.New()
	c := newEventCollector()
	sink.RegisterWriter(w, c.deliver)

	require.NoError(t, sink.Append(w, userEntry(1, 1, "a")))
	written, ok := c.next(t).(common.WrittenEvent)
	require.True(t, ok)
	require.Equal(t, common.Index(1), written.To)

	// gap: index 5 after 1
	require.NoError(t, sink.Append(w, userEntry(5, 1, "gap")))
	resend, ok := c.next(t).(common.ResendWriteEvent)
	require.True(t, ok, "expected ResendWriteEvent")
	assert.Equal(t, common.Index(2), resend.NextIndex)

	// while out of sequence further appends are dropped silently
	require.NoError(t, sink.Append(w, userEntry(6, 1, "still-gap")))

	// a truncating write resets sequencing
	require.NoError(t, sink.TruncateWrite(w, userEntry(2, 1, "b")))
	written, ok = c.next(t).(common.WrittenEvent)
	require.True(t, ok)
	assert.Equal(t, common.Index(2), written.To)

	_, found := reg.Lookup(w, 5)
	assert.False(t, found, "dropped append must not reach the memtable")
	_, found = reg.Lookup(w, 6)
	assert.False(t, found)
}

func TestSink_RollOverPromotesOpenTables(t *testing.T) {
	// small cap: a handful of records forces a roll
	sink, reg, seg, dir := newTestSink(t, 256)
	w := uuid.New()
	c := newEventCollector()
	sink.RegisterWriter(w, c.deliver)

	for i := 1; i <= 8; i++ {
		require.NoError(t, sink.Append(w, userEntry(common.Index(i), 1, "some payload to fill the file")))
	}
	for delivered := common.Index(0); delivered < 8; {
		written, ok := c.next(t).(common.WrittenEvent)
		require.True(t, ok)
		delivered = written.To
	}

	require.Greater(t, seg.acceptCount(), 0, "segment writer must be notified at rollover")
	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1, "rollover must open a new file")

	// all indexes still resolve, through closed tables or open table
	for i := 1; i <= 8; i++ {
		_, found := reg.Lookup(w, common.Index(i))
		assert.True(t, found, "index %d must remain resolvable after rollover", i)
	}
}

func TestSink_ForceRollOver(t *testing.T) {
	sink, _, seg, dir := newTestSink(t, 1<<20)
	w := uuid.New()
	c := newEventCollector()
	sink.RegisterWriter(w, c.deliver)

	require.NoError(t, sink.Append(w, userEntry(1, 1, "x")))
	c.next(t)
	require.NoError(t, sink.ForceRollOver())

	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.Equal(t, 1, seg.acceptCount())
}

func TestSink_AppendAfterStopIsWalDown(t *testing.T) {
	sink, _, _, _ := newTestSink(t, 1<<20)
	sink.Stop()
	err := sink.Append(uuid.New(), userEntry(1, 1, "x"))
	assert.True(t, common.IsErrWalDown(err))
}

func TestSink_AdaptiveBatchSize(t *testing.T) {
	s := &Sink{maxBatchSize: MinMaxBatch}

	// filling the cap doubles, up to the ceiling
	for expected := MinMaxBatch * 2; expected <= MaxMaxBatch; expected *= 2 {
		s.adaptBatchSize(s.maxBatchSize)
		assert.Equal(t, expected, s.maxBatchSize)
	}
	s.adaptBatchSize(s.maxBatchSize)
	assert.Equal(t, MaxMaxBatch, s.maxBatchSize, "must not exceed the ceiling")

	// draining early halves, down to the floor
	for s.maxBatchSize > MinMaxBatch {
		prev := s.maxBatchSize
		s.adaptBatchSize(1)
		assert.Equal(t, prev/2, s.maxBatchSize)
	}
	s.adaptBatchSize(1)
	assert.Equal(t, MinMaxBatch, s.maxBatchSize, "must not fall below the floor")
}
