package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
	"github.com/quorumlog/quorumlog/metrics"
)

const (
	// MinMaxBatch and MaxMaxBatch bound the adaptive batch size.
	MinMaxBatch = 16
	MaxMaxBatch = 2048

	defaultMailboxSize = 4096
)

// Config carries the sink's tunables.
type Config struct {
	Dir             string
	MaxWalSizeBytes int64
	// DisableChecksums skips per-record adler32 sums (benchmarks only).
	DisableChecksums bool
	MailboxSize      int
}

type walOp int

const (
	opAppend walOp = iota
	opTruncate
	opRoll
)

type walMsg struct {
	op     walOp
	writer common.NodeID
	entry  common.LogEntry
	data   []byte
	done   chan error
}

type seqMode int

const (
	inSeq seqMode = iota
	outOfSeq
)

type writerSeq struct {
	mode seqMode
	last common.Index
	seen bool
}

// contribution accumulates one writer's share of the current batch.
type contribution struct {
	from    common.Index
	to      common.Index
	term    common.Term
	records int
}

// Sink is the process-wide WAL actor. All appends from co-located
// nodes funnel through its mailbox; the loop batches them between
// fsyncs and posts WrittenEvents back to each contributing writer.
type Sink struct {
	cfg       Config
	reg       *memtable.Registry
	segWriter common.SegmentWriter
	ring      *metrics.Ring
	logger    *zap.Logger

	mailbox chan walMsg
	stopCh  chan struct{}
	dead    chan struct{}
	alive   *atomic.Bool

	deliver *deliveryTable

	// loop-owned state below, never touched outside the run goroutine
	file         *os.File
	enc          *encoder
	size         int64
	fileSeq      uint64
	closedSeq    *atomic.Uint64
	writers      map[common.NodeID]*writerSeq
	maxBatchSize int
}

var _ common.WalSink = (*Sink)(nil)

// NewSink recovers existing WAL files into the registry's closed index,
// hands the recovered tables to the segment writer, opens a fresh file
// and starts the batch loop.
func NewSink(cfg Config, reg *memtable.Registry, segWriter common.SegmentWriter, ring *metrics.Ring, logger *zap.Logger) (*Sink, error) {
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	s := &Sink{
		cfg:          cfg,
		reg:          reg,
		segWriter:    segWriter,
		ring:         ring,
		logger:       logger,
		mailbox:      make(chan walMsg, cfg.MailboxSize),
		stopCh:       make(chan struct{}),
		dead:         make(chan struct{}),
		alive:        atomic.NewBool(true),
		deliver:      newDeliveryTable(),
		closedSeq:    atomic.NewUint64(0),
		writers:      make(map[common.NodeID]*writerSeq),
		maxBatchSize: MinMaxBatch,
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	if err := s.openNextFile(); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// RegisterWriter installs the delivery function that receives the
// writer's WrittenEvent and ResendWriteEvent messages.
func (s *Sink) RegisterWriter(writer common.NodeID, deliver func(common.Message)) {
	s.deliver.set(writer, deliver)
}

func (s *Sink) UnregisterWriter(writer common.NodeID) {
	s.deliver.remove(writer)
}

func (s *Sink) Append(writer common.NodeID, entry common.LogEntry) error {
	return s.send(opAppend, writer, entry)
}

func (s *Sink) TruncateWrite(writer common.NodeID, entry common.LogEntry) error {
	return s.send(opTruncate, writer, entry)
}

// ForceRollOver closes the current file and opens a new one. Testing aid.
func (s *Sink) ForceRollOver() error {
	done := make(chan error, 1)
	select {
	case s.mailbox <- walMsg{op: opRoll, done: done}:
	case <-s.dead:
		return common.NewErrWalDown()
	}
	select {
	case err := <-done:
		return err
	case <-s.dead:
		return common.NewErrWalDown()
	}
}

func (s *Sink) send(op walOp, writer common.NodeID, entry common.LogEntry) error {
	if !s.alive.Load() {
		return common.NewErrWalDown()
	}
	data, err := common.EncodeCommand(entry.Command)
	if err != nil {
		return err
	}
	select {
	case s.mailbox <- walMsg{op: op, writer: writer, entry: entry, data: data}:
		return nil
	case <-s.dead:
		return common.NewErrWalDown()
	}
}

// Stop shuts the sink down. Pending unsynced records are lost, exactly
// as they would be in a crash.
func (s *Sink) Stop() {
	if s.alive.CAS(true, false) {
		close(s.stopCh)
	}
}

// run is the two-phase batch loop: block for one message, then drain
// without blocking until the mailbox empties or the batch hits
// maxBatchSize, then fsync and acknowledge.
func (s *Sink) run() {
	defer close(s.dead)
	for {
		select {
		case <-s.stopCh:
			s.closeFile()
			return
		case msg := <-s.mailbox:
			batch := make(map[common.NodeID]*contribution)
			records := s.handle(batch, msg)
			for s.alive.Load() && records < s.maxBatchSize {
				var more bool
				select {
				case next := <-s.mailbox:
					records += s.handle(batch, next)
					more = true
				default:
				}
				if !more {
					break
				}
			}
			if !s.alive.Load() {
				return
			}
			if !s.completeBatch(batch, records) {
				return
			}
		}
	}
}

// handle processes one mailbox message, returning the number of
// records it contributed to the batch (0 or 1).
func (s *Sink) handle(batch map[common.NodeID]*contribution, msg walMsg) int {
	switch msg.op {
	case opRoll:
		msg.done <- s.rollOver()
		return 0
	case opAppend:
		if !s.acceptAppend(msg.writer, msg.entry.Index) {
			return 0
		}
	case opTruncate:
		// a truncating write always resets the writer to in-sequence
		ws := s.writerState(msg.writer)
		ws.mode = inSeq
		ws.last = msg.entry.Index
		ws.seen = true
	}

	if err := s.writeRecord(msg); err != nil {
		s.fatal("wal write error", err)
		return 0
	}

	table := s.reg.Open(msg.writer)
	if msg.op == opTruncate {
		table.TruncateFrom(msg.entry.Index)
	}
	table.Insert(msg.entry)

	c, ok := batch[msg.writer]
	if !ok {
		c = &contribution{from: msg.entry.Index, to: msg.entry.Index, term: msg.entry.Term}
		batch[msg.writer] = c
	}
	if msg.entry.Index < c.from {
		c.from = msg.entry.Index
	}
	if msg.entry.Index >= c.to {
		c.to = msg.entry.Index
		c.term = msg.entry.Term
	}
	c.records++
	return 1
}

// acceptAppend enforces the per-writer sequencing policy.
func (s *Sink) acceptAppend(writer common.NodeID, idx common.Index) bool {
	ws := s.writerState(writer)
	switch {
	case ws.mode == outOfSeq:
		// already asked for a resend, drop silently until a
		// truncating write resets us
		return false
	case !ws.seen, idx <= ws.last+1:
		ws.seen = true
		if idx > ws.last {
			ws.last = idx
		}
		return true
	default:
		ws.mode = outOfSeq
		expected := ws.last + 1
		s.logger.Warn("out-of-sequence append",
			zap.String("writer", writer.String()),
			zap.Uint64("index", uint64(idx)),
			zap.Uint64("expected", uint64(expected)))
		s.deliver.post(writer, common.ResendWriteEvent{NextIndex: expected})
		return false
	}
}

func (s *Sink) writerState(writer common.NodeID) *writerSeq {
	ws, ok := s.writers[writer]
	if !ok {
		ws = &writerSeq{}
		s.writers[writer] = ws
	}
	// a writer recovered from disk starts sequencing from its
	// replayed tail
	if idx, ok2 := s.lastFromTable(writer); ok2 && !ws.seen {
		ws.last = idx
		ws.seen = true
	}
	return ws
}

// lastFromTable seeds sequencing state for a writer recovered from disk.
func (s *Sink) lastFromTable(writer common.NodeID) (common.Index, bool) {
	cs := s.reg.ClosedFor(writer)
	if len(cs) == 0 {
		return 0, false
	}
	_, last, ok := cs[len(cs)-1].Bounds()
	return last, ok
}

func (s *Sink) writeRecord(msg walMsg) error {
	recSize := s.enc.sizeOf(msg.writer, msg.data)
	// a writer new to this file needs a free 14-bit reference
	_, known := s.enc.refs[msg.writer]
	refsFull := !known && len(s.enc.refs) > maxWriterRefs
	if refsFull || (s.size > 0 && s.size+int64(recSize) > s.cfg.MaxWalSizeBytes) {
		if err := s.rollOver(); err != nil {
			return err
		}
		recSize = s.enc.sizeOf(msg.writer, msg.data)
	}
	n, err := s.enc.encode(msg.writer, msg.entry.Index, msg.entry.Term, msg.data, msg.op == opTruncate)
	if err != nil {
		return err
	}
	s.size += int64(n)
	return nil
}

// completeBatch makes the batch durable and acknowledges it. Returns
// false if the sink must die.
func (s *Sink) completeBatch(batch map[common.NodeID]*contribution, records int) bool {
	if records == 0 {
		return true
	}
	if err := s.enc.flush(); err != nil {
		s.fatal("wal flush error", err)
		return false
	}
	if err := s.file.Sync(); err != nil {
		s.fatal("wal fsync error", err)
		return false
	}
	for writer, c := range batch {
		s.deliver.post(writer, common.WrittenEvent{From: c.from, To: c.to, Term: c.term})
	}
	if s.ring != nil {
		s.ring.Advance(int64(records))
	}
	s.adaptBatchSize(records)
	return true
}

// adaptBatchSize trades latency for throughput: a batch that filled up
// wants more room next time, a batch that drained early gives some
// back.
func (s *Sink) adaptBatchSize(records int) {
	if records >= s.maxBatchSize {
		if s.maxBatchSize*2 <= MaxMaxBatch {
			s.maxBatchSize *= 2
		}
	} else if s.maxBatchSize/2 >= MinMaxBatch {
		s.maxBatchSize /= 2
	}
}

// rollOver closes the current file, promotes all open memtables to the
// closed index, notifies the segment writer, and opens a new file.
func (s *Sink) rollOver() error {
	closedName := s.fileName(s.fileSeq)
	if err := s.enc.flush(); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}

	seq := s.closedSeq.Inc()
	promoted := s.reg.CloseAll(seq)
	refs := make([]common.ClosedTableRef, 0, len(promoted))
	for _, c := range promoted {
		first, last, _ := c.Bounds()
		refs = append(refs, common.ClosedTableRef{
			Writer: c.Writer(),
			Seq:    c.Seq,
			First:  first,
			Last:   last,
		})
	}
	if err := s.segWriter.Accept(closedName, refs); err != nil {
		return err
	}
	s.logger.Info("rolled over wal file",
		zap.String("closed", closedName),
		zap.Int("tables", len(promoted)))
	return s.openNextFile()
}

func (s *Sink) openNextFile() error {
	s.fileSeq++
	name := s.fileName(s.fileSeq)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	s.file = f
	s.enc = newEncoder(f, !s.cfg.DisableChecksums)
	s.size = 0
	return nil
}

func (s *Sink) fileName(seq uint64) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%08d.wal", seq))
}

func (s *Sink) closeFile() {
	if s.file == nil {
		return
	}
	if err := s.enc.flush(); err == nil {
		s.file.Sync()
	}
	s.file.Close()
}

func (s *Sink) fatal(msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	s.alive.Store(false)
	s.closeFile()
}
