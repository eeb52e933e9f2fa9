package wal

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
)

// recover replays existing WAL files into a temporary table set,
// validates checksums, atomically swaps the result into the closed
// index, and hands the tables to the segment writer. Runs before the
// batch loop starts.
func (s *Sink) recover() error {
	if err := s.segWriter.Ready(); err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.wal"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	type replayed struct {
		file   string
		tables []memtable.Closed
	}
	var (
		all     []memtable.Closed
		perFile []replayed
	)
	for _, file := range files {
		seq := s.closedSeq.Inc()
		tables, err := s.replayFile(file, seq)
		if err != nil {
			return err
		}
		all = append(all, tables...)
		perFile = append(perFile, replayed{file: file, tables: tables})
	}

	s.reg.InstallClosed(all)

	for _, r := range perFile {
		refs := make([]common.ClosedTableRef, 0, len(r.tables))
		for _, c := range r.tables {
			first, last, ok := c.Bounds()
			if !ok {
				continue
			}
			refs = append(refs, common.ClosedTableRef{
				Writer: c.Writer(),
				Seq:    c.Seq,
				First:  first,
				Last:   last,
			})
		}
		if err := s.segWriter.Accept(r.file, refs); err != nil {
			return err
		}
	}

	if len(files) > 0 {
		last := filepath.Base(files[len(files)-1])
		if n, err := strconv.ParseUint(strings.TrimSuffix(last, ".wal"), 10, 64); err == nil {
			s.fileSeq = n
		}
		s.logger.Info("recovered wal files",
			zap.Int("files", len(files)),
			zap.Int("tables", len(all)))
	}
	return nil
}

// replayFile decodes one WAL file into fresh tables, one per writer,
// all tagged with seq. A torn trailing record is tolerated (the write
// was never acknowledged); a checksum failure is not.
func (s *Sink) replayFile(file string, seq uint64) ([]memtable.Closed, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := newDecoder(f, !s.cfg.DisableChecksums)
	tables := make(map[common.NodeID]*memtable.Table)
	for {
		rec, err := dec.decode()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			s.logger.Warn("torn record at end of wal file, discarding tail",
				zap.String("file", file))
			break
		}
		if err != nil {
			return nil, err
		}

		t, ok := tables[rec.writerID]
		if !ok {
			t = memtable.NewTable(rec.writerID)
			tables[rec.writerID] = t
		}
		if rec.truncate {
			t.TruncateFrom(rec.idx)
		}
		cmd, err := common.DecodeCommand(rec.entryData)
		if err != nil {
			return nil, err
		}
		t.Insert(common.LogEntry{Index: rec.idx, Term: rec.term, Command: cmd})
	}

	out := make([]memtable.Closed, 0, len(tables))
	for _, t := range tables {
		out = append(out, memtable.Closed{Seq: seq, Table: t})
	}
	return out, nil
}
