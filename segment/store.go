// Package segment persists closed memtables into a Bolt-backed segment
// store. It is the flush collaborator the WAL hands table sets to at
// rollover and recovery, and the cold read path for log facades.
package segment

// Bolt is a pure Go key/value store that doesn't require a full
// database server such as Postgres or MySQL.
import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/memtable"
)

var cursorsBucketName = []byte("cursors")

// entryRecord is the stored form of one log entry. Commands are kept
// in their WAL encoding.
type entryRecord struct {
	Term    common.Term
	Command []byte
}

// Store implements common.SegmentWriter over a single Bolt database,
// one bucket per writer keyed by big-endian index.
type Store struct {
	db     *bolt.DB
	reg    *memtable.Registry
	logger *zap.Logger
}

var _ common.SegmentWriter = (*Store)(nil)

func NewStore(dataBaseFilePath string, reg *memtable.Registry, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorsBucketName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, reg: reg, logger: logger}, nil
}

// Ready reports whether the store can accept tables. The database is
// opened eagerly, so this is immediate.
func (s *Store) Ready() error {
	return nil
}

// Accept flushes the referenced closed tables into segment buckets and
// releases them from the registry. Duplicate segments (same entries
// flushed twice after a recovery) are tolerated: the put is idempotent.
func (s *Store) Accept(walFile string, tables []common.ClosedTableRef) error {
	for _, ref := range tables {
		var table *memtable.Closed
		for _, c := range s.reg.ClosedFor(ref.Writer) {
			if c.Seq == ref.Seq {
				t := c
				table = &t
				break
			}
		}
		if table == nil {
			continue
		}
		entries := table.Range(ref.First, ref.Last)
		err := s.db.Update(func(tx *bolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists(ref.Writer[:])
			if err != nil {
				return err
			}
			for _, e := range entries {
				data, err := common.EncodeCommand(e.Command)
				if err != nil {
					return err
				}
				val, err := encodeRecord(entryRecord{Term: e.Term, Command: data})
				if err != nil {
					return err
				}
				if err := bucket.Put(indexToBytes(e.Index), val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.reg.DropClosed(ref.Writer, ref.Seq)
		s.logger.Debug("flushed closed table",
			zap.String("writer", ref.Writer.String()),
			zap.String("walFile", walFile),
			zap.Int("entries", len(entries)))
	}
	return nil
}

// Get returns the entry stored for writer at idx.
func (s *Store) Get(writer common.NodeID, idx common.Index) (*common.LogEntry, error) {
	var entry *common.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(writer[:])
		if bucket == nil {
			return common.NewErrNoEntry()
		}
		val := bucket.Get(indexToBytes(idx))
		if val == nil {
			return common.NewErrNoEntry()
		}
		rec, err := decodeRecord(val)
		if err != nil {
			return err
		}
		cmd, err := common.DecodeCommand(rec.Command)
		if err != nil {
			return err
		}
		entry = &common.LogEntry{Index: idx, Term: rec.Term, Command: cmd}
		return nil
	})
	return entry, err
}

// Range returns the stored entries with from <= index <= to.
func (s *Store) Range(writer common.NodeID, from, to common.Index) ([]common.LogEntry, error) {
	var out []common.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(writer[:])
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(indexToBytes(from)); k != nil; k, v = c.Next() {
			idx := common.Index(binary.BigEndian.Uint64(k))
			if idx > to {
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			cmd, err := common.DecodeCommand(rec.Command)
			if err != nil {
				return err
			}
			out = append(out, common.LogEntry{Index: idx, Term: rec.Term, Command: cmd})
		}
		return nil
	})
	return out, err
}

// Last returns the highest index and its term stored for writer, or
// ok=false when the writer has no flushed entries.
func (s *Store) Last(writer common.NodeID) (idx common.Index, term common.Term, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(writer[:])
		if bucket == nil {
			return nil
		}
		k, v := bucket.Cursor().Last()
		if k == nil {
			return nil
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		idx = common.Index(binary.BigEndian.Uint64(k))
		term = rec.Term
		ok = true
		return nil
	})
	return
}

// UpdateReleaseCursor records the compaction hint for a writer. Policy
// for acting on the hint lives elsewhere; the store only remembers it.
func (s *Store) UpdateReleaseCursor(writer common.NodeID, idx common.Index) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucketName).Put(writer[:], indexToBytes(idx))
	})
}

// ReleaseCursor returns the last recorded hint for a writer, or 0.
func (s *Store) ReleaseCursor(writer common.NodeID) (common.Index, error) {
	var idx common.Index
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(cursorsBucketName).Get(writer[:])
		if val != nil {
			idx = common.Index(binary.BigEndian.Uint64(val))
		}
		return nil
	})
	return idx, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func indexToBytes(idx common.Index) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(idx))
	return buf
}

func encodeRecord(rec entryRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(val []byte) (entryRecord, error) {
	var rec entryRecord
	err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
	return rec, err
}
