// Package wal implements the shared, fsync-batched write-ahead log.
// Many local nodes append through one sink; the sink serialises their
// records into a single on-disk file and acknowledges durability in
// batches.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/adler32"
	"io"

	"github.com/google/uuid"

	"github.com/quorumlog/quorumlog/common"
)

const (
	flagTruncate  = 1 << 15
	flagReference = 1 << 14
	writerRefMask = 1<<14 - 1

	// maxWriterRefs is the highest writer reference expressible in the
	// 14-bit header field.
	maxWriterRefs = writerRefMask
)

// record is the decoded form of one WAL file record.
type record struct {
	truncate bool
	ref      uint16
	// writerID is set only on introduction records.
	writerID  common.NodeID
	intro     bool
	checksum  uint32
	idx       common.Index
	term      common.Term
	entryData []byte
}

func entryChecksum(idx common.Index, term common.Term, entry []byte) uint32 {
	h := adler32.New()
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], uint64(idx))
	h.Write(word[:])
	binary.BigEndian.PutUint64(word[:], uint64(term))
	h.Write(word[:])
	h.Write(entry)
	return h.Sum32()
}

// encoder writes records to one WAL file. It caches writer references:
// the first record for a writer carries the full id, later records
// carry only the 14-bit reference. A fresh file starts with no refs.
type encoder struct {
	bufw *bufio.Writer
	refs map[common.NodeID]uint16

	// checksums may be disabled for benchmarking; the checksum field
	// is then written as zero.
	checksums bool
}

func newEncoder(w io.Writer, checksums bool) *encoder {
	return &encoder{
		bufw:      bufio.NewWriter(w),
		refs:      make(map[common.NodeID]uint16),
		checksums: checksums,
	}
}

// encode appends one record and returns the number of bytes written.
func (e *encoder) encode(writer common.NodeID, idx common.Index, term common.Term, entry []byte, truncate bool) (int, error) {
	ref, known := e.refs[writer]
	if !known {
		ref = uint16(len(e.refs))
		if ref > maxWriterRefs {
			// force the caller to roll over to a new file first
			return 0, common.NewErrWalDown()
		}
		e.refs[writer] = ref
	}

	header := ref & writerRefMask
	if truncate {
		header |= flagTruncate
	}
	if known {
		header |= flagReference
	}

	var word [8]byte
	n := 0
	binary.BigEndian.PutUint16(word[:2], header)
	if _, err := e.bufw.Write(word[:2]); err != nil {
		return n, err
	}
	n += 2

	if !known {
		idBytes, err := writer.MarshalBinary()
		if err != nil {
			return n, err
		}
		binary.BigEndian.PutUint16(word[:2], uint16(len(idBytes)))
		if _, err := e.bufw.Write(word[:2]); err != nil {
			return n, err
		}
		n += 2
		if _, err := e.bufw.Write(idBytes); err != nil {
			return n, err
		}
		n += len(idBytes)
	}

	var sum uint32
	if e.checksums {
		sum = entryChecksum(idx, term, entry)
	}
	binary.BigEndian.PutUint32(word[:4], sum)
	if _, err := e.bufw.Write(word[:4]); err != nil {
		return n, err
	}
	n += 4

	binary.BigEndian.PutUint32(word[:4], uint32(len(entry)))
	if _, err := e.bufw.Write(word[:4]); err != nil {
		return n, err
	}
	n += 4

	binary.BigEndian.PutUint64(word[:], uint64(idx))
	if _, err := e.bufw.Write(word[:]); err != nil {
		return n, err
	}
	n += 8

	binary.BigEndian.PutUint64(word[:], uint64(term))
	if _, err := e.bufw.Write(word[:]); err != nil {
		return n, err
	}
	n += 8

	if _, err := e.bufw.Write(entry); err != nil {
		return n, err
	}
	n += len(entry)
	return n, nil
}

// sizeOf returns the encoded size of a record without writing it.
func (e *encoder) sizeOf(writer common.NodeID, entry []byte) int {
	n := 2 + 4 + 4 + 8 + 8 + len(entry)
	if _, known := e.refs[writer]; !known {
		n += 2 + 16 // uuid writer ids are 16 bytes
	}
	return n
}

func (e *encoder) flush() error {
	return e.bufw.Flush()
}

// decoder reads records back from a WAL file, resolving writer
// references introduced earlier in the same file.
type decoder struct {
	bufr *bufio.Reader
	refs map[uint16]common.NodeID

	checksums bool
}

func newDecoder(r io.Reader, checksums bool) *decoder {
	return &decoder{
		bufr:      bufio.NewReader(r),
		refs:      make(map[uint16]common.NodeID),
		checksums: checksums,
	}
}

// decode reads the next record. io.EOF marks a clean end of file;
// a torn trailing record surfaces as io.ErrUnexpectedEOF.
func (d *decoder) decode() (*record, error) {
	var word [8]byte
	if _, err := io.ReadFull(d.bufr, word[:2]); err != nil {
		return nil, err
	}
	header := binary.BigEndian.Uint16(word[:2])

	rec := &record{
		truncate: header&flagTruncate != 0,
		ref:      header & writerRefMask,
	}

	if header&flagReference == 0 {
		rec.intro = true
		if _, err := io.ReadFull(d.bufr, word[:2]); err != nil {
			return nil, eofIsTorn(err)
		}
		idLen := binary.BigEndian.Uint16(word[:2])
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(d.bufr, idBytes); err != nil {
			return nil, eofIsTorn(err)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return nil, err
		}
		rec.writerID = id
		d.refs[rec.ref] = id
	} else {
		id, ok := d.refs[rec.ref]
		if !ok {
			return nil, common.NewErrCorruptRecord()
		}
		rec.writerID = id
	}

	if _, err := io.ReadFull(d.bufr, word[:4]); err != nil {
		return nil, eofIsTorn(err)
	}
	rec.checksum = binary.BigEndian.Uint32(word[:4])

	if _, err := io.ReadFull(d.bufr, word[:4]); err != nil {
		return nil, eofIsTorn(err)
	}
	entryLen := binary.BigEndian.Uint32(word[:4])

	if _, err := io.ReadFull(d.bufr, word[:]); err != nil {
		return nil, eofIsTorn(err)
	}
	rec.idx = common.Index(binary.BigEndian.Uint64(word[:]))

	if _, err := io.ReadFull(d.bufr, word[:]); err != nil {
		return nil, eofIsTorn(err)
	}
	rec.term = common.Term(binary.BigEndian.Uint64(word[:]))

	rec.entryData = make([]byte, entryLen)
	if _, err := io.ReadFull(d.bufr, rec.entryData); err != nil {
		return nil, eofIsTorn(err)
	}

	if d.checksums && rec.checksum != 0 {
		if rec.checksum != entryChecksum(rec.idx, rec.term, rec.entryData) {
			return nil, common.NewErrCorruptRecord()
		}
	}
	return rec, nil
}

// eofIsTorn maps a mid-record EOF to ErrUnexpectedEOF so callers can
// tell a torn tail from a clean end of file.
func eofIsTorn(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
