package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlog/quorumlog/common"
)

func TestRecord_IntroductionThenReference(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, true)
	w := uuid.New()

	n1, err := enc.encode(w, 1, 1, []byte("first"), false)
	require.NoError(t, err)
	n2, err := enc.encode(w, 2, 1, []byte("second"), false)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	// the introduction carries the 16-byte id plus its length prefix
	assert.Equal(t, n1-n2, 18+len("first")-len("second"))

	dec := newDecoder(&buf, true)
	rec1, err := dec.decode()
	require.NoError(t, err)
	assert.True(t, rec1.intro)
	assert.Equal(t, w, rec1.writerID)
	assert.Equal(t, common.Index(1), rec1.idx)
	assert.Equal(t, []byte("first"), rec1.entryData)

	rec2, err := dec.decode()
	require.NoError(t, err)
	assert.False(t, rec2.intro)
	assert.Equal(t, w, rec2.writerID, "reference must resolve to the introduced id")
	assert.Equal(t, common.Index(2), rec2.idx)

	_, err = dec.decode()
	assert.Equal(t, io.EOF, err)
}

func TestRecord_TruncateFlag(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, true)
	w := uuid.New()
	_, err := enc.encode(w, 3, 2, []byte("t"), true)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	rec, err := newDecoder(&buf, true).decode()
	require.NoError(t, err)
	assert.True(t, rec.truncate)
	assert.Equal(t, common.Term(2), rec.term)
}

func TestRecord_DistinctWritersGetDistinctRefs(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, true)
	w1, w2 := uuid.New(), uuid.New()
	_, err := enc.encode(w1, 1, 1, nil, false)
	require.NoError(t, err)
	_, err = enc.encode(w2, 1, 1, nil, false)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	dec := newDecoder(&buf, true)
	rec1, err := dec.decode()
	require.NoError(t, err)
	rec2, err := dec.decode()
	require.NoError(t, err)
	assert.NotEqual(t, rec1.ref, rec2.ref)
	assert.Equal(t, w1, rec1.writerID)
	assert.Equal(t, w2, rec2.writerID)
}

func TestRecord_ChecksumMismatchDetected(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, true)
	w := uuid.New()
	_, err := enc.encode(w, 1, 1, []byte("payload"), false)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff

	_, err = newDecoder(bytes.NewReader(corrupted), true).decode()
	assert.True(t, common.IsErrCorruptRecord(err))
}

func TestRecord_ChecksumsDisabledWritesZero(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, false)
	w := uuid.New()
	_, err := enc.encode(w, 1, 1, []byte("payload"), false)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	rec, err := newDecoder(&buf, true).decode()
	require.NoError(t, err)
	assert.Zero(t, rec.checksum)
}

func TestRecord_TornTailIsUnexpectedEOF(t *testing.T) {
	var buf bytes.Buffer
	enc := newEncoder(&buf, true)
	w := uuid.New()
	_, err := enc.encode(w, 1, 1, []byte("payload"), false)
	require.NoError(t, err)
	require.NoError(t, enc.flush())

	torn := buf.Bytes()[:buf.Len()-3]
	_, err = newDecoder(bytes.NewReader(torn), true).decode()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
