package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecordsPreservesUnknown(t *testing.T) {
	var b []byte
	b = AppendRecord(b, Record{ID: 1, Type: TypeString, Value: []byte("save-1")})
	b = AppendRecord(b, Record{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}})

	out, err := DecodeRecords(b)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Record{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, out[1])
}

func TestDecodeRecordsMalformed(t *testing.T) {
	_, err := DecodeRecords([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrShortHeader))

	// id=1, type=string, len=5, value only 2 bytes
	_, err = DecodeRecords([]byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'})
	assert.True(t, errors.Is(err, ErrShortValue))
}

func TestHeaderLayout(t *testing.T) {
	var w Writer
	w.U32(0x0102, 0xdeadbeef)
	assert.Equal(t, []byte{0x01, 0x02, TypeU32, 0, 0, 0, 4, 0xde, 0xad, 0xbe, 0xef}, w.Bytes())
}

func TestReaderRoundTrip(t *testing.T) {
	var w Writer
	w.U16(1, 7)
	w.U32(2, 1<<20)
	w.U64(3, 1<<40)
	w.Bool(4, true)
	w.String(5, "label")
	w.Blob(6, []byte{1, 2, 3})

	r := NewReader(w.Bytes())
	assert.Equal(t, uint16(7), r.U16(1))
	assert.Equal(t, uint32(1<<20), r.U32(2))
	assert.Equal(t, uint64(1<<40), r.U64(3))
	assert.True(t, r.Bool(4))
	assert.Equal(t, "label", r.String(5))
	assert.Equal(t, []byte{1, 2, 3}, r.Blob(6))
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestReaderErrorsStick(t *testing.T) {
	var w Writer
	w.U64(1, 5)
	w.U64(2, 6)

	r := NewReader(w.Bytes())
	assert.Equal(t, uint64(0), r.U64(2), "wrong id")
	require.Error(t, r.Err())
	assert.Equal(t, uint64(0), r.U64(1), "reads after an error return zero")
}

func TestReaderTruncated(t *testing.T) {
	var w Writer
	w.U64(1, 5)
	b := w.Bytes()

	for n := 0; n < len(b); n++ {
		r := NewReader(b[:n])
		r.U64(1)
		assert.Error(t, r.Err(), "prefix of %d bytes", n)
	}

	r := NewReader(b)
	r.U64(1)
	r.U64(2)
	assert.True(t, errors.Is(r.Err(), ErrEndOfStream))
}

func TestReaderWrongWidth(t *testing.T) {
	var w Writer
	w.Record(Record{ID: 1, Type: TypeU64, Value: []byte{1, 2}})
	r := NewReader(w.Bytes())
	r.U64(1)
	assert.Error(t, r.Err())
}

func TestCountBoundedByRemaining(t *testing.T) {
	var w Writer
	w.U64(1, 1000)
	w.U64(2, 1)

	r := NewReader(w.Bytes())
	assert.Equal(t, 0, r.Count(1, 15))
	assert.True(t, errors.Is(r.Err(), ErrShortValue))

	w = Writer{}
	w.U64(1, 1)
	w.U64(2, 1)
	r = NewReader(w.Bytes())
	assert.Equal(t, 1, r.Count(1, 15))
	assert.NoError(t, r.Err())
}
