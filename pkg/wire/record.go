// Package wire encodes ordered streams of length-delimited records. Each
// record is a big-endian header [id u16][type u8][len u32] followed by len
// value bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 7

var (
	ErrShortHeader = errors.New("wire: short record header")
	ErrShortValue  = errors.New("wire: short record value")
	ErrEndOfStream = errors.New("wire: unexpected end of stream")
)

// Value types.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Record is one decoded record.
type Record struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// AppendRecord appends the encoding of r to buf.
func AppendRecord(buf []byte, r Record) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], r.ID)
	hdr[2] = r.Type
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(r.Value)))
	buf = append(buf, hdr[:]...)
	return append(buf, r.Value...)
}

// DecodeRecords splits payload into records.
func DecodeRecords(payload []byte) ([]Record, error) {
	var out []Record
	for i := 0; i < len(payload); {
		r, n, err := decodeRecord(payload[i:])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		i += n
	}
	return out, nil
}

func decodeRecord(b []byte) (Record, int, error) {
	if len(b) < HeaderLen {
		return Record{}, 0, ErrShortHeader
	}
	id := binary.BigEndian.Uint16(b[0:2])
	typ := b[2]
	l := binary.BigEndian.Uint32(b[3:7])
	if uint64(len(b)-HeaderLen) < uint64(l) {
		return Record{}, 0, ErrShortValue
	}
	val := make([]byte, l)
	copy(val, b[HeaderLen:HeaderLen+int(l)])
	return Record{ID: id, Type: typ, Value: val}, HeaderLen + int(l), nil
}

// Writer builds a record stream.
type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) Record(r Record) {
	w.buf = AppendRecord(w.buf, r)
}

func (w *Writer) U16(id uint16, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	w.Record(Record{ID: id, Type: TypeU16, Value: b})
}

func (w *Writer) U32(id uint16, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	w.Record(Record{ID: id, Type: TypeU32, Value: b})
}

func (w *Writer) U64(id uint16, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	w.Record(Record{ID: id, Type: TypeU64, Value: b})
}

func (w *Writer) Bool(id uint16, v bool) {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	w.Record(Record{ID: id, Type: TypeBool, Value: b})
}

func (w *Writer) String(id uint16, v string) {
	w.Record(Record{ID: id, Type: TypeString, Value: []byte(v)})
}

func (w *Writer) Blob(id uint16, v []byte) {
	w.Record(Record{ID: id, Type: TypeBytes, Value: v})
}

// Reader consumes a record stream in order. The first error sticks; later
// reads return zero values and Err reports it.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error { return r.err }

// Remaining reports the unread byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Next returns the next record, which must carry id and type.
func (r *Reader) Next(id uint16, typ uint8) []byte {
	if r.err != nil {
		return nil
	}
	if r.off >= len(r.buf) {
		r.err = fmt.Errorf("%w: want record %d", ErrEndOfStream, id)
		return nil
	}
	rec, n, err := decodeRecord(r.buf[r.off:])
	if err != nil {
		r.err = fmt.Errorf("record %d at offset %d: %w", id, r.off, err)
		return nil
	}
	if rec.ID != id || rec.Type != typ {
		r.err = fmt.Errorf("wire: at offset %d got record %d type %d, want %d type %d", r.off, rec.ID, rec.Type, id, typ)
		return nil
	}
	r.off += n
	return rec.Value
}

func (r *Reader) fixed(id uint16, typ uint8, width int) []byte {
	v := r.Next(id, typ)
	if r.err == nil && len(v) != width {
		r.err = fmt.Errorf("wire: record %d has %d bytes, want %d", id, len(v), width)
		return nil
	}
	return v
}

func (r *Reader) U16(id uint16) uint16 {
	if v := r.fixed(id, TypeU16, 2); v != nil {
		return binary.BigEndian.Uint16(v)
	}
	return 0
}

func (r *Reader) U32(id uint16) uint32 {
	if v := r.fixed(id, TypeU32, 4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (r *Reader) U64(id uint16) uint64 {
	if v := r.fixed(id, TypeU64, 8); v != nil {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (r *Reader) Bool(id uint16) bool {
	v := r.fixed(id, TypeBool, 1)
	return v != nil && v[0] != 0
}

func (r *Reader) String(id uint16) string {
	return string(r.Next(id, TypeString))
}

func (r *Reader) Blob(id uint16) []byte {
	return r.Next(id, TypeBytes)
}

// Count reads a u64 element count and checks it against the bytes left,
// assuming each element takes at least minSize bytes.
func (r *Reader) Count(id uint16, minSize int) int {
	n := r.U64(id)
	if r.err != nil {
		return 0
	}
	if minSize < 1 {
		minSize = 1
	}
	if n > math.MaxInt32 || n*uint64(minSize) > uint64(r.Remaining()) {
		r.err = fmt.Errorf("%w: count %d in record %d exceeds remaining %d bytes", ErrShortValue, n, id, r.Remaining())
		return 0
	}
	return int(n)
}
