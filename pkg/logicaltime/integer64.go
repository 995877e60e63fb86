package logicaltime

import (
	"encoding/binary"
	"math"
	"strconv"

	"federate/pkg/rtierr"
)

// Integer64 bounds. Intervals share the same range.
const (
	Integer64Initial int64 = 0
	Integer64Final   int64 = math.MaxInt64
)

// Integer64Time is a time in integer ticks.
type Integer64Time struct {
	v int64
}

// NewInteger64Time validates v against [Initial, Final].
func NewInteger64Time(v int64) (Integer64Time, error) {
	if v < Integer64Initial {
		return Integer64Time{}, rtierr.New(rtierr.InvalidLogicalTime, "logicaltime.NewInteger64Time", "%d is negative", v)
	}
	return Integer64Time{v: v}, nil
}

// Value returns the time in ticks.
func (t Integer64Time) Value() int64 { return t.v }

func (t Integer64Time) Kind() Kind { return KindInteger64 }
func (t Integer64Time) IsInitial() bool { return t.v == Integer64Initial }
func (t Integer64Time) IsFinal() bool { return t.v == Integer64Final }
func (t Integer64Time) String() string { return strconv.FormatInt(t.v, 10) }

func (t Integer64Time) cmp(o Integer64Time) int { return cmpInt(t.v, o.v) }

// Add returns t + iv.
func (t Integer64Time) Add(iv Interval) (Time, error) {
	d, err := asIntInterval("logicaltime.Integer64Time.Add", iv)
	if err != nil {
		return nil, err
	}
	if t.v > Integer64Final-d.v {
		return nil, illegal("logicaltime.Integer64Time.Add", "%d + %d exceeds final time", t.v, d.v)
	}
	return Integer64Time{v: t.v + d.v}, nil
}

// Subtract returns t - iv.
func (t Integer64Time) Subtract(iv Interval) (Time, error) {
	d, err := asIntInterval("logicaltime.Integer64Time.Subtract", iv)
	if err != nil {
		return nil, err
	}
	if t.v-d.v < Integer64Initial {
		return nil, illegal("logicaltime.Integer64Time.Subtract", "%d - %d precedes initial time", t.v, d.v)
	}
	return Integer64Time{v: t.v - d.v}, nil
}

// Distance returns |t - o|.
func (t Integer64Time) Distance(o Time) (Interval, error) {
	other, ok := o.(Integer64Time)
	if !ok {
		return nil, illegal("logicaltime.Integer64Time.Distance", "operand is %T", o)
	}
	d := t.v - other.v
	if d < 0 {
		d = -d
	}
	return Integer64Interval{v: d}, nil
}

func (t Integer64Time) Encode() []byte {
	buf := make([]byte, EncodedLength)
	binary.BigEndian.PutUint64(buf, uint64(t.v))
	return buf
}

// Integer64Interval is an interval in integer ticks.
type Integer64Interval struct {
	v int64
}

// NewInteger64Interval validates v against [0, Final].
func NewInteger64Interval(v int64) (Integer64Interval, error) {
	if v < 0 {
		return Integer64Interval{}, rtierr.New(rtierr.InvalidLookahead, "logicaltime.NewInteger64Interval", "%d is negative", v)
	}
	return Integer64Interval{v: v}, nil
}

// Value returns the interval length in ticks.
func (iv Integer64Interval) Value() int64 { return iv.v }

func (iv Integer64Interval) Kind() Kind { return KindInteger64 }
func (iv Integer64Interval) IsZero() bool { return iv.v == 0 }
func (iv Integer64Interval) IsEpsilon() bool { return iv.v == 1 }
func (iv Integer64Interval) String() string { return strconv.FormatInt(iv.v, 10) }

func (iv Integer64Interval) Add(o Interval) (Interval, error) {
	d, err := asIntInterval("logicaltime.Integer64Interval.Add", o)
	if err != nil {
		return nil, err
	}
	if iv.v > Integer64Final-d.v {
		return nil, illegal("logicaltime.Integer64Interval.Add", "%d + %d overflows", iv.v, d.v)
	}
	return Integer64Interval{v: iv.v + d.v}, nil
}

func (iv Integer64Interval) Subtract(o Interval) (Interval, error) {
	d, err := asIntInterval("logicaltime.Integer64Interval.Subtract", o)
	if err != nil {
		return nil, err
	}
	if iv.v < d.v {
		return nil, illegal("logicaltime.Integer64Interval.Subtract", "%d - %d is negative", iv.v, d.v)
	}
	return Integer64Interval{v: iv.v - d.v}, nil
}

func (iv Integer64Interval) Encode() []byte {
	buf := make([]byte, EncodedLength)
	binary.BigEndian.PutUint64(buf, uint64(iv.v))
	return buf
}

// Integer64Factory creates integer-tick times.
type Integer64Factory struct{}

func (Integer64Factory) Kind() Kind { return KindInteger64 }
func (Integer64Factory) Name() string { return Integer64Name }
func (Integer64Factory) Initial() Time { return Integer64Time{v: Integer64Initial} }
func (Integer64Factory) Final() Time { return Integer64Time{v: Integer64Final} }
func (Integer64Factory) Zero() Interval { return Integer64Interval{} }
func (Integer64Factory) Epsilon() Interval { return Integer64Interval{v: 1} }

// DecodeTime reads the first EncodedLength bytes of b.
func (Integer64Factory) DecodeTime(b []byte) (Time, error) {
	v, err := decodeInt("logicaltime.Integer64Factory.DecodeTime", b)
	if err != nil {
		return nil, err
	}
	return Integer64Time{v: v}, nil
}

// DecodeInterval reads the first EncodedLength bytes of b.
func (Integer64Factory) DecodeInterval(b []byte) (Interval, error) {
	v, err := decodeInt("logicaltime.Integer64Factory.DecodeInterval", b)
	if err != nil {
		return nil, err
	}
	return Integer64Interval{v: v}, nil
}

func decodeInt(op string, b []byte) (int64, error) {
	if len(b) < EncodedLength {
		return 0, rtierr.New(rtierr.CouldNotDecode, op, "need %d bytes, have %d", EncodedLength, len(b))
	}
	v := int64(binary.BigEndian.Uint64(b[:EncodedLength]))
	if v < 0 {
		return 0, rtierr.New(rtierr.CouldNotDecode, op, "decoded value %d is negative", v)
	}
	return v, nil
}

func asIntInterval(op string, iv Interval) (Integer64Interval, error) {
	if iv == nil {
		return Integer64Interval{}, illegal(op, "missing interval")
	}
	d, ok := iv.(Integer64Interval)
	if !ok {
		return Integer64Interval{}, illegal(op, "operand is %T, want Integer64Interval", iv)
	}
	return d, nil
}
