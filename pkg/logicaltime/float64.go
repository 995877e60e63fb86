package logicaltime

import (
	"encoding/binary"
	"math"
	"strconv"

	"federate/pkg/rtierr"
)

// Float64 bounds. Intervals share the same range.
const (
	Float64Initial = 0.0
	Float64Final   = math.MaxFloat64
)

// Float64Time is a time in floating-point seconds.
type Float64Time struct {
	v float64
}

// NewFloat64Time validates v against [Initial, Final].
func NewFloat64Time(v float64) (Float64Time, error) {
	if !floatInRange(v) {
		return Float64Time{}, rtierr.New(rtierr.InvalidLogicalTime, "logicaltime.NewFloat64Time", "%v outside [%v, %v]", v, Float64Initial, Float64Final)
	}
	return Float64Time{v: v}, nil
}

// Value returns the time in seconds.
func (t Float64Time) Value() float64 { return t.v }

func (t Float64Time) Kind() Kind { return KindFloat64 }
func (t Float64Time) IsInitial() bool { return t.v == Float64Initial }
func (t Float64Time) IsFinal() bool { return t.v == Float64Final }
func (t Float64Time) String() string { return strconv.FormatFloat(t.v, 'g', -1, 64) }

func (t Float64Time) cmp(o Float64Time) int { return cmpFloat(t.v, o.v) }

// Add returns t + iv.
func (t Float64Time) Add(iv Interval) (Time, error) {
	d, err := asFloatInterval("logicaltime.Float64Time.Add", iv)
	if err != nil {
		return nil, err
	}
	sum := t.v + d.v
	if !floatInRange(sum) {
		return nil, illegal("logicaltime.Float64Time.Add", "%v + %v exceeds final time", t.v, d.v)
	}
	return Float64Time{v: sum}, nil
}

// Subtract returns t - iv.
func (t Float64Time) Subtract(iv Interval) (Time, error) {
	d, err := asFloatInterval("logicaltime.Float64Time.Subtract", iv)
	if err != nil {
		return nil, err
	}
	diff := t.v - d.v
	if !floatInRange(diff) {
		return nil, illegal("logicaltime.Float64Time.Subtract", "%v - %v precedes initial time", t.v, d.v)
	}
	return Float64Time{v: diff}, nil
}

// Distance returns |t - o|.
func (t Float64Time) Distance(o Time) (Interval, error) {
	other, ok := o.(Float64Time)
	if !ok {
		return nil, illegal("logicaltime.Float64Time.Distance", "operand is %T", o)
	}
	return Float64Interval{v: math.Abs(t.v - other.v)}, nil
}

func (t Float64Time) Encode() []byte {
	buf := make([]byte, EncodedLength)
	binary.BigEndian.PutUint64(buf, math.Float64bits(t.v))
	return buf
}

// Float64Interval is an interval in floating-point seconds.
type Float64Interval struct {
	v float64
}

// NewFloat64Interval validates v against [0, Final].
func NewFloat64Interval(v float64) (Float64Interval, error) {
	if !floatInRange(v) {
		return Float64Interval{}, rtierr.New(rtierr.InvalidLookahead, "logicaltime.NewFloat64Interval", "%v outside [%v, %v]", v, Float64Initial, Float64Final)
	}
	return Float64Interval{v: v}, nil
}

// Value returns the interval length in seconds.
func (iv Float64Interval) Value() float64 { return iv.v }

func (iv Float64Interval) Kind() Kind { return KindFloat64 }
func (iv Float64Interval) IsZero() bool { return iv.v == 0 }
func (iv Float64Interval) IsEpsilon() bool { return iv.v == math.SmallestNonzeroFloat64 }
func (iv Float64Interval) String() string { return strconv.FormatFloat(iv.v, 'g', -1, 64) }

func (iv Float64Interval) Add(o Interval) (Interval, error) {
	d, err := asFloatInterval("logicaltime.Float64Interval.Add", o)
	if err != nil {
		return nil, err
	}
	sum := iv.v + d.v
	if !floatInRange(sum) {
		return nil, illegal("logicaltime.Float64Interval.Add", "%v + %v overflows", iv.v, d.v)
	}
	return Float64Interval{v: sum}, nil
}

func (iv Float64Interval) Subtract(o Interval) (Interval, error) {
	d, err := asFloatInterval("logicaltime.Float64Interval.Subtract", o)
	if err != nil {
		return nil, err
	}
	diff := iv.v - d.v
	if !floatInRange(diff) {
		return nil, illegal("logicaltime.Float64Interval.Subtract", "%v - %v is negative", iv.v, d.v)
	}
	return Float64Interval{v: diff}, nil
}

func (iv Float64Interval) Encode() []byte {
	buf := make([]byte, EncodedLength)
	binary.BigEndian.PutUint64(buf, math.Float64bits(iv.v))
	return buf
}

// Float64Factory creates floating-point times.
type Float64Factory struct{}

func (Float64Factory) Kind() Kind { return KindFloat64 }
func (Float64Factory) Name() string { return Float64Name }
func (Float64Factory) Initial() Time { return Float64Time{v: Float64Initial} }
func (Float64Factory) Final() Time { return Float64Time{v: Float64Final} }
func (Float64Factory) Zero() Interval { return Float64Interval{} }
func (Float64Factory) Epsilon() Interval { return Float64Interval{v: math.SmallestNonzeroFloat64} }

// DecodeTime reads the first EncodedLength bytes of b.
func (Float64Factory) DecodeTime(b []byte) (Time, error) {
	v, err := decodeFloat("logicaltime.Float64Factory.DecodeTime", b)
	if err != nil {
		return nil, err
	}
	return Float64Time{v: v}, nil
}

// DecodeInterval reads the first EncodedLength bytes of b.
func (Float64Factory) DecodeInterval(b []byte) (Interval, error) {
	v, err := decodeFloat("logicaltime.Float64Factory.DecodeInterval", b)
	if err != nil {
		return nil, err
	}
	return Float64Interval{v: v}, nil
}

func decodeFloat(op string, b []byte) (float64, error) {
	if len(b) < EncodedLength {
		return 0, rtierr.New(rtierr.CouldNotDecode, op, "need %d bytes, have %d", EncodedLength, len(b))
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(b[:EncodedLength]))
	if !floatInRange(v) {
		return 0, rtierr.New(rtierr.CouldNotDecode, op, "decoded value %v outside [%v, %v]", v, Float64Initial, Float64Final)
	}
	return v, nil
}

func asFloatInterval(op string, iv Interval) (Float64Interval, error) {
	if iv == nil {
		return Float64Interval{}, illegal(op, "missing interval")
	}
	d, ok := iv.(Float64Interval)
	if !ok {
		return Float64Interval{}, illegal(op, "operand is %T, want Float64Interval", iv)
	}
	return d, nil
}

// floatInRange rejects NaN, infinities and negatives.
func floatInRange(v float64) bool {
	return v >= Float64Initial && v <= Float64Final
}
