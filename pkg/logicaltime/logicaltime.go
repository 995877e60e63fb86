// Package logicaltime provides the two logical time representations a
// federation can run on: floating-point seconds and 64-bit integer ticks.
// A federation picks exactly one Factory at join and keeps it.
//
// Times and intervals are immutable values. Every value lies within
// [Initial, Final]; arithmetic that would leave that range fails with
// IllegalTimeArithmetic and the receiver is unchanged.
package logicaltime

import (
	"fmt"

	"federate/pkg/rtierr"
)

// EncodedLength is the fixed width of every encoded time and interval.
const EncodedLength = 8

// Kind names a representation.
type Kind uint8

const (
	KindFloat64 Kind = iota + 1
	KindInteger64
)

// Standard implementation names, as exchanged with the broker at join.
const (
	Float64Name   = "HLAfloat64Time"
	Integer64Name = "HLAinteger64Time"
)

func (k Kind) String() string {
	switch k {
	case KindFloat64:
		return Float64Name
	case KindInteger64:
		return Integer64Name
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Time is a point on the federation time axis.
type Time interface {
	Kind() Kind
	IsInitial() bool
	IsFinal() bool
	Add(Interval) (Time, error)
	Subtract(Interval) (Time, error)
	Distance(Time) (Interval, error)
	Encode() []byte
	String() string
}

// Interval is a non-negative distance on the federation time axis.
type Interval interface {
	Kind() Kind
	IsZero() bool
	IsEpsilon() bool
	Add(Interval) (Interval, error)
	Subtract(Interval) (Interval, error)
	Encode() []byte
	String() string
}

// Factory creates and decodes values of one representation.
type Factory interface {
	Kind() Kind
	Name() string
	Initial() Time
	Final() Time
	Zero() Interval
	Epsilon() Interval
	DecodeTime(b []byte) (Time, error)
	DecodeInterval(b []byte) (Interval, error)
}

// FactoryFor resolves an implementation name to its factory.
func FactoryFor(name string) (Factory, error) {
	switch name {
	case Float64Name:
		return Float64Factory{}, nil
	case Integer64Name:
		return Integer64Factory{}, nil
	default:
		return nil, rtierr.New(rtierr.NotDefined, "logicaltime.FactoryFor", "unknown time implementation %q", name)
	}
}

// Compare orders two times of the same representation: -1, 0 or +1.
func Compare(a, b Time) (int, error) {
	if a == nil || b == nil {
		return 0, rtierr.New(rtierr.InvalidLogicalTime, "logicaltime.Compare", "missing time")
	}
	switch x := a.(type) {
	case Float64Time:
		y, ok := b.(Float64Time)
		if !ok {
			return 0, kindMismatch("logicaltime.Compare", a.Kind(), b.Kind())
		}
		return x.cmp(y), nil
	case Integer64Time:
		y, ok := b.(Integer64Time)
		if !ok {
			return 0, kindMismatch("logicaltime.Compare", a.Kind(), b.Kind())
		}
		return x.cmp(y), nil
	default:
		return 0, rtierr.New(rtierr.InvalidLogicalTime, "logicaltime.Compare", "unsupported time %T", a)
	}
}

// CompareIntervals orders two intervals of the same representation.
func CompareIntervals(a, b Interval) (int, error) {
	if a == nil || b == nil {
		return 0, rtierr.New(rtierr.InvalidLookahead, "logicaltime.CompareIntervals", "missing interval")
	}
	switch x := a.(type) {
	case Float64Interval:
		y, ok := b.(Float64Interval)
		if !ok {
			return 0, kindMismatch("logicaltime.CompareIntervals", a.Kind(), b.Kind())
		}
		return cmpFloat(x.v, y.v), nil
	case Integer64Interval:
		y, ok := b.(Integer64Interval)
		if !ok {
			return 0, kindMismatch("logicaltime.CompareIntervals", a.Kind(), b.Kind())
		}
		return cmpInt(x.v, y.v), nil
	default:
		return 0, rtierr.New(rtierr.InvalidLookahead, "logicaltime.CompareIntervals", "unsupported interval %T", a)
	}
}

// Before reports a < b; mismatched representations are never ordered.
func Before(a, b Time) bool {
	c, err := Compare(a, b)
	return err == nil && c < 0
}

// Min returns the earlier of two times of the same representation.
func Min(a, b Time) (Time, error) {
	c, err := Compare(a, b)
	if err != nil {
		return nil, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

func kindMismatch(op string, got, want Kind) error {
	return rtierr.New(rtierr.InvalidLogicalTime, op, "representation mismatch: %s vs %s", got, want)
}

func illegal(op, format string, args ...interface{}) error {
	return rtierr.New(rtierr.IllegalTimeArithmetic, op, format, args...)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
