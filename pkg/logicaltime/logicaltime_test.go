package logicaltime

import (
	"math"
	"math/rand"
	"testing"

	"federate/pkg/rtierr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFloat(t *testing.T, v float64) Float64Time {
	t.Helper()
	ft, err := NewFloat64Time(v)
	require.NoError(t, err)
	return ft
}

func mustFloatInterval(t *testing.T, v float64) Float64Interval {
	t.Helper()
	iv, err := NewFloat64Interval(v)
	require.NoError(t, err)
	return iv
}

func mustInt(t *testing.T, v int64) Integer64Time {
	t.Helper()
	it, err := NewInteger64Time(v)
	require.NoError(t, err)
	return it
}

func mustIntInterval(t *testing.T, v int64) Integer64Interval {
	t.Helper()
	iv, err := NewInteger64Interval(v)
	require.NoError(t, err)
	return iv
}

func TestFactoryFor(t *testing.T) {
	f, err := FactoryFor(Float64Name)
	require.NoError(t, err)
	assert.Equal(t, KindFloat64, f.Kind())

	f, err = FactoryFor(Integer64Name)
	require.NoError(t, err)
	assert.Equal(t, KindInteger64, f.Kind())

	_, err = FactoryFor("HLAfloat32Time")
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	floatValues := []float64{0, 1, 0.5, 1e-300, math.SmallestNonzeroFloat64, math.MaxFloat64}
	for i := 0; i < 200; i++ {
		floatValues = append(floatValues, rng.Float64()*1e12)
	}
	for _, v := range floatValues {
		ft := mustFloat(t, v)
		got, err := Float64Factory{}.DecodeTime(ft.Encode())
		require.NoError(t, err)
		assert.Equal(t, ft, got)

		iv := mustFloatInterval(t, v)
		gotIv, err := Float64Factory{}.DecodeInterval(iv.Encode())
		require.NoError(t, err)
		assert.Equal(t, iv, gotIv)
	}

	intValues := []int64{0, 1, 42, math.MaxInt64}
	for i := 0; i < 200; i++ {
		intValues = append(intValues, rng.Int63())
	}
	for _, v := range intValues {
		it := mustInt(t, v)
		got, err := Integer64Factory{}.DecodeTime(it.Encode())
		require.NoError(t, err)
		assert.Equal(t, it, got)

		iv := mustIntInterval(t, v)
		gotIv, err := Integer64Factory{}.DecodeInterval(iv.Encode())
		require.NoError(t, err)
		assert.Equal(t, iv, gotIv)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	factories := []Factory{Float64Factory{}, Integer64Factory{}}
	for _, f := range factories {
		for n := 0; n < EncodedLength; n++ {
			_, err := f.DecodeTime(make([]byte, n))
			assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "%s time len %d", f.Name(), n)

			_, err = f.DecodeInterval(make([]byte, n))
			assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "%s interval len %d", f.Name(), n)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	nan := Float64Time{v: math.NaN()}.Encode()
	_, err := Float64Factory{}.DecodeTime(nan)
	assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode))

	inf := Float64Time{v: math.Inf(1)}.Encode()
	_, err = Float64Factory{}.DecodeTime(inf)
	assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode))

	neg := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	_, err = Integer64Factory{}.DecodeTime(neg)
	assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode))
}

func TestDecodeReadsPrefix(t *testing.T) {
	buf := append(mustInt(t, 99).Encode(), 0xde, 0xad)
	got, err := Integer64Factory{}.DecodeTime(buf)
	require.NoError(t, err)
	assert.Equal(t, "99", got.String())
}

func TestEncodeIsBigEndian(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, mustInt(t, 258).Encode())
	assert.Equal(t, []byte{0x3f, 0xf0, 0, 0, 0, 0, 0, 0}, mustFloat(t, 1).Encode())
}

func TestConstructorsRejectOutOfRange(t *testing.T) {
	_, err := NewFloat64Time(-1)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLogicalTime))
	_, err = NewFloat64Time(math.NaN())
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLogicalTime))
	_, err = NewInteger64Time(-5)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLogicalTime))
	_, err = NewFloat64Interval(math.Inf(1))
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLookahead))
	_, err = NewInteger64Interval(-1)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLookahead))
}

func TestArithmetic(t *testing.T) {
	sum, err := mustFloat(t, 10).Add(mustFloatInterval(t, 2.5))
	require.NoError(t, err)
	assert.Equal(t, 12.5, sum.(Float64Time).Value())

	diff, err := mustInt(t, 10).Subtract(mustIntInterval(t, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(6), diff.(Integer64Time).Value())

	d, err := mustInt(t, 3).Distance(mustInt(t, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.(Integer64Interval).Value())

	ivSum, err := mustIntInterval(t, 3).Add(mustIntInterval(t, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(7), ivSum.(Integer64Interval).Value())
}

func TestIllegalArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   func() (Time, error)
	}{
		{"float overflow", func() (Time, error) {
			return mustFloat(t, math.MaxFloat64).Add(mustFloatInterval(t, math.MaxFloat64))
		}},
		{"float below initial", func() (Time, error) {
			return mustFloat(t, 1).Subtract(mustFloatInterval(t, 2))
		}},
		{"int overflow", func() (Time, error) {
			return mustInt(t, math.MaxInt64).Add(mustIntInterval(t, 1))
		}},
		{"int below initial", func() (Time, error) {
			return mustInt(t, 1).Subtract(mustIntInterval(t, 2))
		}},
		{"wrong variant", func() (Time, error) {
			return mustFloat(t, 1).Add(mustIntInterval(t, 1))
		}},
		{"wrong variant subtract", func() (Time, error) {
			return mustInt(t, 5).Subtract(mustFloatInterval(t, 1))
		}},
		{"absent interval", func() (Time, error) {
			return mustInt(t, 5).Add(nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op()
			assert.Nil(t, got)
			assert.True(t, rtierr.IsKind(err, rtierr.IllegalTimeArithmetic), "got %v", err)
		})
	}
}

func TestFailedArithmeticLeavesValue(t *testing.T) {
	orig := mustInt(t, math.MaxInt64-1)
	_, err := orig.Add(mustIntInterval(t, 5))
	require.Error(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), orig.Value())
}

func TestArithmeticStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		base := mustInt(t, rng.Int63())
		iv := mustIntInterval(t, rng.Int63())
		if res, err := base.Add(iv); err == nil {
			v := res.(Integer64Time).Value()
			assert.GreaterOrEqual(t, v, Integer64Initial)
		} else {
			assert.True(t, rtierr.IsKind(err, rtierr.IllegalTimeArithmetic))
		}
		if res, err := base.Subtract(iv); err == nil {
			assert.GreaterOrEqual(t, res.(Integer64Time).Value(), Integer64Initial)
		} else {
			assert.True(t, rtierr.IsKind(err, rtierr.IllegalTimeArithmetic))
		}
	}
}

func TestCompare(t *testing.T) {
	c, err := Compare(mustFloat(t, 1), mustFloat(t, 2))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = Compare(mustInt(t, 5), mustInt(t, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	_, err = Compare(mustInt(t, 5), mustFloat(t, 5))
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidLogicalTime))

	assert.True(t, Before(mustInt(t, 1), mustInt(t, 2)))
	assert.False(t, Before(mustInt(t, 1), mustFloat(t, 2)))

	m, err := Min(mustInt(t, 9), mustInt(t, 3))
	require.NoError(t, err)
	assert.Equal(t, "3", m.String())

	ci, err := CompareIntervals(mustIntInterval(t, 4), mustIntInterval(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, ci)
}

func TestFactoryBounds(t *testing.T) {
	for _, f := range []Factory{Float64Factory{}, Integer64Factory{}} {
		assert.True(t, f.Initial().IsInitial(), f.Name())
		assert.True(t, f.Final().IsFinal(), f.Name())
		assert.True(t, f.Zero().IsZero(), f.Name())
		assert.True(t, f.Epsilon().IsEpsilon(), f.Name())

		_, err := f.Initial().Subtract(f.Epsilon())
		assert.True(t, rtierr.IsKind(err, rtierr.IllegalTimeArithmetic), f.Name())
	}
}
