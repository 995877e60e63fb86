package snapshot

import (
	"testing"

	"federate/pkg/ddm"
	"federate/pkg/identity"
	"federate/pkg/rtierr"
	"federate/pkg/schema"
	"federate/pkg/types"
	"federate/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tables struct {
	registry *identity.Registry
	regions  *ddm.Store
	codec    *Codec
	space    types.RoutingSpaceHandle
	dim      types.DimensionHandle
}

func newTables(t *testing.T) *tables {
	t.Helper()
	s, err := schema.New(schema.Definition{
		RoutingSpaces: []schema.RoutingSpaceDef{{
			Name:       "Geo",
			Dimensions: []schema.DimensionDef{{Name: "X", UpperBound: 1000}, {Name: "Y", UpperBound: 1000}},
		}},
	})
	require.NoError(t, err)
	geo, err := s.RoutingSpaceByName("Geo")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	reg := identity.New(logger)
	store := ddm.New(s, reg, logger)
	return &tables{
		registry: reg,
		regions:  store,
		codec:    NewCodec(reg, store, 0, logger),
		space:    geo.Handle,
		dim:      geo.Dimensions[0].Handle,
	}
}

func populate(t *testing.T, tb *tables) {
	t.Helper()
	for fed := types.FederationID(100); fed < 110; fed++ {
		tb.registry.Local(fed)
	}
	require.NoError(t, tb.registry.Forget(tb.registry.Local(103)))

	r1, err := tb.regions.CreateRegion(tb.space, 1, nil)
	require.NoError(t, err)
	_, err = tb.regions.CreateRegion(tb.space, 3, nil)
	require.NoError(t, err)
	require.NoError(t, tb.regions.SetRangeBounds(r1.Token, 0, tb.dim, ddm.RangeBound{Lower: 100, Upper: 200}))
	_, err = tb.regions.Commit([]types.RegionToken{r1.Token}, nil)
	require.NoError(t, err)
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	src := newTables(t)
	populate(t, src)

	data, err := src.codec.Save()
	require.NoError(t, err)

	dst := newTables(t)
	require.NoError(t, dst.codec.Restore(data))

	assert.Equal(t, src.registry.Snapshot(), dst.registry.Snapshot())
	assert.Equal(t, src.regions.Snapshot(), dst.regions.Snapshot())

	again, err := dst.codec.Save()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRestoreEmptyTables(t *testing.T) {
	src := newTables(t)
	data, err := src.codec.Save()
	require.NoError(t, err)

	dst := newTables(t)
	populate(t, dst)
	require.NoError(t, dst.codec.Restore(data))
	assert.Equal(t, 0, dst.registry.Len())
	assert.Equal(t, 0, dst.regions.Len())
}

func TestRestoreTruncatedLeavesState(t *testing.T) {
	src := newTables(t)
	populate(t, src)
	data, err := src.codec.Save()
	require.NoError(t, err)

	dst := newTables(t)
	dst.registry.Local(5000)
	before := dst.registry.Snapshot()

	for n := 0; n < len(data); n += 3 {
		err := dst.codec.Restore(data[:n])
		require.Error(t, err, "prefix %d of %d", n, len(data))
		assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "prefix %d: %v", n, err)
	}
	assert.Equal(t, before, dst.registry.Snapshot())
	assert.Equal(t, 0, dst.regions.Len())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good := Encode(State{Registry: identity.State{NextObject: 1, NextRegion: 1}})

	badMagic := append([]byte(nil), good...)
	badMagic[7] ^= 0xff

	trailing := append(append([]byte(nil), good...), 0x00)

	var huge wire.Writer
	huge.U32(idMagic, Magic)
	huge.U16(idVersion, Version)
	huge.U64(idNextObject, 1)
	huge.U64(idNextRegion, 1)
	huge.U64(idMappingCount, 1<<40)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", badMagic},
		{"trailing bytes", trailing},
		{"huge count", huge.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "got %v", err)
		})
	}

	_, err := Decode(good)
	assert.NoError(t, err)
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	tb := newTables(t)

	tests := []struct {
		name string
		st   State
	}{
		{"local beyond counter", State{Registry: identity.State{
			NextObject: 2, NextRegion: 1,
			Mappings: []identity.Mapping{{Federation: 1, Local: 5}},
		}}},
		{"region beyond counter", State{
			Registry: identity.State{NextObject: 1, NextRegion: 2},
			Regions: []ddm.Region{{Token: 4, RoutingSpace: tb.space, Extents: []ddm.Extent{
				{Region: 4, Bounds: []ddm.RangeBound{{Lower: 0, Upper: 1}, {Lower: 0, Upper: 1}}},
			}}},
		}},
		{"extent out of range", State{
			Registry: identity.State{NextObject: 1, NextRegion: 9},
			Regions: []ddm.Region{{Token: 4, RoutingSpace: tb.space, Extents: []ddm.Extent{
				{Region: 4, Bounds: []ddm.RangeBound{{Lower: 0, Upper: 5000}, {Lower: 0, Upper: 1}}},
			}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tb.codec.Restore(Encode(tt.st))
			assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "got %v", err)
			assert.Equal(t, 0, tb.registry.Len())
		})
	}
}

func TestSizeLimit(t *testing.T) {
	src := newTables(t)
	populate(t, src)
	codec := NewCodec(src.registry, src.regions, 64, nil)

	_, err := codec.Save()
	assert.True(t, rtierr.IsKind(err, rtierr.InternalError))

	data, err := src.codec.Save()
	require.NoError(t, err)
	err = codec.Restore(data)
	assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode))
}
