package ddm

import (
	"errors"
	"testing"

	"federate/pkg/identity"
	"federate/pkg/rtierr"
	"federate/pkg/schema"
	"federate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	store    *Store
	geo      types.RoutingSpaceHandle
	other    types.RoutingSpaceHandle
	d1, d2   types.DimensionHandle
	vehicle  types.ObjectClassHandle
	position types.AttributeHandle
	label    types.AttributeHandle
	fire     types.InteractionClassHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := schema.New(schema.Definition{
		RoutingSpaces: []schema.RoutingSpaceDef{
			{Name: "Geo", Dimensions: []schema.DimensionDef{{Name: "D1", UpperBound: 1000}, {Name: "D2", UpperBound: 50}}},
			{Name: "Freq", Dimensions: []schema.DimensionDef{{Name: "Band", UpperBound: 10}}},
		},
		ObjectClasses: []schema.ObjectClassDef{{
			Name: "Vehicle",
			Attributes: []schema.AttributeDef{
				{Name: "Position", RoutingSpace: "Geo"},
				{Name: "Label", RoutingSpace: "Freq"},
			},
		}},
		InteractionClasses: []schema.InteractionClassDef{{Name: "Fire", RoutingSpace: "Geo"}},
	})
	require.NoError(t, err)

	geo, _ := s.RoutingSpaceByName("Geo")
	freq, _ := s.RoutingSpaceByName("Freq")
	vehicle, _ := s.ObjectClassByName("Vehicle")
	position, _ := s.AttributeByName(vehicle.Handle, "Position")
	label, _ := s.AttributeByName(vehicle.Handle, "Label")
	fire, _ := s.InteractionClassByName("Fire")

	return &fixture{
		store:    New(s, identity.New(nil), zaptest.NewLogger(t)),
		geo:      geo.Handle,
		other:    freq.Handle,
		d1:       geo.Dimensions[0].Handle,
		d2:       geo.Dimensions[1].Handle,
		vehicle:  vehicle.Handle,
		position: position.Handle,
		label:    label.Handle,
		fire:     fire.Handle,
	}
}

func (f *fixture) region(t *testing.T) types.RegionToken {
	t.Helper()
	r, err := f.store.CreateRegion(f.geo, 1, nil)
	require.NoError(t, err)
	return r.Token
}

func TestCreateRegionDefaults(t *testing.T) {
	f := newFixture(t)
	r, err := f.store.CreateRegion(f.geo, 2, nil)
	require.NoError(t, err)

	require.Len(t, r.Extents, 2)
	for _, e := range r.Extents {
		assert.Equal(t, r.Token, e.Region)
		assert.Equal(t, []RangeBound{{0, 1000}, {0, 50}}, e.Bounds)
	}

	_, err = f.store.CreateRegion(f.geo, 0, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidExtents))
	_, err = f.store.CreateRegion(999, 1, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
}

func TestStagedUntilCommit(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)

	require.NoError(t, f.store.SetRangeLowerBound(token, 0, f.d1, 100))

	lower, err := f.store.GetRangeLowerBound(token, 0, f.d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), lower, "staged value is not visible before commit")

	staged, ok, err := f.store.Staged(token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), staged[0].Bounds[0].Lower)

	committed, err := f.store.Commit([]types.RegionToken{token}, nil)
	require.NoError(t, err)
	require.Len(t, committed, 1)

	lower, err = f.store.GetRangeLowerBound(token, 0, f.d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), lower)

	_, ok, err = f.store.Staged(token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitIsAtomicAcrossRegions(t *testing.T) {
	f := newFixture(t)
	a := f.region(t)
	b := f.region(t)

	require.NoError(t, f.store.SetRangeBounds(a, 0, f.d1, RangeBound{10, 20}))
	require.NoError(t, f.store.SetRangeBounds(b, 0, f.d2, RangeBound{40, 30}))

	_, err := f.store.Commit([]types.RegionToken{a, b}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidExtents))

	got, err := f.store.GetRangeBounds(a, 0, f.d1)
	require.NoError(t, err)
	assert.Equal(t, RangeBound{0, 1000}, got, "valid region is not applied when another fails")

	require.NoError(t, f.store.SetRangeBounds(b, 0, f.d2, RangeBound{30, 40}))
	var sent []Region
	_, err = f.store.Commit([]types.RegionToken{a, b}, func(rs []Region) error {
		sent = rs
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	ga, _ := f.store.GetRangeBounds(a, 0, f.d1)
	gb, _ := f.store.GetRangeBounds(b, 0, f.d2)
	assert.Equal(t, RangeBound{10, 20}, ga)
	assert.Equal(t, RangeBound{30, 40}, gb)
}

func TestCommitSendFailure(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)
	require.NoError(t, f.store.SetRangeUpperBound(token, 0, f.d1, 500))

	_, err := f.store.Commit([]types.RegionToken{token}, func([]Region) error { return errors.New("eof") })
	assert.True(t, rtierr.IsKind(err, rtierr.InternalError))

	upper, err := f.store.GetRangeUpperBound(token, 0, f.d1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), upper)

	_, ok, _ := f.store.Staged(token)
	assert.True(t, ok, "staged changes survive a failed commit")
}

func TestBoundValidation(t *testing.T) {
	tests := []struct {
		name   string
		bounds RangeBound
	}{
		{"lower above upper", RangeBound{50, 10}},
		{"beyond dimension", RangeBound{0, 1001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			token := f.region(t)
			require.NoError(t, f.store.SetRangeBounds(token, 0, f.d1, tt.bounds))
			_, err := f.store.Commit([]types.RegionToken{token}, nil)
			assert.True(t, rtierr.IsKind(err, rtierr.InvalidExtents))
		})
	}
}

func TestDiscardStaged(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)
	require.NoError(t, f.store.SetRangeLowerBound(token, 0, f.d1, 5))
	require.NoError(t, f.store.DiscardStaged(token))

	committed, err := f.store.Commit([]types.RegionToken{token}, nil)
	require.NoError(t, err)
	assert.Empty(t, committed)
}

func TestUnknownRegionAndDimension(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)

	_, err := f.store.Region(999)
	assert.True(t, errors.Is(err, rtierr.ErrRegionNotKnown))
	_, err = f.store.Commit([]types.RegionToken{999}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.RegionNotKnown))

	err = f.store.SetRangeLowerBound(token, 0, 999, 1)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	err = f.store.SetRangeLowerBound(token, 3, f.d1, 1)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidExtents))

	_, ok, _ := f.store.Staged(token)
	assert.False(t, ok)
}

func TestRegionContext(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)

	err := f.store.AssociateForUpdates(token, 1, f.vehicle, types.AttributeSet{f.label}, nil)
	assert.True(t, errors.Is(err, rtierr.ErrInvalidRegionContext))
	err = f.store.SubscribeAttributes(token, f.vehicle, types.AttributeSet{f.position, f.label}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidRegionContext))

	refs, err := f.store.References(token)
	require.NoError(t, err)
	assert.Equal(t, 0, refs)

	require.NoError(t, f.store.AssociateForUpdates(token, 1, f.vehicle, types.AttributeSet{f.position}, nil))
	require.NoError(t, f.store.SubscribeInteraction(token, f.fire, nil))
	assert.Equal(t, []types.RegionToken{token}, f.store.UpdateRegions(1, f.position))

	refs, _ = f.store.References(token)
	assert.Equal(t, 2, refs)
}

func TestDeferredDeletion(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)
	require.NoError(t, f.store.SubscribeAttributes(token, f.vehicle, types.AttributeSet{f.position}, nil))

	require.NoError(t, f.store.DeleteRegion(token, nil))
	assert.Equal(t, 1, f.store.Len(), "referenced region is retired, not removed")

	_, err := f.store.Region(token)
	assert.True(t, rtierr.IsKind(err, rtierr.RegionNotKnown))
	err = f.store.SubscribeInteraction(token, f.fire, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.RegionNotKnown))
	assert.Empty(t, f.store.Snapshot())

	require.NoError(t, f.store.UnsubscribeAttributes(token, f.vehicle, nil))
	assert.Equal(t, 0, f.store.Len())
}

func TestDeleteUnreferenced(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)
	require.NoError(t, f.store.DeleteRegion(token, nil))
	assert.Equal(t, 0, f.store.Len())
	assert.True(t, rtierr.IsKind(f.store.DeleteRegion(token, nil), rtierr.RegionNotKnown))
}

func TestForgetObjectReleasesRegion(t *testing.T) {
	f := newFixture(t)
	token := f.region(t)
	require.NoError(t, f.store.AssociateForUpdates(token, 5, f.vehicle, types.AttributeSet{f.position}, nil))
	require.NoError(t, f.store.DeleteRegion(token, nil))

	f.store.ForgetObject(5)
	assert.Equal(t, 0, f.store.Len())
}

func TestTemporaryRegion(t *testing.T) {
	f := newFixture(t)
	var seen Region

	err := f.store.WithTemporaryRegion(f.geo, [][]RangeBound{{{1, 2}, {3, 4}}}, func(r Region) error {
		seen = r
		assert.Equal(t, 1, f.store.Len())
		assert.Empty(t, f.store.Snapshot())
		return f.store.DeleteRegion(r.Token, nil)
	})
	assert.True(t, rtierr.IsKind(err, rtierr.RegionInUse))
	assert.Equal(t, []RangeBound{{1, 2}, {3, 4}}, seen.Extents[0].Bounds)
	assert.Equal(t, 0, f.store.Len())

	err = f.store.WithTemporaryRegion(f.geo, [][]RangeBound{{{5, 1}, {0, 1}}}, func(Region) error {
		t.Fatal("callback must not run with invalid bounds")
		return nil
	})
	assert.True(t, rtierr.IsKind(err, rtierr.InvalidExtents))
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	a := f.region(t)
	_ = f.region(t)
	require.NoError(t, f.store.SetRangeBounds(a, 0, f.d2, RangeBound{7, 9}))
	_, err := f.store.Commit([]types.RegionToken{a}, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetRangeLowerBound(a, 0, f.d1, 3))

	snap := f.store.Snapshot()
	require.Len(t, snap, 2)
	assert.Less(t, snap[0].Token, snap[1].Token)

	dst := newFixture(t)
	require.NoError(t, dst.store.Restore(snap))
	assert.Equal(t, snap, dst.store.Snapshot())

	_, ok, _ := dst.store.Staged(a)
	assert.False(t, ok, "staged bounds are not saved")
}

func TestRestoreRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	keep := f.region(t)

	tests := []struct {
		name    string
		regions []Region
	}{
		{"zero token", []Region{{Token: 0, RoutingSpace: f.geo, Extents: []Extent{{Region: 0, Bounds: []RangeBound{{0, 1}, {0, 1}}}}}}},
		{"no extents", []Region{{Token: 4, RoutingSpace: f.geo}}},
		{"foreign extent", []Region{{Token: 4, RoutingSpace: f.geo, Extents: []Extent{{Region: 5, Bounds: []RangeBound{{0, 1}, {0, 1}}}}}}},
		{"dimension count", []Region{{Token: 4, RoutingSpace: f.geo, Extents: []Extent{{Region: 4, Bounds: []RangeBound{{0, 1}}}}}}},
		{"unknown space", []Region{{Token: 4, RoutingSpace: 99, Extents: []Extent{{Region: 4, Bounds: []RangeBound{{0, 1}}}}}}},
		{"duplicate", []Region{
			{Token: 4, RoutingSpace: f.other, Extents: []Extent{{Region: 4, Bounds: []RangeBound{{0, 1}}}}},
			{Token: 4, RoutingSpace: f.other, Extents: []Extent{{Region: 4, Bounds: []RangeBound{{0, 1}}}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.Restore(tt.regions)
			assert.True(t, rtierr.IsKind(err, rtierr.CouldNotDecode), "got %v", err)

			_, err = f.store.Region(keep)
			assert.NoError(t, err, "table unchanged after failed restore")
		})
	}
}
