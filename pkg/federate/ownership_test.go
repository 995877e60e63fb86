package federate

import (
	"testing"

	"federate/pkg/channel"
	"federate/pkg/rtierr"
	"federate/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) state(obj types.ObjectInstanceHandle, attr types.AttributeHandle) types.OwnershipState {
	h.t.Helper()
	st, err := h.s.QueryAttributeOwnership(obj, attr)
	require.NoError(h.t, err)
	return st
}

func TestUnconditionalDivestiture(t *testing.T) {
	h := newHarness(t)
	h.join()
	speed := h.attr(h.class("Vehicle"), "Speed")
	obj := h.registerVehicle("alpha")

	require.NoError(t, h.s.UnconditionalAttributeOwnershipDivestiture(h.ctx, obj, types.AttributeSet{speed}))
	req := h.expect(channel.KindUnconditionalDivestiture)
	assert.Equal(t, types.FederationID(uint64(testHandle)<<32|1), req.Object)
	assert.Equal(t, []types.Handle{speed}, req.Attributes)
	assert.Equal(t, types.Unowned, h.state(obj, speed))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.OwnershipTransitions.WithLabelValues("Unowned")))

	err := h.s.UnconditionalAttributeOwnershipDivestiture(h.ctx, obj, types.AttributeSet{speed})
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeNotOwned))
}

func TestNegotiatedDivestitureWithConfirmation(t *testing.T) {
	h := newHarness(t)
	h.join()
	vehicle := h.class("Vehicle")
	pos, speed := h.attr(vehicle, "Position"), h.attr(vehicle, "Speed")
	obj := h.registerVehicle("alpha")
	attrs := types.AttributeSet{pos, speed}

	require.NoError(t, h.s.NegotiatedAttributeOwnershipDivestiture(h.ctx, obj, attrs, types.UserTag("offer")))
	req := h.expect(channel.KindNegotiatedDivestiture)
	assert.Equal(t, types.UserTag("offer"), req.Tag)
	assert.Equal(t, types.DivestiturePending, h.state(obj, pos))

	err := h.s.NegotiatedAttributeOwnershipDivestiture(h.ctx, obj, attrs, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeAlreadyBeingDivested))
	err = h.s.ConfirmDivestiture(h.ctx, obj, attrs, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeDivestitureWasNotRequested))

	// The broker only found a taker for Position.
	h.push(channel.Message{Kind: channel.KindRequestDivestitureConfirmation, Object: req.Object, Attributes: []types.Handle{pos}})
	require.Len(t, h.amb.confirm, 1)
	assert.Equal(t, types.AttributeSet{pos}, h.amb.confirm[0])

	require.NoError(t, h.s.ConfirmDivestiture(h.ctx, obj, types.AttributeSet{pos}, nil))
	h.expect(channel.KindConfirmDivestiture)
	assert.Equal(t, types.Unowned, h.state(obj, pos))
	assert.Equal(t, types.DivestiturePending, h.state(obj, speed))

	require.NoError(t, h.s.CancelNegotiatedAttributeOwnershipDivestiture(h.ctx, obj, types.AttributeSet{speed}))
	h.expect(channel.KindCancelNegotiatedDivestiture)
	assert.Equal(t, types.Owned, h.state(obj, speed))

	// A confirmation request for attributes no longer pending reaches nobody.
	h.push(channel.Message{Kind: channel.KindRequestDivestitureConfirmation, Object: req.Object, Attributes: []types.Handle{speed}})
	assert.Len(t, h.amb.confirm, 1)
}

func TestDivestitureNotification(t *testing.T) {
	h := newHarness(t)
	h.join()
	speed := h.attr(h.class("Vehicle"), "Speed")
	obj := h.registerVehicle("alpha")

	require.NoError(t, h.s.NegotiatedAttributeOwnershipDivestiture(h.ctx, obj, types.AttributeSet{speed}, nil))
	req := h.expect(channel.KindNegotiatedDivestiture)

	h.push(channel.Message{Kind: channel.KindDivestitureNotification, Object: req.Object, Attributes: []types.Handle{speed}})
	require.Len(t, h.amb.divested, 1)
	assert.Equal(t, types.Unowned, h.state(obj, speed))

	// Repeating it finds nothing pending and is dropped.
	before := h.dropped()
	h.push(channel.Message{Kind: channel.KindDivestitureNotification, Object: req.Object, Attributes: []types.Handle{speed}})
	assert.Equal(t, before+1, h.dropped())
	assert.Len(t, h.amb.divested, 1)
}

func TestAcquisition(t *testing.T) {
	h := newHarness(t)
	h.join()
	vehicle := h.class("Vehicle")
	pos, speed := h.attr(vehicle, "Position"), h.attr(vehicle, "Speed")
	obj, fed := h.discoverVehicle(1)

	err := h.s.AttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{pos}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeNotPublished))

	require.NoError(t, h.s.PublishObjectClassAttributes(h.ctx, vehicle, types.AttributeSet{pos, speed}))
	h.expect(channel.KindPublishObjectClass)

	require.NoError(t, h.s.AttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{pos}, types.UserTag("mine")))
	req := h.expect(channel.KindAcquisition)
	assert.Equal(t, fed, req.Object)
	assert.Equal(t, types.AcquisitionPending, h.state(obj, pos))

	err = h.s.AttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{pos}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeAlreadyBeingAcquired))

	h.push(channel.Message{Kind: channel.KindAcquisitionNotification, Object: fed, Attributes: []types.Handle{pos}, Tag: types.UserTag("yours")})
	require.Len(t, h.amb.acquired, 1)
	assert.Equal(t, types.AttributeSet{pos}, h.amb.acquired[0])
	assert.Equal(t, types.Owned, h.state(obj, pos))

	err = h.s.AttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{pos}, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeAlreadyOwned))

	// Owning Position lets this federate update it.
	require.NoError(t, h.s.UpdateAttributeValues(h.ctx, obj, types.AttributeValues{pos: []byte("p")}, nil, nil))
	h.expect(channel.KindUpdateAttributes)
	err = h.s.UpdateAttributeValues(h.ctx, obj, types.AttributeValues{speed: []byte("s")}, nil, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeNotOwned))
}

func TestAcquisitionIfAvailable(t *testing.T) {
	h := newHarness(t)
	h.join()
	vehicle := h.class("Vehicle")
	pos, speed := h.attr(vehicle, "Position"), h.attr(vehicle, "Speed")
	require.NoError(t, h.s.PublishObjectClassAttributes(h.ctx, vehicle, types.AttributeSet{pos, speed}))
	h.expect(channel.KindPublishObjectClass)
	obj, fed := h.discoverVehicle(1)

	require.NoError(t, h.s.AttributeOwnershipAcquisitionIfAvailable(h.ctx, obj, types.AttributeSet{pos, speed}))
	h.expect(channel.KindAcquisitionIfAvailable)

	h.push(channel.Message{Kind: channel.KindOwnershipUnavailable, Object: fed, Attributes: []types.Handle{pos}})
	require.Len(t, h.amb.unavailable, 1)
	assert.Equal(t, types.Unowned, h.state(obj, pos))
	assert.Equal(t, types.AcquisitionPending, h.state(obj, speed))

	require.NoError(t, h.s.CancelAttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{speed}))
	h.expect(channel.KindCancelAcquisition)
	assert.Equal(t, types.Unowned, h.state(obj, speed))

	err := h.s.CancelAttributeOwnershipAcquisition(h.ctx, obj, types.AttributeSet{speed})
	assert.True(t, rtierr.IsKind(err, rtierr.AttributeAcquisitionWasNotRequested))
}

func TestReleaseRequest(t *testing.T) {
	h := newHarness(t)
	h.join()
	vehicle := h.class("Vehicle")
	pos, speed := h.attr(vehicle, "Position"), h.attr(vehicle, "Speed")
	obj := h.registerVehicle("alpha")
	fed := types.FederationID(uint64(testHandle)<<32 | 1)

	h.push(channel.Message{Kind: channel.KindRequestOwnershipRelease, Object: fed, Attributes: []types.Handle{speed}, Tag: types.UserTag("please")})
	require.Len(t, h.amb.release, 1)
	assert.Equal(t, types.AttributeSet{speed}, h.amb.release[0])

	released, err := h.s.AttributeOwnershipDivestitureIfWanted(h.ctx, obj, types.AttributeSet{pos, speed})
	require.NoError(t, err)
	h.expect(channel.KindDivestitureIfWanted)
	assert.Equal(t, types.AttributeSet{speed}, released)
	assert.Equal(t, types.Owned, h.state(obj, pos))
	assert.Equal(t, types.Unowned, h.state(obj, speed))

	h.push(channel.Message{Kind: channel.KindRequestOwnershipRelease, Object: fed, Attributes: []types.Handle{pos}})
	require.NoError(t, h.s.AttributeOwnershipReleaseDenied(h.ctx, obj, types.AttributeSet{pos}))
	h.expect(channel.KindReleaseDenied)

	released, err = h.s.AttributeOwnershipDivestitureIfWanted(h.ctx, obj, types.AttributeSet{pos})
	require.NoError(t, err)
	h.expect(channel.KindDivestitureIfWanted)
	assert.Empty(t, released)
	assert.Equal(t, types.Owned, h.state(obj, pos))

	// Nothing owned, nothing to release: the ambassador is not called.
	h.push(channel.Message{Kind: channel.KindRequestOwnershipRelease, Object: fed, Attributes: []types.Handle{speed}})
	assert.Len(t, h.amb.release, 2)
}

func TestOwnershipOnUnknownObject(t *testing.T) {
	h := newHarness(t)
	h.join()
	speed := h.attr(h.class("Vehicle"), "Speed")

	err := h.s.UnconditionalAttributeOwnershipDivestiture(h.ctx, 77, types.AttributeSet{speed})
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))
	_, err = h.s.AttributeOwnershipDivestitureIfWanted(h.ctx, 77, types.AttributeSet{speed})
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))

	before := h.dropped()
	h.push(channel.Message{Kind: channel.KindAcquisitionNotification, Object: 99, Attributes: []types.Handle{speed}})
	assert.Equal(t, before+1, h.dropped())
}
