package federate

import (
	"errors"
	"testing"

	"federate/pkg/channel"
	"federate/pkg/rtierr"
	"federate/pkg/snapshot"
	"federate/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// save runs one complete federation save under label.
func (h *harness) save(label string) {
	h.t.Helper()
	require.NoError(h.t, h.s.RequestFederationSave(h.ctx, label))
	h.expect(channel.KindRequestFederationSave)

	h.push(channel.Message{Kind: channel.KindInitiateFederateSave, Label: label})
	reply := h.expect(channel.KindFederateSaveComplete)
	require.Equal(h.t, label, reply.Label)

	h.push(channel.Message{Kind: channel.KindFederationSaved, Label: label, Success: true})
	require.False(h.t, h.s.SaveInProgress())
}

func TestFederationSave(t *testing.T) {
	h := newHarness(t)
	h.join()
	obj := h.registerVehicle("alpha")

	assert.True(t, rtierr.IsKind(h.s.RequestFederationSave(h.ctx, ""), rtierr.NotDefined))

	require.NoError(t, h.s.RequestFederationSave(h.ctx, "checkpoint"))
	h.expect(channel.KindRequestFederationSave)
	h.push(channel.Message{Kind: channel.KindInitiateFederateSave, Label: "checkpoint"})
	assert.Equal(t, []string{"checkpoint"}, h.amb.saves)
	h.expect(channel.KindFederateSaveComplete)

	// Between the local save and the federation verdict nothing may change.
	assert.True(t, h.s.SaveInProgress())
	err := h.s.UpdateAttributeValues(h.ctx, obj, types.AttributeValues{h.attr(h.class("Vehicle"), "Speed"): nil}, nil, nil)
	assert.True(t, rtierr.IsKind(err, rtierr.SaveInProgress))
	_, err = h.s.CreateRegion(h.ctx, h.space("Geo"), 1)
	assert.True(t, rtierr.IsKind(err, rtierr.SaveInProgress))
	_, err = h.s.QueryAttributeOwnership(obj, h.attr(h.class("Vehicle"), "Speed"))
	assert.NoError(t, err)

	// A second initiation while one is active is dropped.
	before := h.dropped()
	h.push(channel.Message{Kind: channel.KindInitiateFederateSave, Label: "other"})
	assert.Equal(t, before+1, h.dropped())

	h.push(channel.Message{Kind: channel.KindFederationSaved, Label: "checkpoint", Success: true})
	assert.False(t, h.s.SaveInProgress())
	assert.Equal(t, []bool{true}, h.amb.saved)

	entry, err := h.archive.Get(h.ctx, "exercise", "tank-1", "checkpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Data)
	assert.Equal(t, float64(len(entry.Data)), testutil.ToFloat64(h.metrics.SnapshotBytesSaved))
}

func TestFederationSaveFailureReportsNotComplete(t *testing.T) {
	h := newHarness(t)
	h.join()
	require.NoError(t, h.archive.Close())

	h.push(channel.Message{Kind: channel.KindInitiateFederateSave, Label: "broken"})
	reply := h.expect(channel.KindFederateSaveNotComplete)
	assert.Equal(t, "broken", reply.Label)
	assert.NotEmpty(t, reply.Reason)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SnapshotFailures.WithLabelValues("save")))

	h.push(channel.Message{Kind: channel.KindFederationSaved, Label: "broken", Reason: "federate tank-1 failed"})
	assert.False(t, h.s.SaveInProgress())
	assert.Equal(t, []bool{false}, h.amb.saved)
}

func TestFederationRestore(t *testing.T) {
	h := newHarness(t)
	h.join()
	vehicle := h.class("Vehicle")
	obj := h.registerVehicle("alpha")
	region, err := h.s.CreateRegion(h.ctx, h.space("Geo"), 1)
	require.NoError(t, err)
	h.expect(channel.KindCreateRegion)

	h.save("checkpoint")

	// Diverge from the saved state.
	require.NoError(t, h.s.DeleteRegion(h.ctx, region.Token))
	h.expect(channel.KindDeleteRegion)
	extra, err := h.s.CreateRegion(h.ctx, h.space("Radio"), 1)
	require.NoError(t, err)
	h.expect(channel.KindCreateRegion)
	bravo := h.registerVehicle("bravo")

	err = h.s.RequestFederationRestore(h.ctx, "missing")
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	assert.True(t, errors.Is(err, snapshot.ErrNotFound))

	require.NoError(t, h.s.RequestFederationRestore(h.ctx, "checkpoint"))
	h.expect(channel.KindRequestFederationRestore)

	h.push(channel.Message{Kind: channel.KindInitiateFederateRestore, Label: "checkpoint", FederateHandle: testHandle})
	assert.Equal(t, []string{"checkpoint"}, h.amb.restores)
	h.expect(channel.KindFederateRestoreComplete)
	assert.True(t, h.s.RestoreInProgress())
	_, err = h.s.CreateRegion(h.ctx, h.space("Geo"), 1)
	assert.True(t, rtierr.IsKind(err, rtierr.RestoreInProgress))

	h.push(channel.Message{Kind: channel.KindFederationRestored, Success: true})
	assert.False(t, h.s.RestoreInProgress())
	assert.Equal(t, []bool{true}, h.amb.restored)

	// Regions are back to the saved set.
	_, err = h.s.Region(region.Token)
	assert.NoError(t, err)
	_, err = h.s.Region(extra.Token)
	assert.True(t, rtierr.IsKind(err, rtierr.RegionNotKnown))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RegionsLive))

	// Objects registered before the save are still owned and usable.
	speed := h.attr(vehicle, "Speed")
	st, err := h.s.QueryAttributeOwnership(obj, speed)
	require.NoError(t, err)
	assert.Equal(t, types.Owned, st)
	require.NoError(t, h.s.UpdateAttributeValues(h.ctx, obj, types.AttributeValues{speed: []byte{1}}, nil, nil))
	h.expect(channel.KindUpdateAttributes)
	name, err := h.s.ObjectInstanceName(obj)
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	_, err = h.s.RegisterObjectInstance(h.ctx, vehicle, "alpha")
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))

	// Objects registered after the save are gone from every table.
	_, err = h.s.QueryAttributeOwnership(bravo, speed)
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))
	_, err = h.s.ObjectInstanceName(bravo)
	assert.Error(t, err)

	// Registration ids are never reused.
	_, err = h.s.RegisterObjectInstance(h.ctx, vehicle, "charlie")
	require.NoError(t, err)
	req := h.expect(channel.KindRegisterObject)
	assert.Equal(t, types.FederationID(uint64(testHandle)<<32|3), req.Object)
}

func TestFederationRestoreDropsObjectsDeletedSinceSave(t *testing.T) {
	h := newHarness(t)
	h.join()
	obj := h.registerVehicle("alpha")
	remote, remoteFed := h.discoverVehicle(1)

	h.save("checkpoint")

	require.NoError(t, h.s.DeleteObjectInstance(h.ctx, obj, nil))
	h.expect(channel.KindDeleteObject)

	h.push(channel.Message{Kind: channel.KindInitiateFederateRestore, Label: "checkpoint", FederateHandle: testHandle})
	h.expect(channel.KindFederateRestoreComplete)
	h.push(channel.Message{Kind: channel.KindFederationRestored, Success: true})

	// The deleted object has nothing left to describe it, so its mapping goes too.
	_, err := h.s.registry.Federation(obj)
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))
	_, err = h.s.QueryAttributeOwnership(obj, h.attr(h.class("Vehicle"), "Speed"))
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))

	// A discovered object that was never removed survives with its handle.
	fed, err := h.s.federationID(remote)
	require.NoError(t, err)
	assert.Equal(t, remoteFed, fed)
	name, err := h.s.ObjectInstanceName(remote)
	require.NoError(t, err)
	assert.Equal(t, "remote", name)
}

func TestFederationRestoreFailureReportsNotComplete(t *testing.T) {
	h := newHarness(t)
	h.join()

	h.push(channel.Message{Kind: channel.KindInitiateFederateRestore, Label: "never-saved"})
	reply := h.expect(channel.KindFederateRestoreNotComplete)
	assert.Contains(t, reply.Reason, "not found")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SnapshotFailures.WithLabelValues("restore")))

	h.push(channel.Message{Kind: channel.KindFederationRestored, Reason: "federate tank-1 failed"})
	assert.False(t, h.s.RestoreInProgress())
	assert.Equal(t, []bool{false}, h.amb.restored)
}
