package federate

import (
	"context"

	"federate/pkg/channel"
	"federate/pkg/ddm"
	"federate/pkg/types"
)

// CreateRegion creates a region in space with extentCount extents, each
// spanning its full dimensions.
func (s *Session) CreateRegion(ctx context.Context, space types.RoutingSpaceHandle, extentCount int) (ddm.Region, error) {
	if err := s.check("federate.CreateRegion", true); err != nil {
		return ddm.Region{}, err
	}
	r, err := s.regions.CreateRegion(space, extentCount, func(r ddm.Region) error {
		return s.send(ctx, channel.Message{
			Kind:    channel.KindCreateRegion,
			Regions: []channel.RegionData{regionData(r)},
		})
	})
	if err != nil {
		return ddm.Region{}, err
	}
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	return r, nil
}

// Region returns the committed view of a region.
func (s *Session) Region(token types.RegionToken) (ddm.Region, error) {
	if err := s.check("federate.Region", false); err != nil {
		return ddm.Region{}, err
	}
	return s.regions.Region(token)
}

func (s *Session) GetRangeBounds(token types.RegionToken, extent int, dim types.DimensionHandle) (ddm.RangeBound, error) {
	if err := s.check("federate.GetRangeBounds", false); err != nil {
		return ddm.RangeBound{}, err
	}
	return s.regions.GetRangeBounds(token, extent, dim)
}

// SetRangeBounds stages new bounds; CommitRegionModifications applies them.
func (s *Session) SetRangeBounds(token types.RegionToken, extent int, dim types.DimensionHandle, bounds ddm.RangeBound) error {
	if err := s.check("federate.SetRangeBounds", true); err != nil {
		return err
	}
	return s.regions.SetRangeBounds(token, extent, dim, bounds)
}

func (s *Session) SetRangeLowerBound(token types.RegionToken, extent int, dim types.DimensionHandle, v uint64) error {
	if err := s.check("federate.SetRangeLowerBound", true); err != nil {
		return err
	}
	return s.regions.SetRangeLowerBound(token, extent, dim, v)
}

func (s *Session) SetRangeUpperBound(token types.RegionToken, extent int, dim types.DimensionHandle, v uint64) error {
	if err := s.check("federate.SetRangeUpperBound", true); err != nil {
		return err
	}
	return s.regions.SetRangeUpperBound(token, extent, dim, v)
}

// CommitRegionModifications validates and applies staged bounds of tokens
// together and returns the regions that changed.
func (s *Session) CommitRegionModifications(ctx context.Context, tokens []types.RegionToken) ([]ddm.Region, error) {
	if err := s.check("federate.CommitRegionModifications", true); err != nil {
		return nil, err
	}
	changed, err := s.regions.Commit(tokens, func(rs []ddm.Region) error {
		m := channel.Message{Kind: channel.KindCommitRegions}
		for _, r := range rs {
			m.Regions = append(m.Regions, regionData(r))
		}
		return s.send(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RegionsCommitted.Add(float64(len(changed)))
	return changed, nil
}

// DeleteRegion deletes a region, or retires it while it is still in use.
func (s *Session) DeleteRegion(ctx context.Context, token types.RegionToken) error {
	if err := s.check("federate.DeleteRegion", true); err != nil {
		return err
	}
	err := s.regions.DeleteRegion(token, s.sender(ctx, channel.Message{
		Kind:    channel.KindDeleteRegion,
		Regions: []channel.RegionData{{Token: token}},
	}))
	if err != nil {
		return err
	}
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	return nil
}

// AssociateRegionForUpdates scopes updates of attrs on obj to a region.
func (s *Session) AssociateRegionForUpdates(ctx context.Context, token types.RegionToken, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.AssociateRegionForUpdates", true); err != nil {
		return err
	}
	class, err := s.owners.Class(obj)
	if err != nil {
		return err
	}
	fed, err := s.registry.Federation(obj)
	if err != nil {
		return err
	}
	return s.regions.AssociateForUpdates(token, obj, class, attrs, s.sender(ctx, channel.Message{
		Kind:       channel.KindAssociateRegions,
		Object:     fed,
		Attributes: attrs,
		Regions:    []channel.RegionData{{Token: token}},
	}))
}

func (s *Session) UnassociateRegionForUpdates(ctx context.Context, token types.RegionToken, obj types.ObjectInstanceHandle) error {
	if err := s.check("federate.UnassociateRegionForUpdates", true); err != nil {
		return err
	}
	fed, err := s.registry.Federation(obj)
	if err != nil {
		return err
	}
	err = s.regions.UnassociateForUpdates(token, obj, s.sender(ctx, channel.Message{
		Kind:    channel.KindUnassociateRegions,
		Object:  fed,
		Regions: []channel.RegionData{{Token: token}},
	}))
	if err != nil {
		return err
	}
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	return nil
}

// SubscribeObjectClassAttributesWithRegion subscribes to attrs of class
// within a region.
func (s *Session) SubscribeObjectClassAttributesWithRegion(ctx context.Context, class types.ObjectClassHandle, token types.RegionToken, attrs types.AttributeSet) error {
	if err := s.check("federate.SubscribeObjectClassAttributesWithRegion", true); err != nil {
		return err
	}
	attrs = attrs.Dedup()
	if err := s.schema.CheckAttributes(class, attrs); err != nil {
		return err
	}
	return s.regions.SubscribeAttributes(token, class, attrs, s.sender(ctx, channel.Message{
		Kind:       channel.KindSubscribeObjectClass,
		Class:      class,
		Attributes: attrs,
		Regions:    []channel.RegionData{{Token: token}},
	}))
}

func (s *Session) UnsubscribeObjectClassWithRegion(ctx context.Context, class types.ObjectClassHandle, token types.RegionToken) error {
	if err := s.check("federate.UnsubscribeObjectClassWithRegion", true); err != nil {
		return err
	}
	err := s.regions.UnsubscribeAttributes(token, class, s.sender(ctx, channel.Message{
		Kind:    channel.KindUnsubscribeObjectClass,
		Class:   class,
		Regions: []channel.RegionData{{Token: token}},
	}))
	if err != nil {
		return err
	}
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	return nil
}

func (s *Session) SubscribeInteractionClassWithRegion(ctx context.Context, ic types.InteractionClassHandle, token types.RegionToken) error {
	if err := s.check("federate.SubscribeInteractionClassWithRegion", true); err != nil {
		return err
	}
	return s.regions.SubscribeInteraction(token, ic, s.sender(ctx, channel.Message{
		Kind:    channel.KindSubscribeInteraction,
		Class:   ic,
		Regions: []channel.RegionData{{Token: token}},
	}))
}

func (s *Session) UnsubscribeInteractionClassWithRegion(ctx context.Context, ic types.InteractionClassHandle, token types.RegionToken) error {
	if err := s.check("federate.UnsubscribeInteractionClassWithRegion", true); err != nil {
		return err
	}
	err := s.regions.UnsubscribeInteraction(token, ic, s.sender(ctx, channel.Message{
		Kind:    channel.KindUnsubscribeInteraction,
		Class:   ic,
		Regions: []channel.RegionData{{Token: token}},
	}))
	if err != nil {
		return err
	}
	s.metrics.RegionsLive.Set(float64(s.regions.Len()))
	return nil
}
