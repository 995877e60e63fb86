package federate

import (
	"context"
	"fmt"
	"sort"

	"federate/pkg/channel"
	"federate/pkg/logicaltime"
	"federate/pkg/rtierr"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// RegisterObjectInstance creates an object of class owned by this federate.
// Every published attribute of class starts Owned. An empty name is replaced
// by one derived from the federation id.
func (s *Session) RegisterObjectInstance(ctx context.Context, class types.ObjectClassHandle, name string) (types.ObjectInstanceHandle, error) {
	const op = "federate.RegisterObjectInstance"
	if err := s.check(op, true); err != nil {
		return 0, err
	}
	if _, err := s.schema.ObjectClass(class); err != nil {
		return 0, err
	}
	if !s.decls.classPublished(class) {
		return 0, rtierr.New(rtierr.ObjectClassNotPublished, op, "object class %d", class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fed := types.FederationID(uint64(s.handle)<<32 | uint64(s.seq+1))
	if name == "" {
		name = fmt.Sprintf("HLAobject_%d", fed)
	}
	for _, n := range s.names {
		if n == name {
			return 0, rtierr.New(rtierr.NotDefined, op, "object name %q already in use", name)
		}
	}

	err := s.send(ctx, channel.Message{
		Kind:   channel.KindRegisterObject,
		Class:  class,
		Object: fed,
		Name:   name,
	})
	if err != nil {
		return 0, rtierr.Internal(op, err)
	}
	s.seq++

	local := s.registry.Local(fed)
	if err := s.owners.RegisterObject(local, class); err != nil {
		_ = s.registry.Forget(local)
		return 0, err
	}
	s.names[local] = name

	s.logger.Debug("Object registered",
		zap.Uint64("object", uint64(local)),
		zap.Uint64("federation_id", uint64(fed)),
		zap.String("name", name))
	return local, nil
}

// UpdateAttributeValues sends new values for attributes this federate owns.
// A nil t sends a receive-order update. Timestamped updates from a regulating
// federate must not precede its current (or requested) time plus lookahead.
func (s *Session) UpdateAttributeValues(ctx context.Context, obj types.ObjectInstanceHandle, values types.AttributeValues, tag types.UserTag, t logicaltime.Time) error {
	const op = "federate.UpdateAttributeValues"
	if err := s.check(op, true); err != nil {
		return err
	}
	attrs := values.Handles()
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	if err := s.owners.CheckOwned(obj, attrs); err != nil {
		return err
	}
	fed, err := s.registry.Federation(obj)
	if err != nil {
		return err
	}

	m := channel.Message{
		Kind:   channel.KindUpdateAttributes,
		Object: fed,
		Values: encodeValues(values),
		Tag:    tag,
	}
	if t != nil {
		if err := s.checkSendTime(op, t); err != nil {
			return err
		}
		m.Time = t.Encode()
	}
	m.Regions, err = s.updateRegions(obj, attrs)
	if err != nil {
		return err
	}

	if err := s.send(ctx, m); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}

// updateRegions collects the regions associated with any of attrs on obj.
func (s *Session) updateRegions(obj types.ObjectInstanceHandle, attrs types.AttributeSet) ([]channel.RegionData, error) {
	seen := make(map[types.RegionToken]bool)
	var out []channel.RegionData
	for _, a := range attrs {
		for _, token := range s.regions.UpdateRegions(obj, a) {
			if seen[token] {
				continue
			}
			seen[token] = true
			r, err := s.regions.Region(token)
			if err != nil {
				return nil, err
			}
			out = append(out, regionData(r))
		}
	}
	return out, nil
}

// SendInteraction sends an interaction with no region.
func (s *Session) SendInteraction(ctx context.Context, ic types.InteractionClassHandle, params types.ParameterValues, tag types.UserTag, t logicaltime.Time) error {
	return s.SendInteractionWithRegions(ctx, ic, params, nil, tag, t)
}

// SendInteractionWithRegions sends an interaction scoped to regions, all of
// which must be in the routing space of ic.
func (s *Session) SendInteractionWithRegions(ctx context.Context, ic types.InteractionClassHandle, params types.ParameterValues, regions []types.RegionToken, tag types.UserTag, t logicaltime.Time) error {
	const op = "federate.SendInteraction"
	if err := s.check(op, true); err != nil {
		return err
	}
	if err := s.schema.CheckParameters(ic, params); err != nil {
		return err
	}
	if !s.decls.interactionPublished(ic) {
		return rtierr.New(rtierr.InteractionClassNotPublished, op, "interaction class %d", ic)
	}

	m := channel.Message{
		Kind:   channel.KindSendInteraction,
		Class:  ic,
		Values: encodeValues(params),
		Tag:    tag,
	}
	if len(regions) > 0 {
		space, err := s.schema.InteractionRoutingSpace(ic)
		if err != nil {
			return err
		}
		for _, token := range regions {
			r, err := s.regions.Region(token)
			if err != nil {
				return err
			}
			if space == 0 || r.RoutingSpace != space {
				return rtierr.New(rtierr.InvalidRegionContext, op,
					"region %d is in routing space %d, interaction class %d uses %d", token, r.RoutingSpace, ic, space)
			}
			m.Regions = append(m.Regions, regionData(r))
		}
	}
	if t != nil {
		if err := s.checkSendTime(op, t); err != nil {
			return err
		}
		m.Time = t.Encode()
	}

	if err := s.send(ctx, m); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}

// DeleteObjectInstance removes an object. The privilege-to-delete attribute
// must be owned.
func (s *Session) DeleteObjectInstance(ctx context.Context, obj types.ObjectInstanceHandle, tag types.UserTag) error {
	const op = "federate.DeleteObjectInstance"
	if err := s.check(op, true); err != nil {
		return err
	}
	if err := s.owners.CheckDeletePrivilege(obj); err != nil {
		return err
	}
	fed, err := s.registry.Federation(obj)
	if err != nil {
		return err
	}
	if err := s.send(ctx, channel.Message{Kind: channel.KindDeleteObject, Object: fed, Tag: tag}); err != nil {
		return rtierr.Internal(op, err)
	}
	s.forgetObject(obj)
	return nil
}

func (s *Session) forgetObject(obj types.ObjectInstanceHandle) {
	if err := s.owners.RemoveObject(obj); err != nil {
		s.logger.Debug("Object missing from ownership table", zap.Uint64("object", uint64(obj)), zap.Error(err))
	}
	s.regions.ForgetObject(obj)
	_ = s.registry.Forget(obj)

	s.mu.Lock()
	delete(s.names, obj)
	s.mu.Unlock()
}

// checkSendTime enforces the lookahead rule for timestamped sends.
func (s *Session) checkSendTime(op string, t logicaltime.Time) error {
	if !s.clock.IsRegulating() {
		return nil
	}
	base, err := s.clock.QueryLogicalTime()
	if err != nil {
		return err
	}
	if adv, ok := s.clock.Outstanding(); ok {
		base = adv.Time
	}
	lookahead, err := s.clock.QueryLookahead()
	if err != nil {
		return err
	}
	bound, err := base.Add(lookahead)
	if err != nil {
		return rtierr.Wrap(rtierr.InvalidLogicalTime, op, err)
	}
	c, err := logicaltime.Compare(t, bound)
	if err != nil {
		return rtierr.Wrap(rtierr.InvalidLogicalTime, op, err)
	}
	if c < 0 {
		return rtierr.New(rtierr.InvalidLogicalTime, op, "time %s precedes current time plus lookahead %s", t, bound)
	}
	return nil
}
