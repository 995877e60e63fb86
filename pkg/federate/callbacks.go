package federate

import (
	"fmt"

	"federate/pkg/channel"
	"federate/pkg/ddm"
	"federate/pkg/logicaltime"
	"federate/pkg/rtierr"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// dispatch applies one callback to the tables and then hands it to the
// ambassador. No session lock is held while the ambassador runs.
func (s *Session) dispatch(m channel.Message) error {
	if m.Kind == channel.KindJoinConfirmed {
		return s.onJoinConfirmed(m)
	}

	s.mu.RLock()
	joined, amb := s.joined, s.amb
	s.mu.RUnlock()
	if !joined {
		return fmt.Errorf("%s callback while not joined", m.Kind)
	}

	switch m.Kind {
	case channel.KindDiscoverObject:
		return s.onDiscover(amb, m)
	case channel.KindReflectAttributes:
		return s.onReflect(amb, m)
	case channel.KindRemoveObject:
		return s.onRemove(amb, m)
	case channel.KindReceiveInteraction:
		return s.onReceive(amb, m)

	case channel.KindTimeRegulationEnabled:
		t, err := s.decodeTime(m.Time)
		if err != nil {
			return err
		}
		if err := s.clock.OnTimeRegulationEnabled(t); err != nil {
			return err
		}
		amb.TimeRegulationEnabled(t)
	case channel.KindTimeConstrainedEnabled:
		t, err := s.decodeTime(m.Time)
		if err != nil {
			return err
		}
		if err := s.clock.OnTimeConstrainedEnabled(t); err != nil {
			return err
		}
		amb.TimeConstrainedEnabled(t)
	case channel.KindTimeAdvanceGrant:
		t, err := s.decodeTime(m.Time)
		if err != nil {
			return err
		}
		if err := s.clock.OnTimeAdvanceGrant(t); err != nil {
			return err
		}
		amb.TimeAdvanceGrant(t)
	case channel.KindLookaheadConfirmed:
		f, err := s.clock.Factory()
		if err != nil {
			return err
		}
		iv, err := f.DecodeInterval(m.Interval)
		if err != nil {
			return err
		}
		return s.clock.OnLookaheadConfirmed(iv)
	case channel.KindTimeBounds:
		galt, err := s.decodeOptionalTime(m.Time)
		if err != nil {
			return err
		}
		lits, err := s.decodeOptionalTime(m.Bound)
		if err != nil {
			return err
		}
		return s.clock.OnBoundsUpdate(galt, lits)

	case channel.KindRequestDivestitureConfirmation:
		obj, attrs, err := s.inboundObject(m)
		if err != nil {
			return err
		}
		subset, err := s.owners.OnRequestDivestitureConfirmation(obj, attrs)
		if err != nil {
			return err
		}
		if len(subset) > 0 {
			amb.RequestDivestitureConfirmation(obj, subset)
		}
	case channel.KindDivestitureNotification:
		obj, attrs, err := s.inboundObject(m)
		if err != nil {
			return err
		}
		if err := s.owners.OnDivestitureNotification(obj, attrs); err != nil {
			return err
		}
		amb.DivestitureNotification(obj, attrs)
	case channel.KindAcquisitionNotification:
		obj, attrs, err := s.inboundObject(m)
		if err != nil {
			return err
		}
		if err := s.owners.OnAcquisitionNotification(obj, attrs, m.Tag); err != nil {
			return err
		}
		amb.OwnershipAcquisitionNotification(obj, attrs, m.Tag)
	case channel.KindOwnershipUnavailable:
		obj, attrs, err := s.inboundObject(m)
		if err != nil {
			return err
		}
		if err := s.owners.OnOwnershipUnavailable(obj, attrs); err != nil {
			return err
		}
		amb.OwnershipUnavailable(obj, attrs)
	case channel.KindRequestOwnershipRelease:
		obj, attrs, err := s.inboundObject(m)
		if err != nil {
			return err
		}
		subset, err := s.owners.OnRequestOwnershipRelease(obj, attrs, m.Tag)
		if err != nil {
			return err
		}
		if len(subset) > 0 {
			amb.RequestOwnershipRelease(obj, subset, m.Tag)
		}

	case channel.KindInitiateFederateSave:
		return s.onInitiateSave(amb, m)
	case channel.KindFederationSaved:
		s.finishSave()
		amb.FederationSaved(m.Success, m.Reason)
	case channel.KindInitiateFederateRestore:
		return s.onInitiateRestore(amb, m)
	case channel.KindFederationRestored:
		s.finishRestore()
		amb.FederationRestored(m.Success, m.Reason)

	default:
		return fmt.Errorf("unhandled callback %s", m.Kind)
	}
	return nil
}

func (s *Session) onJoinConfirmed(m channel.Message) error {
	s.mu.Lock()
	if !s.joining {
		s.mu.Unlock()
		return fmt.Errorf("join confirmation without a pending join")
	}
	s.joining = false
	amb, federation := s.amb, s.federation

	reason := m.Reason
	if m.Success {
		f, err := logicaltime.FactoryFor(m.TimeImplementation)
		if err == nil {
			err = s.clock.Join(f)
		}
		if err == nil {
			s.joined = true
			s.handle = m.FederateHandle
			s.seq = 0
			s.mu.Unlock()

			s.logger.Info("Joined federation",
				zap.String("federation", federation),
				zap.Uint32("handle", uint32(m.FederateHandle)),
				zap.String("time_implementation", f.Name()))
			amb.FederationJoined(m.FederateHandle, f.Name())
			return nil
		}
		reason = err.Error()
		// The broker admitted us with a time implementation we cannot use.
		if sendErr := s.send(s.ctx, channel.Message{Kind: channel.KindResign}); sendErr != nil {
			s.logger.Warn("Failed to resign after unusable join", zap.Error(sendErr))
		}
	}
	s.mu.Unlock()

	s.logger.Warn("Join failed", zap.String("reason", reason))
	amb.JoinFailed(reason)
	return nil
}

func (s *Session) onDiscover(amb Ambassador, m channel.Message) error {
	if _, err := s.schema.ObjectClass(m.Class); err != nil {
		return err
	}
	// A restored registry keeps the local handle of a known federation id.
	obj := s.registry.Local(m.Object)
	if _, err := s.owners.Class(obj); err == nil {
		return fmt.Errorf("object %d discovered twice", m.Object)
	}
	if err := s.owners.DiscoverObject(obj, m.Class); err != nil {
		_ = s.registry.Forget(obj)
		return err
	}

	s.mu.Lock()
	s.names[obj] = m.Name
	s.mu.Unlock()

	amb.DiscoverObjectInstance(obj, m.Class, m.Name)
	return nil
}

func (s *Session) onReflect(amb Ambassador, m channel.Message) error {
	obj, err := s.knownObject(m.Object)
	if err != nil {
		return err
	}
	class, err := s.owners.Class(obj)
	if err != nil {
		return err
	}
	t, err := s.decodeOptionalTime(m.Time)
	if err != nil {
		return err
	}
	r := Reflection{
		Object: obj,
		Class:  class,
		Values: decodeValues(m.Values),
		Tag:    m.Tag,
		Time:   t,
	}
	return s.withRegions(m.Regions, func(regions []ddm.Region) error {
		r.Regions = regions
		amb.ReflectAttributeValues(r)
		return nil
	})
}

func (s *Session) onRemove(amb Ambassador, m channel.Message) error {
	obj, err := s.knownObject(m.Object)
	if err != nil {
		return err
	}
	s.forgetObject(obj)
	amb.RemoveObjectInstance(obj, m.Tag)
	return nil
}

func (s *Session) onReceive(amb Ambassador, m channel.Message) error {
	if _, err := s.schema.InteractionClass(m.Class); err != nil {
		return err
	}
	t, err := s.decodeOptionalTime(m.Time)
	if err != nil {
		return err
	}
	i := Interaction{
		Class:      m.Class,
		Parameters: decodeValues(m.Values),
		Tag:        m.Tag,
		Time:       t,
	}
	return s.withRegions(m.Regions, func(regions []ddm.Region) error {
		i.Regions = regions
		amb.ReceiveInteraction(i)
		return nil
	})
}

// withRegions builds one temporary region per entry of data, nested so that
// all of them exist while fn runs.
func (s *Session) withRegions(data []channel.RegionData, fn func([]ddm.Region) error) error {
	regions := make([]ddm.Region, 0, len(data))
	var nest func(i int) error
	nest = func(i int) error {
		if i == len(data) {
			return fn(regions)
		}
		return s.regions.WithTemporaryRegion(data[i].RoutingSpace, data[i].Extents, func(r ddm.Region) error {
			regions = append(regions, r)
			return nest(i + 1)
		})
	}
	return nest(0)
}

func (s *Session) knownObject(fed types.FederationID) (types.ObjectInstanceHandle, error) {
	obj, ok := s.registry.Lookup(fed)
	if !ok {
		return 0, rtierr.New(rtierr.NotKnown, "federate.callback", "federation object %d", fed)
	}
	return obj, nil
}

func (s *Session) inboundObject(m channel.Message) (types.ObjectInstanceHandle, types.AttributeSet, error) {
	obj, err := s.knownObject(m.Object)
	if err != nil {
		return 0, nil, err
	}
	return obj, types.AttributeSet(m.Attributes), nil
}

func (s *Session) decodeTime(b []byte) (logicaltime.Time, error) {
	f, err := s.clock.Factory()
	if err != nil {
		return nil, err
	}
	return f.DecodeTime(b)
}

// decodeOptionalTime maps an absent time to nil.
func (s *Session) decodeOptionalTime(b []byte) (logicaltime.Time, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return s.decodeTime(b)
}
