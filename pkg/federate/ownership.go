package federate

import (
	"context"

	"federate/pkg/channel"
	"federate/pkg/types"
)

func (s *Session) ownershipMessage(kind channel.Kind, obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) (channel.Message, error) {
	fed, err := s.federationID(obj)
	if err != nil {
		return channel.Message{}, err
	}
	return channel.Message{Kind: kind, Object: fed, Attributes: attrs, Tag: tag}, nil
}

// UnconditionalAttributeOwnershipDivestiture releases attrs immediately.
func (s *Session) UnconditionalAttributeOwnershipDivestiture(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.UnconditionalAttributeOwnershipDivestiture", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindUnconditionalDivestiture, obj, attrs, nil)
	if err != nil {
		return err
	}
	return s.owners.UnconditionalDivestiture(obj, attrs, s.sender(ctx, m))
}

// NegotiatedAttributeOwnershipDivestiture offers attrs to other federates
// while keeping them until a taker is found.
func (s *Session) NegotiatedAttributeOwnershipDivestiture(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) error {
	if err := s.check("federate.NegotiatedAttributeOwnershipDivestiture", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindNegotiatedDivestiture, obj, attrs, tag)
	if err != nil {
		return err
	}
	return s.owners.NegotiatedDivestiture(obj, attrs, tag, s.sender(ctx, m))
}

// ConfirmDivestiture completes a negotiated divestiture the broker asked to confirm.
func (s *Session) ConfirmDivestiture(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) error {
	if err := s.check("federate.ConfirmDivestiture", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindConfirmDivestiture, obj, attrs, tag)
	if err != nil {
		return err
	}
	return s.owners.ConfirmDivestiture(obj, attrs, tag, s.sender(ctx, m))
}

func (s *Session) CancelNegotiatedAttributeOwnershipDivestiture(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.CancelNegotiatedAttributeOwnershipDivestiture", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindCancelNegotiatedDivestiture, obj, attrs, nil)
	if err != nil {
		return err
	}
	return s.owners.CancelNegotiatedDivestiture(obj, attrs, s.sender(ctx, m))
}

// AttributeOwnershipAcquisition asks current owners to release attrs.
func (s *Session) AttributeOwnershipAcquisition(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) error {
	if err := s.check("federate.AttributeOwnershipAcquisition", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindAcquisition, obj, attrs, tag)
	if err != nil {
		return err
	}
	return s.owners.Acquisition(obj, attrs, tag, s.sender(ctx, m))
}

// AttributeOwnershipAcquisitionIfAvailable takes attrs only if nobody owns them.
func (s *Session) AttributeOwnershipAcquisitionIfAvailable(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.AttributeOwnershipAcquisitionIfAvailable", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindAcquisitionIfAvailable, obj, attrs, nil)
	if err != nil {
		return err
	}
	return s.owners.AcquisitionIfAvailable(obj, attrs, s.sender(ctx, m))
}

func (s *Session) CancelAttributeOwnershipAcquisition(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.CancelAttributeOwnershipAcquisition", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindCancelAcquisition, obj, attrs, nil)
	if err != nil {
		return err
	}
	return s.owners.CancelAcquisition(obj, attrs, s.sender(ctx, m))
}

// AttributeOwnershipDivestitureIfWanted answers a release request. It
// releases the requested subset of attrs and returns what was released.
func (s *Session) AttributeOwnershipDivestitureIfWanted(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) (types.AttributeSet, error) {
	if err := s.check("federate.AttributeOwnershipDivestitureIfWanted", true); err != nil {
		return nil, err
	}
	m, err := s.ownershipMessage(channel.KindDivestitureIfWanted, obj, attrs, nil)
	if err != nil {
		return nil, err
	}
	return s.owners.DivestitureIfWanted(obj, attrs, s.sender(ctx, m))
}

// AttributeOwnershipReleaseDenied refuses a release request for attrs.
func (s *Session) AttributeOwnershipReleaseDenied(ctx context.Context, obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	if err := s.check("federate.AttributeOwnershipReleaseDenied", true); err != nil {
		return err
	}
	m, err := s.ownershipMessage(channel.KindReleaseDenied, obj, attrs, nil)
	if err != nil {
		return err
	}
	return s.owners.ReleaseDenied(obj, attrs, s.sender(ctx, m))
}

// QueryAttributeOwnership returns the local ownership state of one attribute.
func (s *Session) QueryAttributeOwnership(obj types.ObjectInstanceHandle, attr types.AttributeHandle) (types.OwnershipState, error) {
	if err := s.check("federate.QueryAttributeOwnership", false); err != nil {
		return types.Unowned, err
	}
	return s.owners.Query(obj, attr)
}

func (s *Session) IsAttributeOwnedByFederate(obj types.ObjectInstanceHandle, attr types.AttributeHandle) (bool, error) {
	if err := s.check("federate.IsAttributeOwnedByFederate", false); err != nil {
		return false, err
	}
	return s.owners.IsOwned(obj, attr)
}
