package federate

import (
	"federate/pkg/ddm"
	"federate/pkg/logicaltime"
	"federate/pkg/types"
)

// Reflection is an inbound attribute update with local handles.
type Reflection struct {
	Object types.ObjectInstanceHandle
	Class  types.ObjectClassHandle
	Values types.AttributeValues
	Tag    types.UserTag
	Time   logicaltime.Time // nil for receive-order updates
	// Regions are temporary and valid only during the callback.
	Regions []ddm.Region
}

// Interaction is an inbound interaction with local handles.
type Interaction struct {
	Class      types.InteractionClassHandle
	Parameters types.ParameterValues
	Tag        types.UserTag
	Time       logicaltime.Time
	Regions    []ddm.Region
}

// Ambassador receives callbacks from the session. Methods run on the
// delivering goroutine one at a time and may call back into the session,
// except for Evoke.
type Ambassador interface {
	FederationJoined(handle types.FederateHandle, timeImplementation string)
	JoinFailed(reason string)

	DiscoverObjectInstance(obj types.ObjectInstanceHandle, class types.ObjectClassHandle, name string)
	ReflectAttributeValues(r Reflection)
	RemoveObjectInstance(obj types.ObjectInstanceHandle, tag types.UserTag)
	ReceiveInteraction(i Interaction)

	TimeRegulationEnabled(t logicaltime.Time)
	TimeConstrainedEnabled(t logicaltime.Time)
	TimeAdvanceGrant(t logicaltime.Time)

	RequestDivestitureConfirmation(obj types.ObjectInstanceHandle, attrs types.AttributeSet)
	DivestitureNotification(obj types.ObjectInstanceHandle, attrs types.AttributeSet)
	OwnershipAcquisitionNotification(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag)
	OwnershipUnavailable(obj types.ObjectInstanceHandle, attrs types.AttributeSet)
	RequestOwnershipRelease(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag)

	InitiateFederateSave(label string)
	FederationSaved(success bool, reason string)
	InitiateFederateRestore(label string, handle types.FederateHandle)
	FederationRestored(success bool, reason string)
}

// NopAmbassador ignores every callback. Embed it to implement a subset.
type NopAmbassador struct{}

func (NopAmbassador) FederationJoined(types.FederateHandle, string)                   {}
func (NopAmbassador) JoinFailed(string)                                               {}
func (NopAmbassador) DiscoverObjectInstance(types.Handle, types.Handle, string)       {}
func (NopAmbassador) ReflectAttributeValues(Reflection)                               {}
func (NopAmbassador) RemoveObjectInstance(types.Handle, types.UserTag)                {}
func (NopAmbassador) ReceiveInteraction(Interaction)                                  {}
func (NopAmbassador) TimeRegulationEnabled(logicaltime.Time)                          {}
func (NopAmbassador) TimeConstrainedEnabled(logicaltime.Time)                         {}
func (NopAmbassador) TimeAdvanceGrant(logicaltime.Time)                               {}
func (NopAmbassador) RequestDivestitureConfirmation(types.Handle, types.AttributeSet) {}
func (NopAmbassador) DivestitureNotification(types.Handle, types.AttributeSet)        {}
func (NopAmbassador) OwnershipUnavailable(types.Handle, types.AttributeSet)           {}
func (NopAmbassador) InitiateFederateSave(string)                                     {}
func (NopAmbassador) FederationSaved(bool, string)                                    {}
func (NopAmbassador) InitiateFederateRestore(string, types.FederateHandle)            {}
func (NopAmbassador) FederationRestored(bool, string)                                 {}

func (NopAmbassador) OwnershipAcquisitionNotification(types.Handle, types.AttributeSet, types.UserTag) {}
func (NopAmbassador) RequestOwnershipRelease(types.Handle, types.AttributeSet, types.UserTag)          {}
