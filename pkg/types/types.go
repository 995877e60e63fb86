package types

import "fmt"

// Handle is the opaque local identifier used throughout the federate core.
// Zero is never allocated and means "no handle".
type Handle uint64

// FederationID is the federation-wide identifier the broker uses on the wire.
type FederationID uint64

// FederateHandle identifies one joined federate within a federation.
type FederateHandle uint32

// Handle namespaces. Each domain has its own counter, so a Handle is only
// meaningful together with its domain.
type HandleDomain int

const (
	DomainObjectInstance HandleDomain = iota
	DomainRegion
	DomainObjectClass
	DomainAttribute
	DomainInteractionClass
	DomainParameter
	DomainRoutingSpace
	DomainDimension
)

func (d HandleDomain) String() string {
	switch d {
	case DomainObjectInstance:
		return "object-instance"
	case DomainRegion:
		return "region"
	case DomainObjectClass:
		return "object-class"
	case DomainAttribute:
		return "attribute"
	case DomainInteractionClass:
		return "interaction-class"
	case DomainParameter:
		return "parameter"
	case DomainRoutingSpace:
		return "routing-space"
	case DomainDimension:
		return "dimension"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Object model handles. They alias Handle so that schema lookups stay typed
// without a second identifier system.
type (
	ObjectClassHandle      = Handle
	AttributeHandle        = Handle
	InteractionClassHandle = Handle
	ParameterHandle        = Handle
	RoutingSpaceHandle     = Handle
	DimensionHandle        = Handle
	ObjectInstanceHandle   = Handle
	RegionToken            = Handle
)

// AttributeSet is an ordered set of attribute handles as supplied by the
// application. Order is kept for deterministic request encoding.
type AttributeSet []AttributeHandle

// Contains reports whether h is in the set.
func (s AttributeSet) Contains(h AttributeHandle) bool {
	for _, a := range s {
		if a == h {
			return true
		}
	}
	return false
}

// Dedup returns the set without repeated handles, first occurrence wins.
func (s AttributeSet) Dedup() AttributeSet {
	seen := make(map[AttributeHandle]struct{}, len(s))
	out := make(AttributeSet, 0, len(s))
	for _, a := range s {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// AttributeValues maps attribute handles to encoded values for one update.
type AttributeValues map[AttributeHandle][]byte

// Handles returns the attribute handles of the update.
func (v AttributeValues) Handles() AttributeSet {
	out := make(AttributeSet, 0, len(v))
	for h := range v {
		out = append(out, h)
	}
	return out
}

// ParameterValues maps parameter handles to encoded values for one interaction.
type ParameterValues map[ParameterHandle][]byte

// UserTag is the opaque application tag carried by updates, interactions and
// ownership requests.
type UserTag []byte

// OwnershipState is the state of one attribute instance as seen by this federate.
type OwnershipState int

const (
	Unowned OwnershipState = iota
	Owned
	DivestiturePending
	AcquisitionPending
)

func (s OwnershipState) String() string {
	switch s {
	case Unowned:
		return "Unowned"
	case Owned:
		return "Owned"
	case DivestiturePending:
		return "DivestiturePending"
	case AcquisitionPending:
		return "AcquisitionPending"
	default:
		return fmt.Sprintf("OwnershipState(%d)", int(s))
	}
}

// TimeState is the phase of the time advance state machine.
type TimeState int

const (
	TimeIdle TimeState = iota
	TimeRegulationPending
	TimeConstrainedPending
	TimeAdvanceRequested
	TimeGranted
)

func (s TimeState) String() string {
	switch s {
	case TimeIdle:
		return "Idle"
	case TimeRegulationPending:
		return "RegulationPending"
	case TimeConstrainedPending:
		return "ConstrainedPending"
	case TimeAdvanceRequested:
		return "AdvanceRequested"
	case TimeGranted:
		return "Granted"
	default:
		return fmt.Sprintf("TimeState(%d)", int(s))
	}
}

// AdvanceKind distinguishes the advance-request variants.
type AdvanceKind int

const (
	AdvanceTimeRequest AdvanceKind = iota
	AdvanceTimeRequestAvailable
	AdvanceNextMessageRequest
	AdvanceNextMessageRequestAvailable
	AdvanceFlushQueueRequest
)

// TimeStepped reports whether the request must be granted exactly at its time.
func (k AdvanceKind) TimeStepped() bool {
	return k == AdvanceTimeRequest || k == AdvanceTimeRequestAvailable
}

func (k AdvanceKind) String() string {
	switch k {
	case AdvanceTimeRequest:
		return "TimeAdvanceRequest"
	case AdvanceTimeRequestAvailable:
		return "TimeAdvanceRequestAvailable"
	case AdvanceNextMessageRequest:
		return "NextMessageRequest"
	case AdvanceNextMessageRequestAvailable:
		return "NextMessageRequestAvailable"
	case AdvanceFlushQueueRequest:
		return "FlushQueueRequest"
	default:
		return fmt.Sprintf("AdvanceKind(%d)", int(k))
	}
}
