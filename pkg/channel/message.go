// Package channel carries requests from a federate to its broker and
// callbacks back, in order, over one bidirectional connection.
package channel

import (
	"encoding/binary"
	"fmt"

	"federate/pkg/ddm"
	"federate/pkg/rtierr"
	"federate/pkg/types"
	"federate/pkg/wire"
)

// Kind identifies a message. Requests flow federate to broker; callbacks
// flow broker to federate.
type Kind uint16

// Requests.
const (
	KindJoin Kind = iota + 1
	KindResign

	KindPublishObjectClass
	KindUnpublishObjectClass
	KindPublishInteraction
	KindUnpublishInteraction
	KindSubscribeObjectClass
	KindUnsubscribeObjectClass
	KindSubscribeInteraction
	KindUnsubscribeInteraction

	KindRegisterObject
	KindUpdateAttributes
	KindSendInteraction
	KindDeleteObject

	KindUnconditionalDivestiture
	KindNegotiatedDivestiture
	KindConfirmDivestiture
	KindCancelNegotiatedDivestiture
	KindAcquisition
	KindAcquisitionIfAvailable
	KindCancelAcquisition
	KindDivestitureIfWanted
	KindReleaseDenied

	KindEnableTimeRegulation
	KindDisableTimeRegulation
	KindEnableTimeConstrained
	KindDisableTimeConstrained
	KindEnableAsynchronousDelivery
	KindDisableAsynchronousDelivery
	KindTimeAdvanceRequest
	KindModifyLookahead
	KindCancelLookahead

	KindCreateRegion
	KindCommitRegions
	KindDeleteRegion
	KindAssociateRegions
	KindUnassociateRegions

	KindRequestFederationSave
	KindFederateSaveComplete
	KindFederateSaveNotComplete
	KindRequestFederationRestore
	KindFederateRestoreComplete
	KindFederateRestoreNotComplete
)

// Callbacks.
const (
	KindJoinConfirmed Kind = iota + 100

	KindDiscoverObject
	KindReflectAttributes
	KindRemoveObject
	KindReceiveInteraction

	KindTimeRegulationEnabled
	KindTimeConstrainedEnabled
	KindTimeAdvanceGrant
	KindLookaheadConfirmed
	KindTimeBounds

	KindRequestDivestitureConfirmation
	KindDivestitureNotification
	KindAcquisitionNotification
	KindOwnershipUnavailable
	KindRequestOwnershipRelease

	KindInitiateFederateSave
	KindFederationSaved
	KindInitiateFederateRestore
	KindFederationRestored
)

var kindNames = map[Kind]string{
	KindJoin:                        "Join",
	KindResign:                      "Resign",
	KindPublishObjectClass:          "PublishObjectClass",
	KindUnpublishObjectClass:        "UnpublishObjectClass",
	KindPublishInteraction:          "PublishInteraction",
	KindUnpublishInteraction:        "UnpublishInteraction",
	KindSubscribeObjectClass:        "SubscribeObjectClass",
	KindUnsubscribeObjectClass:      "UnsubscribeObjectClass",
	KindSubscribeInteraction:        "SubscribeInteraction",
	KindUnsubscribeInteraction:      "UnsubscribeInteraction",
	KindRegisterObject:              "RegisterObject",
	KindUpdateAttributes:            "UpdateAttributes",
	KindSendInteraction:             "SendInteraction",
	KindDeleteObject:                "DeleteObject",
	KindUnconditionalDivestiture:    "UnconditionalDivestiture",
	KindNegotiatedDivestiture:       "NegotiatedDivestiture",
	KindConfirmDivestiture:          "ConfirmDivestiture",
	KindCancelNegotiatedDivestiture: "CancelNegotiatedDivestiture",
	KindAcquisition:                 "Acquisition",
	KindAcquisitionIfAvailable:      "AcquisitionIfAvailable",
	KindCancelAcquisition:           "CancelAcquisition",
	KindDivestitureIfWanted:         "DivestitureIfWanted",
	KindReleaseDenied:               "ReleaseDenied",
	KindEnableTimeRegulation:        "EnableTimeRegulation",
	KindDisableTimeRegulation:       "DisableTimeRegulation",
	KindEnableTimeConstrained:       "EnableTimeConstrained",
	KindDisableTimeConstrained:      "DisableTimeConstrained",
	KindEnableAsynchronousDelivery:  "EnableAsynchronousDelivery",
	KindDisableAsynchronousDelivery: "DisableAsynchronousDelivery",
	KindTimeAdvanceRequest:          "TimeAdvanceRequest",
	KindModifyLookahead:             "ModifyLookahead",
	KindCancelLookahead:             "CancelLookahead",
	KindCreateRegion:                "CreateRegion",
	KindCommitRegions:               "CommitRegions",
	KindDeleteRegion:                "DeleteRegion",
	KindAssociateRegions:            "AssociateRegions",
	KindUnassociateRegions:          "UnassociateRegions",
	KindRequestFederationSave:       "RequestFederationSave",
	KindFederateSaveComplete:        "FederateSaveComplete",
	KindFederateSaveNotComplete:     "FederateSaveNotComplete",
	KindRequestFederationRestore:    "RequestFederationRestore",
	KindFederateRestoreComplete:     "FederateRestoreComplete",
	KindFederateRestoreNotComplete:  "FederateRestoreNotComplete",

	KindJoinConfirmed:                  "JoinConfirmed",
	KindDiscoverObject:                 "DiscoverObject",
	KindReflectAttributes:              "ReflectAttributes",
	KindRemoveObject:                   "RemoveObject",
	KindReceiveInteraction:             "ReceiveInteraction",
	KindTimeRegulationEnabled:          "TimeRegulationEnabled",
	KindTimeConstrainedEnabled:         "TimeConstrainedEnabled",
	KindTimeAdvanceGrant:               "TimeAdvanceGrant",
	KindLookaheadConfirmed:             "LookaheadConfirmed",
	KindTimeBounds:                     "TimeBounds",
	KindRequestDivestitureConfirmation: "RequestDivestitureConfirmation",
	KindDivestitureNotification:        "DivestitureNotification",
	KindAcquisitionNotification:        "AcquisitionNotification",
	KindOwnershipUnavailable:           "OwnershipUnavailable",
	KindRequestOwnershipRelease:        "RequestOwnershipRelease",
	KindInitiateFederateSave:           "InitiateFederateSave",
	KindFederationSaved:                "FederationSaved",
	KindInitiateFederateRestore:        "InitiateFederateRestore",
	KindFederationRestored:             "FederationRestored",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// IsCallback reports whether k flows from the broker to the federate.
func (k Kind) IsCallback() bool { return k >= KindJoinConfirmed }

// Value is one attribute or parameter value.
type Value struct {
	Handle types.Handle
	Data   []byte
}

// RegionData describes a region on the wire. Token is the sender's region
// token and is zero for callback regions that only carry bounds.
type RegionData struct {
	Token        types.RegionToken
	RoutingSpace types.RoutingSpaceHandle
	Extents      [][]ddm.RangeBound
}

// Message is one request or callback. Fields a kind does not use are left
// zero and are not encoded.
type Message struct {
	Kind Kind

	Federation         string
	Federate           string
	FederateType       string
	FederateHandle     types.FederateHandle
	TimeImplementation string

	Class      types.Handle
	Object     types.FederationID
	Name       string
	Attributes []types.Handle
	Values     []Value
	Tag        types.UserTag
	Regions    []RegionData

	// Time is an encoded logical time; for TimeBounds it holds GALT and
	// Bound holds LITS. Interval is an encoded lookahead.
	Time     []byte
	Bound    []byte
	Interval []byte
	Mode     uint8

	Label   string
	Success bool
	Reason  string
}

// Record ids.
const (
	fKind uint16 = iota + 1
	fFederation
	fFederate
	fFederateType
	fFederateHandle
	fTimeImplementation
	fClass
	fObject
	fName
	fAttribute
	fValueHandle
	fValueData
	fTag
	fRegion
	fTime
	fBound
	fInterval
	fMode
	fLabel
	fSuccess
	fReason
)

// Region sub-stream ids.
const (
	rToken uint16 = iota + 1
	rSpace
	rExtentCount
	rDimCount
	rLower
	rUpper
)

// Marshal encodes m as a record stream. Records are emitted in a fixed
// order; value handles and data alternate.
func (m Message) Marshal() []byte {
	var w wire.Writer
	w.U16(fKind, uint16(m.Kind))
	putString(&w, fFederation, m.Federation)
	putString(&w, fFederate, m.Federate)
	putString(&w, fFederateType, m.FederateType)
	if m.FederateHandle != 0 {
		w.U32(fFederateHandle, uint32(m.FederateHandle))
	}
	putString(&w, fTimeImplementation, m.TimeImplementation)
	if m.Class != 0 {
		w.U64(fClass, uint64(m.Class))
	}
	if m.Object != 0 {
		w.U64(fObject, uint64(m.Object))
	}
	putString(&w, fName, m.Name)
	for _, h := range m.Attributes {
		w.U64(fAttribute, uint64(h))
	}
	for _, v := range m.Values {
		w.U64(fValueHandle, uint64(v.Handle))
		w.Blob(fValueData, v.Data)
	}
	if m.Tag != nil {
		w.Blob(fTag, m.Tag)
	}
	for _, r := range m.Regions {
		w.Blob(fRegion, marshalRegion(r))
	}
	if m.Time != nil {
		w.Blob(fTime, m.Time)
	}
	if m.Bound != nil {
		w.Blob(fBound, m.Bound)
	}
	if m.Interval != nil {
		w.Blob(fInterval, m.Interval)
	}
	if m.Mode != 0 {
		w.Record(wire.Record{ID: fMode, Type: wire.TypeU8, Value: []byte{m.Mode}})
	}
	putString(&w, fLabel, m.Label)
	if m.Success {
		w.Bool(fSuccess, true)
	}
	putString(&w, fReason, m.Reason)
	return w.Bytes()
}

// Unmarshal decodes a record stream produced by Marshal. Unknown record ids
// are skipped.
func Unmarshal(b []byte) (Message, error) {
	const op = "channel.Unmarshal"

	recs, err := wire.DecodeRecords(b)
	if err != nil {
		return Message{}, rtierr.Wrap(rtierr.CouldNotDecode, op, err)
	}
	if len(recs) == 0 || recs[0].ID != fKind {
		return Message{}, rtierr.New(rtierr.CouldNotDecode, op, "message does not start with a kind")
	}

	var m Message
	var pending *types.Handle
	for _, rec := range recs {
		d := decoder{rec: rec}
		switch rec.ID {
		case fKind:
			m.Kind = Kind(d.u16())
		case fFederation:
			m.Federation = d.str()
		case fFederate:
			m.Federate = d.str()
		case fFederateType:
			m.FederateType = d.str()
		case fFederateHandle:
			m.FederateHandle = types.FederateHandle(d.u32())
		case fTimeImplementation:
			m.TimeImplementation = d.str()
		case fClass:
			m.Class = types.Handle(d.u64())
		case fObject:
			m.Object = types.FederationID(d.u64())
		case fName:
			m.Name = d.str()
		case fAttribute:
			m.Attributes = append(m.Attributes, types.Handle(d.u64()))
		case fValueHandle:
			if pending != nil {
				return Message{}, rtierr.New(rtierr.CouldNotDecode, op, "value handle %d has no data", *pending)
			}
			h := types.Handle(d.u64())
			pending = &h
		case fValueData:
			if pending == nil {
				return Message{}, rtierr.New(rtierr.CouldNotDecode, op, "value data without a handle")
			}
			m.Values = append(m.Values, Value{Handle: *pending, Data: d.blob()})
			pending = nil
		case fTag:
			m.Tag = d.blob()
		case fRegion:
			r, err := unmarshalRegion(d.blob())
			if err != nil {
				return Message{}, rtierr.Wrap(rtierr.CouldNotDecode, op, err)
			}
			m.Regions = append(m.Regions, r)
		case fTime:
			m.Time = d.blob()
		case fBound:
			m.Bound = d.blob()
		case fInterval:
			m.Interval = d.blob()
		case fMode:
			m.Mode = d.u8()
		case fLabel:
			m.Label = d.str()
		case fSuccess:
			m.Success = d.boolean()
		case fReason:
			m.Reason = d.str()
		}
		if d.err != nil {
			return Message{}, rtierr.Wrap(rtierr.CouldNotDecode, op, d.err)
		}
	}
	if pending != nil {
		return Message{}, rtierr.New(rtierr.CouldNotDecode, op, "value handle %d has no data", *pending)
	}
	return m, nil
}

func putString(w *wire.Writer, id uint16, s string) {
	if s != "" {
		w.String(id, s)
	}
}

func marshalRegion(r RegionData) []byte {
	var w wire.Writer
	w.U64(rToken, uint64(r.Token))
	w.U64(rSpace, uint64(r.RoutingSpace))
	w.U64(rExtentCount, uint64(len(r.Extents)))
	for _, bounds := range r.Extents {
		w.U64(rDimCount, uint64(len(bounds)))
		for _, b := range bounds {
			w.U64(rLower, b.Lower)
			w.U64(rUpper, b.Upper)
		}
	}
	return w.Bytes()
}

const u64Len = wire.HeaderLen + 8

func unmarshalRegion(b []byte) (RegionData, error) {
	r := wire.NewReader(b)
	out := RegionData{
		Token:        types.RegionToken(r.U64(rToken)),
		RoutingSpace: types.RoutingSpaceHandle(r.U64(rSpace)),
	}
	n := r.Count(rExtentCount, u64Len)
	for i := 0; i < n && r.Err() == nil; i++ {
		dims := r.Count(rDimCount, 2*u64Len)
		bounds := make([]ddm.RangeBound, 0, dims)
		for j := 0; j < dims && r.Err() == nil; j++ {
			lower := r.U64(rLower)
			upper := r.U64(rUpper)
			bounds = append(bounds, ddm.RangeBound{Lower: lower, Upper: upper})
		}
		out.Extents = append(out.Extents, bounds)
	}
	if err := r.Err(); err != nil {
		return RegionData{}, fmt.Errorf("region: %w", err)
	}
	if r.Remaining() != 0 {
		return RegionData{}, fmt.Errorf("region: %d trailing bytes", r.Remaining())
	}
	return out, nil
}

// decoder reads a single record's value, keeping the first width error.
type decoder struct {
	rec wire.Record
	err error
}

func (d *decoder) fixed(typ uint8, width int) []byte {
	if d.rec.Type != typ || len(d.rec.Value) != width {
		d.err = fmt.Errorf("record %d: want type %d width %d, got type %d width %d",
			d.rec.ID, typ, width, d.rec.Type, len(d.rec.Value))
		return make([]byte, width)
	}
	return d.rec.Value
}

func (d *decoder) u8() uint8 { return d.fixed(wire.TypeU8, 1)[0] }

func (d *decoder) u16() uint16 { return binary.BigEndian.Uint16(d.fixed(wire.TypeU16, 2)) }
func (d *decoder) u32() uint32 { return binary.BigEndian.Uint32(d.fixed(wire.TypeU32, 4)) }
func (d *decoder) u64() uint64 { return binary.BigEndian.Uint64(d.fixed(wire.TypeU64, 8)) }

func (d *decoder) boolean() bool { return d.fixed(wire.TypeBool, 1)[0] != 0 }

func (d *decoder) str() string {
	if d.rec.Type != wire.TypeString {
		d.err = fmt.Errorf("record %d: want string, got type %d", d.rec.ID, d.rec.Type)
		return ""
	}
	return string(d.rec.Value)
}

func (d *decoder) blob() []byte {
	if d.rec.Type != wire.TypeBytes {
		d.err = fmt.Errorf("record %d: want bytes, got type %d", d.rec.ID, d.rec.Type)
		return nil
	}
	return d.rec.Value
}
