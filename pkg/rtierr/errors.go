// Package rtierr defines the single tagged error type used by the federate core.
// Every precondition failure is reported as an *Error whose Kind names the
// violated rule; broker-reported outcomes never surface here.
package rtierr

import (
	"errors"
	"fmt"
)

// Kind tags an error with its place in the taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	NotKnown
	NotDefined
	AttributeNotOwned
	AttributeAlreadyOwned
	AttributeNotPublished
	AttributeAcquisitionWasNotRequested
	AttributeDivestitureWasNotRequested
	AttributeAlreadyBeingDivested
	AttributeAlreadyBeingAcquired
	InvalidLogicalTime
	InvalidLookahead
	IllegalTimeArithmetic
	CouldNotDecode
	AdvanceAlreadyInProgress
	TimeRegulationAlreadyEnabled
	TimeRegulationIsNotEnabled
	TimeConstrainedAlreadyEnabled
	TimeConstrainedIsNotEnabled
	RequestForTimeRegulationPending
	RequestForTimeConstrainedPending
	InTimeAdvancingState
	FederateNotExecutionMember
	FederateAlreadyExecutionMember
	RegionNotKnown
	InvalidRegionContext
	InvalidExtents
	RegionInUse
	SaveInProgress
	RestoreInProgress
	ObjectClassNotPublished
	InteractionClassNotPublished
	InternalError
)

var kindNames = map[Kind]string{
	KindUnknown:                         "Unknown",
	NotKnown:                            "NotKnown",
	NotDefined:                          "NotDefined",
	AttributeNotOwned:                   "AttributeNotOwned",
	AttributeAlreadyOwned:               "AttributeAlreadyOwned",
	AttributeNotPublished:               "AttributeNotPublished",
	AttributeAcquisitionWasNotRequested: "AttributeAcquisitionWasNotRequested",
	AttributeDivestitureWasNotRequested: "AttributeDivestitureWasNotRequested",
	AttributeAlreadyBeingDivested:       "AttributeAlreadyBeingDivested",
	AttributeAlreadyBeingAcquired:       "AttributeAlreadyBeingAcquired",
	InvalidLogicalTime:                  "InvalidLogicalTime",
	InvalidLookahead:                    "InvalidLookahead",
	IllegalTimeArithmetic:               "IllegalTimeArithmetic",
	CouldNotDecode:                      "CouldNotDecode",
	AdvanceAlreadyInProgress:            "AdvanceAlreadyInProgress",
	TimeRegulationAlreadyEnabled:        "TimeRegulationAlreadyEnabled",
	TimeRegulationIsNotEnabled:          "TimeRegulationIsNotEnabled",
	TimeConstrainedAlreadyEnabled:       "TimeConstrainedAlreadyEnabled",
	TimeConstrainedIsNotEnabled:         "TimeConstrainedIsNotEnabled",
	RequestForTimeRegulationPending:     "RequestForTimeRegulationPending",
	RequestForTimeConstrainedPending:    "RequestForTimeConstrainedPending",
	InTimeAdvancingState:                "InTimeAdvancingState",
	FederateNotExecutionMember:          "FederateNotExecutionMember",
	FederateAlreadyExecutionMember:      "FederateAlreadyExecutionMember",
	RegionNotKnown:                      "RegionNotKnown",
	InvalidRegionContext:                "InvalidRegionContext",
	InvalidExtents:                      "InvalidExtents",
	RegionInUse:                         "RegionInUse",
	SaveInProgress:                      "SaveInProgress",
	RestoreInProgress:                   "RestoreInProgress",
	ObjectClassNotPublished:             "ObjectClassNotPublished",
	InteractionClassNotPublished:        "InteractionClassNotPublished",
	InternalError:                       "InternalError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a tagged failure of one core operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "ownership.UnconditionalDivestiture"
	Msg  string
	Err  error // underlying cause, mostly transport failures
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind only, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Internal reports an unexpected broker or transport failure. It is fatal to
// the current call only.
func Internal(op string, err error) *Error {
	return Wrap(InternalError, op, err)
}

// KindOf returns the tag of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given tag.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Sentinels for errors.Is.
var (
	ErrNotKnown                            = &Error{Kind: NotKnown}
	ErrNotDefined                          = &Error{Kind: NotDefined}
	ErrAttributeNotOwned                   = &Error{Kind: AttributeNotOwned}
	ErrAttributeAlreadyOwned               = &Error{Kind: AttributeAlreadyOwned}
	ErrAttributeNotPublished               = &Error{Kind: AttributeNotPublished}
	ErrAttributeAcquisitionWasNotRequested = &Error{Kind: AttributeAcquisitionWasNotRequested}
	ErrAttributeDivestitureWasNotRequested = &Error{Kind: AttributeDivestitureWasNotRequested}
	ErrInvalidLogicalTime                  = &Error{Kind: InvalidLogicalTime}
	ErrIllegalTimeArithmetic               = &Error{Kind: IllegalTimeArithmetic}
	ErrCouldNotDecode                      = &Error{Kind: CouldNotDecode}
	ErrAdvanceAlreadyInProgress            = &Error{Kind: AdvanceAlreadyInProgress}
	ErrFederateNotExecutionMember          = &Error{Kind: FederateNotExecutionMember}
	ErrRegionNotKnown                      = &Error{Kind: RegionNotKnown}
	ErrInvalidRegionContext                = &Error{Kind: InvalidRegionContext}
	ErrSaveInProgress                      = &Error{Kind: SaveInProgress}
	ErrRestoreInProgress                   = &Error{Kind: RestoreInProgress}
	ErrInternal                            = &Error{Kind: InternalError}
)
