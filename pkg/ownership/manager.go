// Package ownership runs the per-attribute ownership transfer protocol for the
// object instances this federate knows about.
//
// Every call that names a set of attributes is all-or-nothing: preconditions
// are checked for the whole set, then the send function runs, then every
// attribute transitions. A failed precondition or send leaves all attributes
// as they were.
package ownership

import (
	"sort"
	"sync"

	"federate/pkg/rtierr"
	"federate/pkg/schema"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// Model is the part of the object model the protocol consults.
type Model interface {
	ClassAttributes(class types.ObjectClassHandle) ([]schema.Attribute, error)
	CheckAttributes(class types.ObjectClassHandle, attrs types.AttributeSet) error
	PrivilegeToDelete(class types.ObjectClassHandle) (types.AttributeHandle, error)
}

// Publications reports declaration state. An attribute may only be acquired
// when its class attribute is published.
type Publications interface {
	IsPublished(class types.ObjectClassHandle, attr types.AttributeHandle) bool
}

// AcquisitionMode distinguishes a negotiated acquisition from an
// if-available one.
type AcquisitionMode int

const (
	AcquireNegotiated AcquisitionMode = iota
	AcquireIfAvailable
)

// Change is reported to the observer for every attribute transition.
type Change struct {
	Object    types.ObjectInstanceHandle
	Attribute types.AttributeHandle
	From      types.OwnershipState
	To        types.OwnershipState
}

type record struct {
	state types.OwnershipState
	tag   types.UserTag

	mode                  AcquisitionMode // valid in AcquisitionPending
	confirmationRequested bool            // broker asked to confirm a negotiated divestiture
	releaseRequested      bool            // broker asked this owner to release
}

type object struct {
	class types.ObjectClassHandle
	attrs map[types.AttributeHandle]*record
}

// Manager is the ownership table of one federate.
type Manager struct {
	mu      sync.RWMutex
	objects map[types.ObjectInstanceHandle]*object

	model    Model
	pubs     Publications
	observer func(Change)
	logger   *zap.Logger
}

// New creates an empty ownership table.
func New(model Model, pubs Publications, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		objects: make(map[types.ObjectInstanceHandle]*object),
		model:   model,
		pubs:    pubs,
		logger:  logger,
	}
}

// SetObserver installs a transition hook, called with the table lock held.
func (m *Manager) SetObserver(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// RegisterObject adds an instance this federate registered. It owns every
// published attribute and the privilege to delete.
func (m *Manager) RegisterObject(obj types.ObjectInstanceHandle, class types.ObjectClassHandle) error {
	return m.addObject("ownership.RegisterObject", obj, class, true)
}

// DiscoverObject adds an instance registered elsewhere. Nothing is owned.
func (m *Manager) DiscoverObject(obj types.ObjectInstanceHandle, class types.ObjectClassHandle) error {
	return m.addObject("ownership.DiscoverObject", obj, class, false)
}

func (m *Manager) addObject(op string, obj types.ObjectInstanceHandle, class types.ObjectClassHandle, registered bool) error {
	attrs, err := m.model.ClassAttributes(class)
	if err != nil {
		return err
	}
	var privilege types.AttributeHandle
	if registered {
		if privilege, err = m.model.PrivilegeToDelete(class); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[obj]; exists {
		return rtierr.New(rtierr.InternalError, op, "object %d already known", obj)
	}

	o := &object{class: class, attrs: make(map[types.AttributeHandle]*record, len(attrs))}
	for _, a := range attrs {
		st := types.Unowned
		if registered && (a.Handle == privilege || m.published(class, a.Handle)) {
			st = types.Owned
		}
		o.attrs[a.Handle] = &record{state: st}
	}
	m.objects[obj] = o

	m.logger.Debug("Object added to ownership table",
		zap.Uint64("object", uint64(obj)),
		zap.Uint64("class", uint64(class)),
		zap.Bool("registered", registered))
	return nil
}

// RemoveObject drops an instance, after delete or remove.
func (m *Manager) RemoveObject(obj types.ObjectInstanceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[obj]; !ok {
		return rtierr.New(rtierr.NotKnown, "ownership.RemoveObject", "object %d", obj)
	}
	delete(m.objects, obj)
	return nil
}

// Clear drops every instance.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[types.ObjectInstanceHandle]*object)
}

// Retain keeps the instances for which keep returns true and drops the rest.
// It returns the dropped handles in ascending order. keep runs with the
// table lock held.
func (m *Manager) Retain(keep func(types.ObjectInstanceHandle) bool) []types.ObjectInstanceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []types.ObjectInstanceHandle
	for obj := range m.objects {
		if !keep(obj) {
			delete(m.objects, obj)
			dropped = append(dropped, obj)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return dropped
}

// Len returns the number of known instances.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Class returns the object class of obj.
func (m *Manager) Class(obj types.ObjectInstanceHandle) (types.ObjectClassHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objects[obj]
	if !ok {
		return 0, rtierr.New(rtierr.NotKnown, "ownership.Class", "object %d", obj)
	}
	return o.class, nil
}

// Query returns the ownership state of one attribute instance.
func (m *Manager) Query(obj types.ObjectInstanceHandle, attr types.AttributeHandle) (types.OwnershipState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.lookup("ownership.Query", obj, attr)
	if err != nil {
		return types.Unowned, err
	}
	return rec.state, nil
}

// IsOwned reports whether this federate holds the attribute. An attribute
// under negotiated divestiture is still owned until released.
func (m *Manager) IsOwned(obj types.ObjectInstanceHandle, attr types.AttributeHandle) (bool, error) {
	st, err := m.Query(obj, attr)
	if err != nil {
		return false, err
	}
	return owns(st), nil
}

// Owned returns the attributes of obj this federate holds, in handle order.
func (m *Manager) Owned(obj types.ObjectInstanceHandle) (types.AttributeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objects[obj]
	if !ok {
		return nil, rtierr.New(rtierr.NotKnown, "ownership.Owned", "object %d", obj)
	}
	var out types.AttributeSet
	for h, rec := range o.attrs {
		if owns(rec.state) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CheckOwned fails with AttributeNotOwned unless every attribute is held.
func (m *Manager) CheckOwned(obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.collect("ownership.CheckOwned", obj, attrs, func(rec *record) rtierr.Kind {
		if !owns(rec.state) {
			return rtierr.AttributeNotOwned
		}
		return 0
	})
	return err
}

// CheckDeletePrivilege fails with AttributeNotOwned unless this federate holds
// the privilege to delete obj.
func (m *Manager) CheckDeletePrivilege(obj types.ObjectInstanceHandle) error {
	class, err := m.Class(obj)
	if err != nil {
		return err
	}
	privilege, err := m.model.PrivilegeToDelete(class)
	if err != nil {
		return err
	}
	return m.CheckOwned(obj, types.AttributeSet{privilege})
}

// UnconditionalDivestiture releases attrs immediately.
func (m *Manager) UnconditionalDivestiture(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ownership.UnconditionalDivestiture"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			if !owns(rec.state) {
				return rtierr.AttributeNotOwned
			}
			return 0
		},
		func(rec *record) {
			rec.state = types.Unowned
			rec.releaseRequested = false
			rec.confirmationRequested = false
		})
}

// NegotiatedDivestiture offers attrs to other federates. They stay owned,
// in DivestiturePending, until released or cancelled.
func (m *Manager) NegotiatedDivestiture(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag, send func() error) error {
	const op = "ownership.NegotiatedDivestiture"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			switch rec.state {
			case types.Owned:
				return 0
			case types.DivestiturePending:
				return rtierr.AttributeAlreadyBeingDivested
			default:
				return rtierr.AttributeNotOwned
			}
		},
		func(rec *record) {
			rec.state = types.DivestiturePending
			rec.tag = tag
			rec.confirmationRequested = false
		})
}

// OnRequestDivestitureConfirmation records that the broker found a taker
// for attrs. Attributes no longer pending are ignored and not returned.
func (m *Manager) OnRequestDivestitureConfirmation(obj types.ObjectInstanceHandle, attrs types.AttributeSet) (types.AttributeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[obj]
	if !ok {
		return nil, rtierr.New(rtierr.NotKnown, "ownership.OnRequestDivestitureConfirmation", "object %d", obj)
	}
	var out types.AttributeSet
	for _, h := range attrs.Dedup() {
		if rec, ok := o.attrs[h]; ok && rec.state == types.DivestiturePending {
			rec.confirmationRequested = true
			out = append(out, h)
		}
	}
	return out, nil
}

// ConfirmDivestiture releases attrs the broker asked to confirm.
func (m *Manager) ConfirmDivestiture(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag, send func() error) error {
	const op = "ownership.ConfirmDivestiture"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			switch {
			case rec.state == types.DivestiturePending && rec.confirmationRequested:
				return 0
			case owns(rec.state):
				return rtierr.AttributeDivestitureWasNotRequested
			default:
				return rtierr.AttributeNotOwned
			}
		},
		func(rec *record) {
			rec.state = types.Unowned
			rec.tag = tag
		})
}

// OnDivestitureNotification completes a negotiated divestiture released by
// the broker without an explicit confirm.
func (m *Manager) OnDivestitureNotification(obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	return m.inbound("ownership.OnDivestitureNotification", obj, attrs,
		func(rec *record) bool { return rec.state == types.DivestiturePending },
		func(rec *record) { rec.state = types.Unowned })
}

// CancelNegotiatedDivestiture returns pending attrs to Owned.
func (m *Manager) CancelNegotiatedDivestiture(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ownership.CancelNegotiatedDivestiture"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			switch rec.state {
			case types.DivestiturePending:
				return 0
			case types.Owned:
				return rtierr.AttributeDivestitureWasNotRequested
			default:
				return rtierr.AttributeNotOwned
			}
		},
		func(rec *record) {
			rec.state = types.Owned
			rec.tag = nil
			rec.confirmationRequested = false
		})
}

// Acquisition asks current owners to give up attrs.
func (m *Manager) Acquisition(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag, send func() error) error {
	return m.acquire("ownership.Acquisition", obj, attrs, tag, AcquireNegotiated, send)
}

// AcquisitionIfAvailable takes attrs only if nobody owns them.
func (m *Manager) AcquisitionIfAvailable(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) error {
	return m.acquire("ownership.AcquisitionIfAvailable", obj, attrs, nil, AcquireIfAvailable, send)
}

func (m *Manager) acquire(op string, obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag, mode AcquisitionMode, send func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[obj]
	if !ok {
		return rtierr.New(rtierr.NotKnown, op, "object %d", obj)
	}
	recs, err := m.collect(op, obj, attrs, func(rec *record) rtierr.Kind {
		switch rec.state {
		case types.Owned, types.DivestiturePending:
			return rtierr.AttributeAlreadyOwned
		case types.AcquisitionPending:
			return rtierr.AttributeAlreadyBeingAcquired
		}
		return 0
	})
	if err != nil {
		return err
	}
	for _, h := range attrs {
		if !m.published(o.class, h) {
			return rtierr.New(rtierr.AttributeNotPublished, op, "attribute %d of class %d", h, o.class)
		}
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	for h, rec := range recs {
		from := rec.state
		rec.state = types.AcquisitionPending
		rec.mode = mode
		rec.tag = tag
		m.notify(obj, h, from, rec.state)
	}
	return nil
}

// CancelAcquisition withdraws a pending acquisition. The attributes return to
// Unowned immediately.
func (m *Manager) CancelAcquisition(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ownership.CancelAcquisition"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			switch rec.state {
			case types.AcquisitionPending:
				return 0
			case types.Owned, types.DivestiturePending:
				return rtierr.AttributeAlreadyOwned
			default:
				return rtierr.AttributeAcquisitionWasNotRequested
			}
		},
		func(rec *record) {
			rec.state = types.Unowned
			rec.tag = nil
		})
}

// OnAcquisitionNotification grants pending attrs to this federate.
func (m *Manager) OnAcquisitionNotification(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) error {
	return m.inbound("ownership.OnAcquisitionNotification", obj, attrs,
		func(rec *record) bool { return rec.state == types.AcquisitionPending },
		func(rec *record) {
			rec.state = types.Owned
			rec.tag = tag
			rec.releaseRequested = false
		})
}

// OnOwnershipUnavailable resolves pending acquisitions that could not be met.
func (m *Manager) OnOwnershipUnavailable(obj types.ObjectInstanceHandle, attrs types.AttributeSet) error {
	return m.inbound("ownership.OnOwnershipUnavailable", obj, attrs,
		func(rec *record) bool { return rec.state == types.AcquisitionPending },
		func(rec *record) {
			rec.state = types.Unowned
			rec.tag = nil
		})
}

// OnRequestOwnershipRelease marks owned attrs as wanted by another federate
// and returns the ones this federate actually holds.
func (m *Manager) OnRequestOwnershipRelease(obj types.ObjectInstanceHandle, attrs types.AttributeSet, tag types.UserTag) (types.AttributeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[obj]
	if !ok {
		return nil, rtierr.New(rtierr.NotKnown, "ownership.OnRequestOwnershipRelease", "object %d", obj)
	}
	var out types.AttributeSet
	for _, h := range attrs.Dedup() {
		if rec, ok := o.attrs[h]; ok && owns(rec.state) {
			rec.releaseRequested = true
			rec.tag = tag
			out = append(out, h)
		}
	}
	return out, nil
}

// DivestitureIfWanted releases the attrs another federate asked for and keeps
// the rest. It returns the released set.
func (m *Manager) DivestitureIfWanted(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) (types.AttributeSet, error) {
	const op = "ownership.DivestitureIfWanted"

	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.collect(op, obj, attrs, func(rec *record) rtierr.Kind {
		if !owns(rec.state) {
			return rtierr.AttributeNotOwned
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	if err := invoke(op, send); err != nil {
		return nil, err
	}

	var released types.AttributeSet
	for _, h := range attrs.Dedup() {
		rec := recs[h]
		if !rec.releaseRequested {
			continue
		}
		from := rec.state
		rec.state = types.Unowned
		rec.releaseRequested = false
		released = append(released, h)
		m.notify(obj, h, from, rec.state)
	}
	return released, nil
}

// ReleaseDenied answers a release request by keeping attrs.
func (m *Manager) ReleaseDenied(obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ownership.ReleaseDenied"
	return m.apply(op, obj, attrs, send,
		func(rec *record) rtierr.Kind {
			if !owns(rec.state) {
				return rtierr.AttributeNotOwned
			}
			return 0
		},
		func(rec *record) {
			rec.releaseRequested = false
		})
}

// apply checks every attribute, sends, then transitions all of them.
func (m *Manager) apply(op string, obj types.ObjectInstanceHandle, attrs types.AttributeSet, send func() error, check func(*record) rtierr.Kind, mutate func(*record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.collect(op, obj, attrs, check)
	if err != nil {
		return err
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	for _, h := range attrs.Dedup() {
		rec := recs[h]
		from := rec.state
		mutate(rec)
		if rec.state != from {
			m.notify(obj, h, from, rec.state)
		}
	}
	return nil
}

// inbound applies a broker notification. Unknown objects fail with NotKnown;
// attributes not in the expected state fail the whole notification.
func (m *Manager) inbound(op string, obj types.ObjectInstanceHandle, attrs types.AttributeSet, expect func(*record) bool, mutate func(*record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.collect(op, obj, attrs, func(rec *record) rtierr.Kind {
		if !expect(rec) {
			return rtierr.InternalError
		}
		return 0
	})
	if err != nil {
		return err
	}

	for _, h := range attrs.Dedup() {
		rec := recs[h]
		from := rec.state
		mutate(rec)
		m.notify(obj, h, from, rec.state)
	}
	return nil
}

// collect resolves attrs on obj and runs check on each. A non-zero Kind from
// check fails the whole set. Caller holds the lock.
func (m *Manager) collect(op string, obj types.ObjectInstanceHandle, attrs types.AttributeSet, check func(*record) rtierr.Kind) (map[types.AttributeHandle]*record, error) {
	o, ok := m.objects[obj]
	if !ok {
		return nil, rtierr.New(rtierr.NotKnown, op, "object %d", obj)
	}
	if err := m.model.CheckAttributes(o.class, attrs); err != nil {
		return nil, err
	}

	recs := make(map[types.AttributeHandle]*record, len(attrs))
	for _, h := range attrs {
		rec, ok := o.attrs[h]
		if !ok {
			return nil, rtierr.New(rtierr.NotDefined, op, "attribute %d on object %d", h, obj)
		}
		if kind := check(rec); kind != 0 {
			return nil, rtierr.New(kind, op, "attribute %d on object %d is %s", h, obj, rec.state)
		}
		recs[h] = rec
	}
	return recs, nil
}

func (m *Manager) lookup(op string, obj types.ObjectInstanceHandle, attr types.AttributeHandle) (*record, error) {
	o, ok := m.objects[obj]
	if !ok {
		return nil, rtierr.New(rtierr.NotKnown, op, "object %d", obj)
	}
	rec, ok := o.attrs[attr]
	if !ok {
		return nil, rtierr.New(rtierr.NotDefined, op, "attribute %d on object %d", attr, obj)
	}
	return rec, nil
}

func (m *Manager) published(class types.ObjectClassHandle, attr types.AttributeHandle) bool {
	return m.pubs != nil && m.pubs.IsPublished(class, attr)
}

func (m *Manager) notify(obj types.ObjectInstanceHandle, attr types.AttributeHandle, from, to types.OwnershipState) {
	m.logger.Debug("Ownership transition",
		zap.Uint64("object", uint64(obj)),
		zap.Uint64("attribute", uint64(attr)),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if m.observer != nil {
		m.observer(Change{Object: obj, Attribute: attr, From: from, To: to})
	}
}

func owns(st types.OwnershipState) bool {
	return st == types.Owned || st == types.DivestiturePending
}

func invoke(op string, send func() error) error {
	if send == nil {
		return nil
	}
	if err := send(); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}
