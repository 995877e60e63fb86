// Package timeadvance tracks the regulating/constrained flags and the
// advance-request cycle of one federate.
//
// Mutating calls take a send function. It runs after every precondition has
// passed and before any state changes, while the table lock is held; if it
// fails the call fails with InternalError and nothing changes.
package timeadvance

import (
	"sync"

	"federate/pkg/logicaltime"
	"federate/pkg/rtierr"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// Advance describes the outstanding advance request.
type Advance struct {
	Kind types.AdvanceKind
	Time logicaltime.Time
}

// Transition is reported to the observer on every state change.
type Transition struct {
	From types.TimeState
	To   types.TimeState
	Time logicaltime.Time // current time after the transition
}

// Manager is the time advance state machine. It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	factory logicaltime.Factory // nil until joined
	state   types.TimeState

	regulating    bool
	constrained   bool
	asyncDelivery bool

	current            logicaltime.Time
	lookahead          logicaltime.Interval
	requestedLookahead logicaltime.Interval // while RegulationPending
	pendingLookahead   logicaltime.Interval // staged modification, nil if none
	advance            *Advance

	galt logicaltime.Time // nil when undefined
	lits logicaltime.Time // nil when undefined

	observer func(Transition)
	logger   *zap.Logger
}

// New creates a manager for a federate that has not joined yet.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// SetObserver installs a transition hook. It is called with the lock held and
// must not call back into the manager.
func (m *Manager) SetObserver(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Join fixes the time representation for the rest of the membership.
func (m *Manager) Join(factory logicaltime.Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory != nil {
		return rtierr.New(rtierr.FederateAlreadyExecutionMember, "timeadvance.Join", "already joined with %s", m.factory.Name())
	}
	if factory == nil {
		return rtierr.New(rtierr.NotDefined, "timeadvance.Join", "missing time factory")
	}

	m.factory = factory
	m.state = types.TimeIdle
	m.current = factory.Initial()
	m.lookahead = factory.Zero()
	m.logger.Info("Time management joined", zap.String("time_implementation", factory.Name()))
	return nil
}

// Resign clears all time state.
func (m *Manager) Resign() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.factory = nil
	m.state = types.TimeIdle
	m.regulating = false
	m.constrained = false
	m.asyncDelivery = false
	m.current = nil
	m.lookahead = nil
	m.requestedLookahead = nil
	m.pendingLookahead = nil
	m.advance = nil
	m.galt = nil
	m.lits = nil
}

// Factory returns the representation chosen at join.
func (m *Manager) Factory() (logicaltime.Factory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.factory == nil {
		return nil, notJoined("timeadvance.Factory")
	}
	return m.factory, nil
}

// State returns the current phase.
func (m *Manager) State() types.TimeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsRegulating reports whether time regulation is enabled.
func (m *Manager) IsRegulating() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regulating
}

// IsConstrained reports whether time constrained is enabled.
func (m *Manager) IsConstrained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.constrained
}

// IsAsynchronousDelivery reports whether receive-order messages are delivered
// while not advancing.
func (m *Manager) IsAsynchronousDelivery() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.asyncDelivery
}

// Outstanding returns the pending advance request, if any.
func (m *Manager) Outstanding() (Advance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.advance == nil {
		return Advance{}, false
	}
	return *m.advance, true
}

// EnableTimeRegulation asks the broker to make this federate regulating with
// the given lookahead. The federate stays RegulationPending until
// OnTimeRegulationEnabled.
func (m *Manager) EnableTimeRegulation(lookahead logicaltime.Interval, send func() error) error {
	const op = "timeadvance.EnableTimeRegulation"

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle(op); err != nil {
		return err
	}
	if m.regulating {
		return rtierr.New(rtierr.TimeRegulationAlreadyEnabled, op, "")
	}
	if err := m.checkInterval(op, lookahead); err != nil {
		return err
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.requestedLookahead = lookahead
	m.transition(types.TimeRegulationPending)
	return nil
}

// OnTimeRegulationEnabled completes EnableTimeRegulation. The broker supplies
// the federate's time at the moment regulation took effect.
func (m *Manager) OnTimeRegulationEnabled(t logicaltime.Time) error {
	const op = "timeadvance.OnTimeRegulationEnabled"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.TimeRegulationPending {
		return rtierr.New(rtierr.InternalError, op, "unexpected in state %s", m.state)
	}
	if err := m.checkTime(op, t); err != nil {
		return rtierr.Wrap(rtierr.InternalError, op, err)
	}

	m.regulating = true
	m.lookahead = m.requestedLookahead
	m.requestedLookahead = nil
	m.current = t
	m.transition(types.TimeIdle)

	m.logger.Info("Time regulation enabled",
		zap.String("time", t.String()),
		zap.String("lookahead", m.lookahead.String()))
	return nil
}

// DisableTimeRegulation takes effect immediately.
func (m *Manager) DisableTimeRegulation(send func() error) error {
	const op = "timeadvance.DisableTimeRegulation"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if m.state == types.TimeRegulationPending {
		return rtierr.New(rtierr.RequestForTimeRegulationPending, op, "")
	}
	if !m.regulating {
		return rtierr.New(rtierr.TimeRegulationIsNotEnabled, op, "")
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.regulating = false
	m.pendingLookahead = nil
	m.logger.Info("Time regulation disabled")
	return nil
}

// EnableTimeConstrained asks the broker to make this federate constrained.
func (m *Manager) EnableTimeConstrained(send func() error) error {
	const op = "timeadvance.EnableTimeConstrained"

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkIdle(op); err != nil {
		return err
	}
	if m.constrained {
		return rtierr.New(rtierr.TimeConstrainedAlreadyEnabled, op, "")
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.transition(types.TimeConstrainedPending)
	return nil
}

// OnTimeConstrainedEnabled completes EnableTimeConstrained.
func (m *Manager) OnTimeConstrainedEnabled(t logicaltime.Time) error {
	const op = "timeadvance.OnTimeConstrainedEnabled"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.TimeConstrainedPending {
		return rtierr.New(rtierr.InternalError, op, "unexpected in state %s", m.state)
	}
	if err := m.checkTime(op, t); err != nil {
		return rtierr.Wrap(rtierr.InternalError, op, err)
	}

	m.constrained = true
	m.current = t
	m.transition(types.TimeIdle)

	m.logger.Info("Time constrained enabled", zap.String("time", t.String()))
	return nil
}

// DisableTimeConstrained takes effect immediately.
func (m *Manager) DisableTimeConstrained(send func() error) error {
	const op = "timeadvance.DisableTimeConstrained"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if m.state == types.TimeConstrainedPending {
		return rtierr.New(rtierr.RequestForTimeConstrainedPending, op, "")
	}
	if !m.constrained {
		return rtierr.New(rtierr.TimeConstrainedIsNotEnabled, op, "")
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.constrained = false
	m.galt = nil
	m.logger.Info("Time constrained disabled")
	return nil
}

// EnableAsynchronousDelivery turns on receive-order delivery outside advances.
func (m *Manager) EnableAsynchronousDelivery(send func() error) error {
	return m.setAsyncDelivery("timeadvance.EnableAsynchronousDelivery", true, send)
}

// DisableAsynchronousDelivery turns off receive-order delivery outside advances.
func (m *Manager) DisableAsynchronousDelivery(send func() error) error {
	return m.setAsyncDelivery("timeadvance.DisableAsynchronousDelivery", false, send)
}

func (m *Manager) setAsyncDelivery(op string, enabled bool, send func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if m.asyncDelivery == enabled {
		return nil
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	m.asyncDelivery = enabled
	return nil
}

// RequestAdvance issues one of the advance-request variants. It returns as
// soon as the request is sent; completion arrives via OnTimeAdvanceGrant.
// There is no cancel for an outstanding request.
func (m *Manager) RequestAdvance(kind types.AdvanceKind, t logicaltime.Time, send func() error) error {
	op := "timeadvance." + kind.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	switch m.state {
	case types.TimeAdvanceRequested:
		return rtierr.New(rtierr.AdvanceAlreadyInProgress, op, "outstanding %s to %s", m.advance.Kind, m.advance.Time)
	case types.TimeRegulationPending:
		return rtierr.New(rtierr.RequestForTimeRegulationPending, op, "")
	case types.TimeConstrainedPending:
		return rtierr.New(rtierr.RequestForTimeConstrainedPending, op, "")
	}
	if err := m.checkTime(op, t); err != nil {
		return err
	}
	if c, _ := logicaltime.Compare(t, m.current); c < 0 {
		return rtierr.New(rtierr.InvalidLogicalTime, op, "%s precedes current time %s", t, m.current)
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.advance = &Advance{Kind: kind, Time: t}
	m.transition(types.TimeAdvanceRequested)

	m.logger.Debug("Advance requested",
		zap.String("kind", kind.String()),
		zap.String("time", t.String()))
	return nil
}

// OnTimeAdvanceGrant completes the outstanding advance request. The machine
// passes through Granted and settles in Idle with the granted time current.
func (m *Manager) OnTimeAdvanceGrant(t logicaltime.Time) error {
	const op = "timeadvance.OnTimeAdvanceGrant"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.TimeAdvanceRequested {
		return rtierr.New(rtierr.InternalError, op, "grant without request in state %s", m.state)
	}
	if err := m.checkTime(op, t); err != nil {
		return rtierr.Wrap(rtierr.InternalError, op, err)
	}
	if c, _ := logicaltime.Compare(t, m.current); c < 0 {
		return rtierr.New(rtierr.InternalError, op, "grant %s precedes current time %s", t, m.current)
	}
	// Time-stepped requests are granted exactly at the requested time; event
	// and flush variants may be granted earlier but never later.
	c, _ := logicaltime.Compare(t, m.advance.Time)
	switch {
	case c > 0:
		return rtierr.New(rtierr.InternalError, op, "grant %s beyond requested %s", t, m.advance.Time)
	case c < 0 && m.advance.Kind.TimeStepped():
		return rtierr.New(rtierr.InternalError, op, "%s to %s granted early at %s", m.advance.Kind, m.advance.Time, t)
	}

	m.current = t
	m.advance = nil
	m.transition(types.TimeGranted)
	m.transition(types.TimeIdle)

	m.logger.Debug("Advance granted", zap.String("time", t.String()))
	return nil
}

// ModifyLookahead stages a new lookahead. It is allowed only while regulating
// and not advancing; it takes effect on OnLookaheadConfirmed.
func (m *Manager) ModifyLookahead(lookahead logicaltime.Interval, send func() error) error {
	const op = "timeadvance.ModifyLookahead"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if !m.regulating {
		return rtierr.New(rtierr.TimeRegulationIsNotEnabled, op, "")
	}
	if m.state == types.TimeAdvanceRequested {
		return rtierr.New(rtierr.InTimeAdvancingState, op, "")
	}
	if err := m.checkInterval(op, lookahead); err != nil {
		return err
	}
	if err := invoke(op, send); err != nil {
		return err
	}

	m.pendingLookahead = lookahead
	return nil
}

// OnLookaheadConfirmed applies the staged lookahead.
func (m *Manager) OnLookaheadConfirmed(lookahead logicaltime.Interval) error {
	const op = "timeadvance.OnLookaheadConfirmed"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingLookahead == nil {
		return rtierr.New(rtierr.InternalError, op, "no lookahead modification pending")
	}
	if c, err := logicaltime.CompareIntervals(lookahead, m.pendingLookahead); err != nil || c != 0 {
		return rtierr.New(rtierr.InternalError, op, "confirmed %v, staged %s", lookahead, m.pendingLookahead)
	}

	m.lookahead = m.pendingLookahead
	m.pendingLookahead = nil
	m.logger.Info("Lookahead modified", zap.String("lookahead", m.lookahead.String()))
	return nil
}

// CancelLookahead drops a staged lookahead modification.
func (m *Manager) CancelLookahead(send func() error) error {
	const op = "timeadvance.CancelLookahead"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if m.pendingLookahead == nil {
		return rtierr.New(rtierr.InvalidLookahead, op, "no lookahead modification pending")
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	m.pendingLookahead = nil
	return nil
}

// PendingLookahead returns the staged lookahead, if any.
func (m *Manager) PendingLookahead() (logicaltime.Interval, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLookahead, m.pendingLookahead != nil
}

// QueryLookahead returns the lookahead in effect.
func (m *Manager) QueryLookahead() (logicaltime.Interval, error) {
	const op = "timeadvance.QueryLookahead"

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.factory == nil {
		return nil, notJoined(op)
	}
	if !m.regulating {
		return nil, rtierr.New(rtierr.TimeRegulationIsNotEnabled, op, "")
	}
	return m.lookahead, nil
}

// QueryLogicalTime returns the federate's current time.
func (m *Manager) QueryLogicalTime() (logicaltime.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.factory == nil {
		return nil, notJoined("timeadvance.QueryLogicalTime")
	}
	return m.current, nil
}

// QueryGALT returns the greatest available logical time. The bool is false
// when GALT is undefined, e.g. when no federate is regulating.
func (m *Manager) QueryGALT() (logicaltime.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.factory == nil {
		return nil, false, notJoined("timeadvance.QueryGALT")
	}
	return m.galt, m.galt != nil, nil
}

// QueryLITS returns the least incoming time stamp, false when undefined.
func (m *Manager) QueryLITS() (logicaltime.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.factory == nil {
		return nil, false, notJoined("timeadvance.QueryLITS")
	}
	return m.lits, m.lits != nil, nil
}

// OnBoundsUpdate records broker-computed GALT and LITS. Nil means undefined.
func (m *Manager) OnBoundsUpdate(galt, lits logicaltime.Time) error {
	const op = "timeadvance.OnBoundsUpdate"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.factory == nil {
		return notJoined(op)
	}
	if galt != nil {
		if err := m.checkTime(op, galt); err != nil {
			return rtierr.Wrap(rtierr.InternalError, op, err)
		}
	}
	if lits != nil {
		if err := m.checkTime(op, lits); err != nil {
			return rtierr.Wrap(rtierr.InternalError, op, err)
		}
	}
	m.galt = galt
	m.lits = lits
	return nil
}

func (m *Manager) checkIdle(op string) error {
	if m.factory == nil {
		return notJoined(op)
	}
	switch m.state {
	case types.TimeRegulationPending:
		return rtierr.New(rtierr.RequestForTimeRegulationPending, op, "")
	case types.TimeConstrainedPending:
		return rtierr.New(rtierr.RequestForTimeConstrainedPending, op, "")
	case types.TimeAdvanceRequested:
		return rtierr.New(rtierr.InTimeAdvancingState, op, "")
	}
	return nil
}

func (m *Manager) checkTime(op string, t logicaltime.Time) error {
	if t == nil {
		return rtierr.New(rtierr.InvalidLogicalTime, op, "missing time")
	}
	if t.Kind() != m.factory.Kind() {
		return rtierr.New(rtierr.InvalidLogicalTime, op, "%s time in a %s federation", t.Kind(), m.factory.Kind())
	}
	return nil
}

func (m *Manager) checkInterval(op string, iv logicaltime.Interval) error {
	if iv == nil {
		return rtierr.New(rtierr.InvalidLookahead, op, "missing lookahead")
	}
	if iv.Kind() != m.factory.Kind() {
		return rtierr.New(rtierr.InvalidLookahead, op, "%s interval in a %s federation", iv.Kind(), m.factory.Kind())
	}
	return nil
}

func (m *Manager) transition(to types.TimeState) {
	from := m.state
	m.state = to
	if m.observer != nil {
		m.observer(Transition{From: from, To: to, Time: m.current})
	}
}

func notJoined(op string) error {
	return rtierr.New(rtierr.FederateNotExecutionMember, op, "")
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
