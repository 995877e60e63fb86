// Package ddm stores the regions this federate created and the (attribute,
// region) and (interaction, region) pairs it associated or subscribed.
//
// Bound changes are staged per region and become visible only through Commit,
// which applies every staged region in the call together. Reads always return
// committed bounds. Matching updates to subscribers is left to the broker.
package ddm

import (
	"sort"
	"sync"

	"federate/pkg/rtierr"
	"federate/pkg/schema"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// Model is the routing-space part of the object model.
type Model interface {
	Dimensions(space types.RoutingSpaceHandle) ([]schema.Dimension, error)
	AttributeRoutingSpace(class types.ObjectClassHandle, attr types.AttributeHandle) (types.RoutingSpaceHandle, error)
	InteractionRoutingSpace(ic types.InteractionClassHandle) (types.RoutingSpaceHandle, error)
}

// Tokens allocates region tokens. The identity registry owns the counter so
// that it is saved with the rest of the handle state.
type Tokens interface {
	NextRegionToken() types.RegionToken
}

type updateKey struct {
	object types.ObjectInstanceHandle
	attr   types.AttributeHandle
	region types.RegionToken
}

type attrSubKey struct {
	class  types.ObjectClassHandle
	attr   types.AttributeHandle
	region types.RegionToken
}

type interactionSubKey struct {
	class  types.InteractionClassHandle
	region types.RegionToken
}

// Store is the region table of one federate.
type Store struct {
	mu sync.RWMutex

	regions      map[types.RegionToken]*region
	updates      map[updateKey]struct{}
	attrSubs     map[attrSubKey]struct{}
	interactions map[interactionSubKey]struct{}

	model  Model
	tokens Tokens
	logger *zap.Logger
}

// New creates an empty store.
func New(model Model, tokens Tokens, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{model: model, tokens: tokens, logger: logger}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.regions = make(map[types.RegionToken]*region)
	s.updates = make(map[updateKey]struct{})
	s.attrSubs = make(map[attrSubKey]struct{})
	s.interactions = make(map[interactionSubKey]struct{})
}

// CreateRegion creates a region on space with extentCount extents, each
// spanning every dimension's full default range [0, upper bound).
func (s *Store) CreateRegion(space types.RoutingSpaceHandle, extentCount int, send func(Region) error) (Region, error) {
	const op = "ddm.CreateRegion"

	dims, err := s.model.Dimensions(space)
	if err != nil {
		return Region{}, err
	}
	if extentCount < 1 {
		return Region{}, rtierr.New(rtierr.InvalidExtents, op, "region needs at least one extent, got %d", extentCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := &region{token: s.tokens.NextRegionToken(), space: space}
	for i := 0; i < extentCount; i++ {
		r.committed = append(r.committed, defaultExtent(r.token, dims))
	}
	view := r.view()
	if send != nil {
		if err := send(view); err != nil {
			return Region{}, rtierr.Internal(op, err)
		}
	}
	s.regions[r.token] = r

	s.logger.Debug("Region created",
		zap.Uint64("region", uint64(r.token)),
		zap.Uint64("routing_space", uint64(space)),
		zap.Int("extents", extentCount))
	return view, nil
}

func defaultExtent(token types.RegionToken, dims []schema.Dimension) Extent {
	e := Extent{Region: token, Bounds: make([]RangeBound, len(dims))}
	for i, d := range dims {
		e.Bounds[i] = RangeBound{Lower: 0, Upper: d.UpperBound}
	}
	return e
}

// Region returns the committed view of a region.
func (s *Store) Region(token types.RegionToken) (Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.live("ddm.Region", token)
	if err != nil {
		return Region{}, err
	}
	return r.view(), nil
}

// Len returns the number of regions, retired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

// GetRangeBounds returns the committed bounds of dim in one extent.
func (s *Store) GetRangeBounds(token types.RegionToken, extent int, dim types.DimensionHandle) (RangeBound, error) {
	const op = "ddm.GetRangeBounds"

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.live(op, token)
	if err != nil {
		return RangeBound{}, err
	}
	ext, idx, err := s.locate(op, r, r.committed, extent, dim)
	if err != nil {
		return RangeBound{}, err
	}
	return ext.Bounds[idx], nil
}

// GetRangeLowerBound returns the committed lower bound of dim.
func (s *Store) GetRangeLowerBound(token types.RegionToken, extent int, dim types.DimensionHandle) (uint64, error) {
	b, err := s.GetRangeBounds(token, extent, dim)
	return b.Lower, err
}

// GetRangeUpperBound returns the committed upper bound of dim.
func (s *Store) GetRangeUpperBound(token types.RegionToken, extent int, dim types.DimensionHandle) (uint64, error) {
	b, err := s.GetRangeBounds(token, extent, dim)
	return b.Upper, err
}

// SetRangeLowerBound stages a new lower bound.
func (s *Store) SetRangeLowerBound(token types.RegionToken, extent int, dim types.DimensionHandle, v uint64) error {
	return s.stageBound("ddm.SetRangeLowerBound", token, extent, dim, func(b *RangeBound) { b.Lower = v })
}

// SetRangeUpperBound stages a new upper bound.
func (s *Store) SetRangeUpperBound(token types.RegionToken, extent int, dim types.DimensionHandle, v uint64) error {
	return s.stageBound("ddm.SetRangeUpperBound", token, extent, dim, func(b *RangeBound) { b.Upper = v })
}

// SetRangeBounds stages both bounds of dim.
func (s *Store) SetRangeBounds(token types.RegionToken, extent int, dim types.DimensionHandle, bounds RangeBound) error {
	return s.stageBound("ddm.SetRangeBounds", token, extent, dim, func(b *RangeBound) { *b = bounds })
}

func (s *Store) stageBound(op string, token types.RegionToken, extent int, dim types.DimensionHandle, set func(*RangeBound)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live(op, token)
	if err != nil {
		return err
	}
	// Locate against committed first so a bad dimension stages nothing.
	if _, _, err := s.locate(op, r, r.committed, extent, dim); err != nil {
		return err
	}
	ext, idx, _ := s.locate(op, r, r.stage(), extent, dim)
	set(&ext.Bounds[idx])
	return nil
}

// Staged returns the in-flight extents of a region, false when nothing is staged.
func (s *Store) Staged(token types.RegionToken) ([]Extent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := s.live("ddm.Staged", token)
	if err != nil {
		return nil, false, err
	}
	if r.staged == nil {
		return nil, false, nil
	}
	return cloneExtents(r.staged), true, nil
}

// DiscardStaged drops uncommitted bound changes.
func (s *Store) DiscardStaged(token types.RegionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live("ddm.DiscardStaged", token)
	if err != nil {
		return err
	}
	r.staged = nil
	return nil
}

// Commit validates the staged extents of every listed region, sends, and
// applies them together. Regions with nothing staged are skipped. It returns
// the regions whose bounds changed.
func (s *Store) Commit(tokens []types.RegionToken, send func([]Region) error) ([]Region, error) {
	const op = "ddm.Commit"

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*region
	seen := make(map[types.RegionToken]bool, len(tokens))
	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true

		r, err := s.live(op, token)
		if err != nil {
			return nil, err
		}
		if r.staged == nil {
			continue
		}
		if err := s.validate(op, r.space, r.token, r.staged); err != nil {
			return nil, err
		}
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	out := make([]Region, len(pending))
	for i, r := range pending {
		out[i] = Region{Token: r.token, RoutingSpace: r.space, Extents: cloneExtents(r.staged)}
	}
	if send != nil {
		if err := send(out); err != nil {
			return nil, rtierr.Internal(op, err)
		}
	}

	for _, r := range pending {
		r.committed = r.staged
		r.staged = nil
	}
	s.logger.Debug("Region modifications committed", zap.Int("regions", len(out)))
	return out, nil
}

// DeleteRegion removes a region. A region still referenced by an association
// or subscription is retired instead: it accepts no new use and disappears
// when the last reference goes.
func (s *Store) DeleteRegion(token types.RegionToken, send func() error) error {
	const op = "ddm.DeleteRegion"

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live(op, token)
	if err != nil {
		return err
	}
	if r.temporary {
		return rtierr.New(rtierr.RegionInUse, op, "region %d belongs to a callback in progress", token)
	}
	if send != nil {
		if err := send(); err != nil {
			return rtierr.Internal(op, err)
		}
	}

	if r.refs > 0 {
		r.retired = true
		r.staged = nil
		s.logger.Debug("Region retired", zap.Uint64("region", uint64(token)), zap.Int("refs", r.refs))
		return nil
	}
	delete(s.regions, token)
	s.logger.Debug("Region deleted", zap.Uint64("region", uint64(token)))
	return nil
}

// AssociateForUpdates scopes updates of attrs on obj to a region.
func (s *Store) AssociateForUpdates(token types.RegionToken, obj types.ObjectInstanceHandle, class types.ObjectClassHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ddm.AssociateForUpdates"

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live(op, token)
	if err != nil {
		return err
	}
	if err := s.checkAttributeSpace(op, r, class, attrs); err != nil {
		return err
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	for _, a := range attrs {
		k := updateKey{object: obj, attr: a, region: token}
		if _, ok := s.updates[k]; !ok {
			s.updates[k] = struct{}{}
			r.refs++
		}
	}
	return nil
}

// UnassociateForUpdates removes every association of obj with a region.
func (s *Store) UnassociateForUpdates(token types.RegionToken, obj types.ObjectInstanceHandle, send func() error) error {
	const op = "ddm.UnassociateForUpdates"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[token]; !ok {
		return rtierr.New(rtierr.RegionNotKnown, op, "region %d", token)
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	for k := range s.updates {
		if k.object == obj && k.region == token {
			delete(s.updates, k)
			s.unref(token)
		}
	}
	return nil
}

// UpdateRegions returns the regions an attribute of obj is associated with.
func (s *Store) UpdateRegions(obj types.ObjectInstanceHandle, attr types.AttributeHandle) []types.RegionToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.RegionToken
	for k := range s.updates {
		if k.object == obj && k.attr == attr {
			out = append(out, k.region)
		}
	}
	sortTokens(out)
	return out
}

// ForgetObject drops every update association held for obj.
func (s *Store) ForgetObject(obj types.ObjectInstanceHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.updates {
		if k.object == obj {
			delete(s.updates, k)
			s.unref(k.region)
		}
	}
}

// SubscribeAttributes subscribes attrs of class within a region.
func (s *Store) SubscribeAttributes(token types.RegionToken, class types.ObjectClassHandle, attrs types.AttributeSet, send func() error) error {
	const op = "ddm.SubscribeAttributes"

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live(op, token)
	if err != nil {
		return err
	}
	if err := s.checkAttributeSpace(op, r, class, attrs); err != nil {
		return err
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	for _, a := range attrs {
		k := attrSubKey{class: class, attr: a, region: token}
		if _, ok := s.attrSubs[k]; !ok {
			s.attrSubs[k] = struct{}{}
			r.refs++
		}
	}
	return nil
}

// UnsubscribeAttributes removes every attribute subscription of class within
// a region.
func (s *Store) UnsubscribeAttributes(token types.RegionToken, class types.ObjectClassHandle, send func() error) error {
	const op = "ddm.UnsubscribeAttributes"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[token]; !ok {
		return rtierr.New(rtierr.RegionNotKnown, op, "region %d", token)
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	for k := range s.attrSubs {
		if k.class == class && k.region == token {
			delete(s.attrSubs, k)
			s.unref(token)
		}
	}
	return nil
}

// SubscribeInteraction subscribes an interaction class within a region.
func (s *Store) SubscribeInteraction(token types.RegionToken, ic types.InteractionClassHandle, send func() error) error {
	const op = "ddm.SubscribeInteraction"

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.live(op, token)
	if err != nil {
		return err
	}
	space, err := s.model.InteractionRoutingSpace(ic)
	if err != nil {
		return err
	}
	if space != r.space {
		return rtierr.New(rtierr.InvalidRegionContext, op, "interaction %d is not in routing space %d", ic, r.space)
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	k := interactionSubKey{class: ic, region: token}
	if _, ok := s.interactions[k]; !ok {
		s.interactions[k] = struct{}{}
		r.refs++
	}
	return nil
}

// UnsubscribeInteraction removes an interaction subscription within a region.
func (s *Store) UnsubscribeInteraction(token types.RegionToken, ic types.InteractionClassHandle, send func() error) error {
	const op = "ddm.UnsubscribeInteraction"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[token]; !ok {
		return rtierr.New(rtierr.RegionNotKnown, op, "region %d", token)
	}
	k := interactionSubKey{class: ic, region: token}
	if _, ok := s.interactions[k]; !ok {
		return nil
	}
	if err := invoke(op, send); err != nil {
		return err
	}
	delete(s.interactions, k)
	s.unref(token)
	return nil
}

// References returns how many associations and subscriptions use a region.
func (s *Store) References(token types.RegionToken) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.regions[token]
	if !ok {
		return 0, rtierr.New(rtierr.RegionNotKnown, "ddm.References", "region %d", token)
	}
	return r.refs, nil
}

// WithTemporaryRegion builds a region from inbound callback data, runs fn
// with it and deletes it afterwards. bounds holds one entry per extent, each
// with one RangeBound per dimension of space.
func (s *Store) WithTemporaryRegion(space types.RoutingSpaceHandle, bounds [][]RangeBound, fn func(Region) error) error {
	const op = "ddm.WithTemporaryRegion"

	if _, err := s.model.Dimensions(space); err != nil {
		return err
	}

	s.mu.Lock()
	r := &region{token: s.tokens.NextRegionToken(), space: space, temporary: true}
	for _, b := range bounds {
		r.committed = append(r.committed, Extent{Region: r.token, Bounds: append([]RangeBound(nil), b...)})
	}
	if len(r.committed) == 0 {
		s.mu.Unlock()
		return rtierr.New(rtierr.InvalidExtents, op, "region needs at least one extent")
	}
	if err := s.validate(op, space, r.token, r.committed); err != nil {
		s.mu.Unlock()
		return err
	}
	s.regions[r.token] = r
	view := r.view()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.regions, r.token)
		s.mu.Unlock()
	}()
	return fn(view)
}

// Snapshot returns every persistent region in token order. Temporary and
// retired regions are left out, as are staged bounds.
func (s *Store) Snapshot() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		if r.temporary || r.retired {
			continue
		}
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Validate checks that regions could be restored.
func (s *Store) Validate(regions []Region) error {
	_, err := s.build(regions)
	return err
}

// Restore replaces the whole table with regions. Associations and
// subscriptions are dropped. Nothing changes if any region is invalid.
func (s *Store) Restore(regions []Region) error {
	next, err := s.build(regions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	s.regions = next
	s.logger.Info("Region table restored", zap.Int("regions", len(next)))
	return nil
}

func (s *Store) build(regions []Region) (map[types.RegionToken]*region, error) {
	const op = "ddm.Restore"

	next := make(map[types.RegionToken]*region, len(regions))
	for _, reg := range regions {
		if reg.Token == 0 {
			return nil, rtierr.New(rtierr.CouldNotDecode, op, "zero region token")
		}
		if _, dup := next[reg.Token]; dup {
			return nil, rtierr.New(rtierr.CouldNotDecode, op, "duplicate region %d", reg.Token)
		}
		if len(reg.Extents) == 0 {
			return nil, rtierr.New(rtierr.CouldNotDecode, op, "region %d has no extents", reg.Token)
		}
		if err := s.validate(op, reg.RoutingSpace, reg.Token, reg.Extents); err != nil {
			return nil, rtierr.Wrap(rtierr.CouldNotDecode, op, err)
		}
		next[reg.Token] = &region{token: reg.Token, space: reg.RoutingSpace, committed: cloneExtents(reg.Extents)}
	}
	return next, nil
}

// Clear drops every region, association and subscription.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// live returns a region that accepts use. Caller holds the lock.
func (s *Store) live(op string, token types.RegionToken) (*region, error) {
	r, ok := s.regions[token]
	if !ok || r.retired {
		return nil, rtierr.New(rtierr.RegionNotKnown, op, "region %d", token)
	}
	return r, nil
}

func (s *Store) unref(token types.RegionToken) {
	r, ok := s.regions[token]
	if !ok {
		return
	}
	r.refs--
	if r.refs <= 0 && r.retired {
		delete(s.regions, token)
		s.logger.Debug("Retired region released", zap.Uint64("region", uint64(token)))
	}
}

// locate finds dim within one extent of exts.
func (s *Store) locate(op string, r *region, exts []Extent, extent int, dim types.DimensionHandle) (*Extent, int, error) {
	if extent < 0 || extent >= len(exts) {
		return nil, 0, rtierr.New(rtierr.InvalidExtents, op, "region %d has no extent %d", r.token, extent)
	}
	dims, err := s.model.Dimensions(r.space)
	if err != nil {
		return nil, 0, rtierr.Internal(op, err)
	}
	for i, d := range dims {
		if d.Handle == dim {
			return &exts[extent], i, nil
		}
	}
	return nil, 0, rtierr.New(rtierr.NotDefined, op, "dimension %d is not in routing space %d", dim, r.space)
}

func (s *Store) validate(op string, space types.RoutingSpaceHandle, token types.RegionToken, exts []Extent) error {
	dims, err := s.model.Dimensions(space)
	if err != nil {
		return err
	}
	for i, e := range exts {
		if e.Region != token {
			return rtierr.New(rtierr.InvalidExtents, op, "extent %d of region %d belongs to region %d", i, token, e.Region)
		}
		if len(e.Bounds) != len(dims) {
			return rtierr.New(rtierr.InvalidExtents, op, "extent %d of region %d has %d dimensions, routing space has %d", i, token, len(e.Bounds), len(dims))
		}
		for j, b := range e.Bounds {
			if b.Lower > b.Upper {
				return rtierr.New(rtierr.InvalidExtents, op, "region %d extent %d dimension %s: lower above upper in %s", token, i, dims[j].Name, b)
			}
			if b.Upper > dims[j].UpperBound {
				return rtierr.New(rtierr.InvalidExtents, op, "region %d extent %d dimension %s: %s exceeds upper bound %d", token, i, dims[j].Name, b, dims[j].UpperBound)
			}
		}
	}
	return nil
}

func (s *Store) checkAttributeSpace(op string, r *region, class types.ObjectClassHandle, attrs types.AttributeSet) error {
	for _, a := range attrs {
		space, err := s.model.AttributeRoutingSpace(class, a)
		if err != nil {
			return err
		}
		if space != r.space {
			return rtierr.New(rtierr.InvalidRegionContext, op, "attribute %d is not in routing space %d", a, r.space)
		}
	}
	return nil
}

func sortTokens(tokens []types.RegionToken) {
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
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
