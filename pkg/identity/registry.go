// Package identity translates between federation-wide object identifiers and
// this federate's local handles. One Registry belongs to one federate session.
package identity

import (
	"fmt"
	"sort"
	"sync"

	"federate/pkg/rtierr"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// Mapping is one forward-map entry.
type Mapping struct {
	Federation types.FederationID
	Local      types.Handle
}

// State is a point-in-time copy of a Registry, in stable order.
type State struct {
	NextObject types.Handle
	NextRegion types.RegionToken
	Mappings   []Mapping // sorted by Federation
}

// Registry keeps the forward (federation -> local) and reverse maps as mutual
// inverses. All access serializes on one lock.
type Registry struct {
	mu sync.RWMutex

	nextObject types.Handle
	nextRegion types.RegionToken
	forward    map[types.FederationID]types.Handle
	reverse    map[types.Handle]types.FederationID

	logger *zap.Logger
}

// New creates an empty registry. Handle counters start at 1.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		nextObject: 1,
		nextRegion: 1,
		forward:    make(map[types.FederationID]types.Handle),
		reverse:    make(map[types.Handle]types.FederationID),
		logger:     logger,
	}
}

// Local translates a federation id to its local handle, allocating a new local
// handle on first reference.
func (r *Registry) Local(fed types.FederationID) types.Handle {
	r.mu.RLock()
	local, ok := r.forward[fed]
	r.mu.RUnlock()
	if ok {
		return local
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again after acquiring write lock
	if local, ok := r.forward[fed]; ok {
		return local
	}

	local = r.nextObject
	r.nextObject++
	r.forward[fed] = local
	r.reverse[local] = fed

	r.logger.Debug("Allocated local handle",
		zap.Uint64("federation_id", uint64(fed)),
		zap.Uint64("local", uint64(local)))

	return local
}

// Lookup returns the local handle for fed without allocating.
func (r *Registry) Lookup(fed types.FederationID) (types.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	local, ok := r.forward[fed]
	return local, ok
}

// Federation translates a local handle back to its federation id.
func (r *Registry) Federation(local types.Handle) (types.FederationID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fed, ok := r.reverse[local]
	if !ok {
		return 0, rtierr.New(rtierr.NotKnown, "identity.Federation", "local handle %d", local)
	}
	return fed, nil
}

// Forget drops the mapping for a local handle. Handles are never reused.
func (r *Registry) Forget(local types.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fed, ok := r.reverse[local]
	if !ok {
		return rtierr.New(rtierr.NotKnown, "identity.Forget", "local handle %d", local)
	}
	delete(r.reverse, local)
	delete(r.forward, fed)
	return nil
}

// NextRegionToken allocates a region token.
func (r *Registry) NextRegionToken() types.RegionToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextRegion
	r.nextRegion++
	return token
}

// Len returns the number of live mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}

// Clear drops every mapping and resets the counters, as at resign.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextObject = 1
	r.nextRegion = 1
	r.forward = make(map[types.FederationID]types.Handle)
	r.reverse = make(map[types.Handle]types.FederationID)
}

// Snapshot copies the registry in stable iteration order.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := State{
		NextObject: r.nextObject,
		NextRegion: r.nextRegion,
		Mappings:   make([]Mapping, 0, len(r.forward)),
	}
	for fed, local := range r.forward {
		st.Mappings = append(st.Mappings, Mapping{Federation: fed, Local: local})
	}
	sort.Slice(st.Mappings, func(i, j int) bool {
		return st.Mappings[i].Federation < st.Mappings[j].Federation
	})
	return st
}

// Restore replaces both maps and the counters with st. The state is validated
// in full before anything is swapped in, so a rejected state leaves the
// registry untouched.
func (r *Registry) Restore(st State) error {
	forward, reverse, err := buildMaps(st)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextObject = st.NextObject
	r.nextRegion = st.NextRegion
	r.forward = forward
	r.reverse = reverse

	r.logger.Info("Restored identity registry",
		zap.Int("mappings", len(forward)),
		zap.Uint64("next_object", uint64(st.NextObject)),
		zap.Uint64("next_region", uint64(st.NextRegion)))

	return nil
}

// Validate checks that st could be restored.
func (st State) Validate() error {
	_, _, err := buildMaps(st)
	return err
}

func buildMaps(st State) (map[types.FederationID]types.Handle, map[types.Handle]types.FederationID, error) {
	if st.NextObject == 0 || st.NextRegion == 0 {
		return nil, nil, fmt.Errorf("identity: counters must be positive (object=%d region=%d)", st.NextObject, st.NextRegion)
	}

	forward := make(map[types.FederationID]types.Handle, len(st.Mappings))
	reverse := make(map[types.Handle]types.FederationID, len(st.Mappings))
	for _, m := range st.Mappings {
		if m.Local == 0 || m.Local >= st.NextObject {
			return nil, nil, fmt.Errorf("identity: local handle %d outside allocated range [1,%d)", m.Local, st.NextObject)
		}
		if _, dup := forward[m.Federation]; dup {
			return nil, nil, fmt.Errorf("identity: duplicate federation id %d", m.Federation)
		}
		if _, dup := reverse[m.Local]; dup {
			return nil, nil, fmt.Errorf("identity: duplicate local handle %d", m.Local)
		}
		forward[m.Federation] = m.Local
		reverse[m.Local] = m.Federation
	}
	return forward, reverse, nil
}
