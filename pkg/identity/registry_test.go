package identity

import (
	"math/rand"
	"sync"
	"testing"

	"federate/pkg/rtierr"
	"federate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func assertInverse(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	require.Equal(t, len(r.forward), len(r.reverse))
	for fed, local := range r.forward {
		back, ok := r.reverse[local]
		require.True(t, ok, "local %d missing from reverse map", local)
		require.Equal(t, fed, back)
	}
}

func TestRegistry_LocalAllocatesOnce(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	a := r.Local(1000)
	b := r.Local(2000)
	again := r.Local(1000)

	assert.Equal(t, types.Handle(1), a)
	assert.Equal(t, types.Handle(2), b)
	assert.Equal(t, a, again)

	fed, err := r.Federation(b)
	require.NoError(t, err)
	assert.Equal(t, types.FederationID(2000), fed)
}

func TestRegistry_FederationNotKnown(t *testing.T) {
	r := New(nil)

	_, err := r.Federation(42)
	require.Error(t, err)
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))
}

func TestRegistry_ForgetKeepsInverse(t *testing.T) {
	r := New(nil)
	local := r.Local(7)
	require.NoError(t, r.Forget(local))

	_, err := r.Federation(local)
	assert.True(t, rtierr.IsKind(err, rtierr.NotKnown))
	_, ok := r.Lookup(7)
	assert.False(t, ok)

	// Handles are not reused after forget
	assert.Equal(t, types.Handle(2), r.Local(7))
	assertInverse(t, r)

	assert.True(t, rtierr.IsKind(r.Forget(99), rtierr.NotKnown))
}

func TestRegistry_RandomSequenceStaysInverse(t *testing.T) {
	r := New(nil)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		fed := types.FederationID(rng.Intn(300))
		switch rng.Intn(3) {
		case 0, 1:
			r.Local(fed)
		case 2:
			if local, ok := r.Lookup(fed); ok {
				require.NoError(t, r.Forget(local))
			}
		}
		if i%100 == 0 {
			assertInverse(t, r)
		}
	}
	assertInverse(t, r)
}

func TestRegistry_ConcurrentLocal(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	results := make([][]types.Handle, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for fed := 0; fed < 100; fed++ {
				results[w] = append(results[w], r.Local(types.FederationID(fed)))
			}
		}(w)
	}
	wg.Wait()

	// Every worker saw the same mapping
	for w := 1; w < 8; w++ {
		assert.Equal(t, results[0], results[w])
	}
	assert.Equal(t, 100, r.Len())
	assertInverse(t, r)
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	src := New(nil)
	for _, fed := range []types.FederationID{30, 10, 20} {
		src.Local(fed)
	}
	src.NextRegionToken()
	src.NextRegionToken()

	st := src.Snapshot()
	assert.Equal(t, types.Handle(4), st.NextObject)
	assert.Equal(t, types.RegionToken(3), st.NextRegion)
	require.Len(t, st.Mappings, 3)
	assert.Equal(t, types.FederationID(10), st.Mappings[0].Federation)
	assert.Equal(t, types.FederationID(30), st.Mappings[2].Federation)

	dst := New(nil)
	require.NoError(t, dst.Restore(st))
	assert.Equal(t, st, dst.Snapshot())
	assertInverse(t, dst)

	// Counters continue after restore
	assert.Equal(t, types.Handle(4), dst.Local(40))
	assert.Equal(t, types.RegionToken(3), dst.NextRegionToken())
}

func TestRegistry_RestoreRejectsBadState(t *testing.T) {
	tests := []struct {
		name string
		st   State
	}{
		{"zero counters", State{}},
		{"duplicate federation", State{NextObject: 5, NextRegion: 1, Mappings: []Mapping{{1, 1}, {1, 2}}}},
		{"duplicate local", State{NextObject: 5, NextRegion: 1, Mappings: []Mapping{{1, 1}, {2, 1}}}},
		{"local beyond counter", State{NextObject: 2, NextRegion: 1, Mappings: []Mapping{{1, 3}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			r.Local(77)
			before := r.Snapshot()

			require.Error(t, r.Restore(tt.st))
			assert.Equal(t, before, r.Snapshot())
		})
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := New(nil)
	r.Local(1)
	r.NextRegionToken()
	r.Clear()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, types.Handle(1), r.Local(5))
	assert.Equal(t, types.RegionToken(1), r.NextRegionToken())
}
