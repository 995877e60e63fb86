package federate

import (
	"context"
	"errors"
	"testing"
	"time"

	"federate/pkg/channel"
	"federate/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queued waits until the receiver has moved n callbacks into the queue.
func (h *harness) queued(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.s.queue) >= n }, 2*time.Second, time.Millisecond)
}

func TestEvokeDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.join()

	n, err := h.s.Evoke(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.remote.Send(h.ctx, channel.Message{Kind: channel.KindTimeBounds}))
	}
	h.queued(3)

	n, err = h.s.Evoke(0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.CallbacksDelivered.WithLabelValues("TimeBounds")))
}

func TestEvokeIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.join()
	_, fed := h.discoverVehicle(1)

	var nested error
	h.amb.onReflect = func(Reflection) {
		_, nested = h.s.Evoke(0)
	}
	h.push(channel.Message{Kind: channel.KindReflectAttributes, Object: fed})
	assert.ErrorIs(t, nested, ErrDeliveryInProgress)

	// The flag is released once the outer delivery returns.
	n, err := h.s.Evoke(0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvokeCallbackHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.join()

	ctx, cancel := context.WithTimeout(h.ctx, 20*time.Millisecond)
	defer cancel()
	n, err := h.s.EvokeCallback(ctx, 0)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvokeAfterChannelEnds(t *testing.T) {
	h := newHarness(t)
	h.join()

	require.NoError(t, h.remote.Send(h.ctx, channel.Message{Kind: channel.KindTimeAdvanceGrant}))
	require.NoError(t, h.remote.Close())

	require.Eventually(t, func() bool {
		select {
		case <-h.s.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	// Callbacks already sent are still delivered before the end is reported.
	n, err := h.s.Evoke(0)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, channel.ErrClosed)

	n, err = h.s.EvokeCallback(h.ctx, 0)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, channel.ErrClosed)

	// After the end, requests fail as internal errors.
	err = h.s.EnableTimeConstrained(h.ctx)
	assert.True(t, errors.Is(err, channel.ErrClosed))
}

func TestStartPump(t *testing.T) {
	h := newHarness(t)
	h.join()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.s.StartPump(ctx, 5*time.Millisecond, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.remote.Send(h.ctx, channel.Message{Kind: channel.KindTimeBounds}))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.CallbacksDelivered.WithLabelValues("TimeBounds")) == 5
	}, 2*time.Second, 5*time.Millisecond)

	// A callback with an unknown object is counted as dropped, not fatal.
	require.NoError(t, h.remote.Send(h.ctx, channel.Message{Kind: channel.KindRemoveObject, Object: types.FederationID(42)}))
	require.Eventually(t, func() bool { return h.dropped() == 1 }, 2*time.Second, 5*time.Millisecond)
}
