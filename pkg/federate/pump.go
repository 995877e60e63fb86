package federate

import (
	"context"
	"errors"
	"time"

	"federate/pkg/channel"

	"go.uber.org/zap"
)

// ErrDeliveryInProgress is returned when Evoke is called while another
// delivery is running, including from inside an ambassador callback.
var ErrDeliveryInProgress = errors.New("federate: callback delivery already in progress")

// Evoke delivers queued callbacks until the queue is empty or budget has
// elapsed, whichever comes first. A zero budget drains the queue. Once the
// channel has ended and the queue is empty it returns channel.ErrClosed or
// the transport error.
func (s *Session) Evoke(budget time.Duration) (int, error) {
	if !s.delivering.CompareAndSwap(false, true) {
		return 0, ErrDeliveryInProgress
	}
	defer s.delivering.Store(false)

	return s.drain(time.Now(), budget)
}

// EvokeCallback waits for at least one callback, or for ctx, and then drains
// like Evoke.
func (s *Session) EvokeCallback(ctx context.Context, budget time.Duration) (int, error) {
	if !s.delivering.CompareAndSwap(false, true) {
		return 0, ErrDeliveryInProgress
	}
	defer s.delivering.Store(false)

	select {
	case m := <-s.queue:
		start := time.Now()
		s.deliver(m)
		n, err := s.drain(start, budget)
		return n + 1, err
	case <-s.done:
		return s.drain(time.Now(), budget)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) drain(start time.Time, budget time.Duration) (int, error) {
	n := 0
	defer func() { s.metrics.ObserveDrain(start, len(s.queue)) }()

	for budget <= 0 || time.Since(start) < budget {
		select {
		case m := <-s.queue:
			s.deliver(m)
			n++
		default:
			return n, s.stopped()
		}
	}
	return n, nil
}

func (s *Session) deliver(m channel.Message) {
	if err := s.dispatch(m); err != nil {
		s.metrics.CallbacksDropped.Inc()
		s.logger.Warn("Callback dropped", zap.Stringer("kind", m.Kind), zap.Error(err))
		return
	}
	s.metrics.CallbacksDelivered.WithLabelValues(m.Kind.String()).Inc()
}

// StartPump delivers callbacks every interval, each drain bounded by budget,
// until ctx is cancelled, the session is closed or the channel ends.
func (s *Session) StartPump(ctx context.Context, interval, budget time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, err := s.Evoke(budget)
				switch {
				case err == nil, errors.Is(err, ErrDeliveryInProgress):
				case errors.Is(err, channel.ErrClosed):
					s.logger.Info("Callback pump stopped: channel closed")
					return
				default:
					s.logger.Error("Callback pump stopped", zap.Error(err))
					return
				}
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}
