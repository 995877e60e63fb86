package federate

import (
	"context"

	"federate/pkg/channel"
	"federate/pkg/logicaltime"
	"federate/pkg/types"
)

// EnableTimeRegulation asks to become regulating with the given lookahead.
// The TimeRegulationEnabled callback completes it.
func (s *Session) EnableTimeRegulation(ctx context.Context, lookahead logicaltime.Interval) error {
	if err := s.check("federate.EnableTimeRegulation", true); err != nil {
		return err
	}
	return s.clock.EnableTimeRegulation(lookahead, func() error {
		return s.send(ctx, channel.Message{Kind: channel.KindEnableTimeRegulation, Interval: lookahead.Encode()})
	})
}

func (s *Session) DisableTimeRegulation(ctx context.Context) error {
	if err := s.check("federate.DisableTimeRegulation", true); err != nil {
		return err
	}
	return s.clock.DisableTimeRegulation(s.sender(ctx, channel.Message{Kind: channel.KindDisableTimeRegulation}))
}

// EnableTimeConstrained asks to become constrained. The
// TimeConstrainedEnabled callback completes it.
func (s *Session) EnableTimeConstrained(ctx context.Context) error {
	if err := s.check("federate.EnableTimeConstrained", true); err != nil {
		return err
	}
	return s.clock.EnableTimeConstrained(s.sender(ctx, channel.Message{Kind: channel.KindEnableTimeConstrained}))
}

func (s *Session) DisableTimeConstrained(ctx context.Context) error {
	if err := s.check("federate.DisableTimeConstrained", true); err != nil {
		return err
	}
	return s.clock.DisableTimeConstrained(s.sender(ctx, channel.Message{Kind: channel.KindDisableTimeConstrained}))
}

func (s *Session) EnableAsynchronousDelivery(ctx context.Context) error {
	if err := s.check("federate.EnableAsynchronousDelivery", true); err != nil {
		return err
	}
	return s.clock.EnableAsynchronousDelivery(s.sender(ctx, channel.Message{Kind: channel.KindEnableAsynchronousDelivery}))
}

func (s *Session) DisableAsynchronousDelivery(ctx context.Context) error {
	if err := s.check("federate.DisableAsynchronousDelivery", true); err != nil {
		return err
	}
	return s.clock.DisableAsynchronousDelivery(s.sender(ctx, channel.Message{Kind: channel.KindDisableAsynchronousDelivery}))
}

func (s *Session) TimeAdvanceRequest(ctx context.Context, t logicaltime.Time) error {
	return s.requestAdvance(ctx, "federate.TimeAdvanceRequest", types.AdvanceTimeRequest, t)
}

func (s *Session) TimeAdvanceRequestAvailable(ctx context.Context, t logicaltime.Time) error {
	return s.requestAdvance(ctx, "federate.TimeAdvanceRequestAvailable", types.AdvanceTimeRequestAvailable, t)
}

func (s *Session) NextMessageRequest(ctx context.Context, t logicaltime.Time) error {
	return s.requestAdvance(ctx, "federate.NextMessageRequest", types.AdvanceNextMessageRequest, t)
}

func (s *Session) NextMessageRequestAvailable(ctx context.Context, t logicaltime.Time) error {
	return s.requestAdvance(ctx, "federate.NextMessageRequestAvailable", types.AdvanceNextMessageRequestAvailable, t)
}

func (s *Session) FlushQueueRequest(ctx context.Context, t logicaltime.Time) error {
	return s.requestAdvance(ctx, "federate.FlushQueueRequest", types.AdvanceFlushQueueRequest, t)
}

func (s *Session) requestAdvance(ctx context.Context, op string, kind types.AdvanceKind, t logicaltime.Time) error {
	if err := s.check(op, true); err != nil {
		return err
	}
	return s.clock.RequestAdvance(kind, t, func() error {
		return s.send(ctx, channel.Message{
			Kind: channel.KindTimeAdvanceRequest,
			Time: t.Encode(),
			Mode: uint8(kind),
		})
	})
}

// ModifyLookahead stages a new lookahead; it applies once the broker confirms.
func (s *Session) ModifyLookahead(ctx context.Context, lookahead logicaltime.Interval) error {
	if err := s.check("federate.ModifyLookahead", true); err != nil {
		return err
	}
	return s.clock.ModifyLookahead(lookahead, func() error {
		return s.send(ctx, channel.Message{Kind: channel.KindModifyLookahead, Interval: lookahead.Encode()})
	})
}

func (s *Session) CancelLookahead(ctx context.Context) error {
	if err := s.check("federate.CancelLookahead", true); err != nil {
		return err
	}
	return s.clock.CancelLookahead(s.sender(ctx, channel.Message{Kind: channel.KindCancelLookahead}))
}

func (s *Session) QueryLogicalTime() (logicaltime.Time, error) { return s.clock.QueryLogicalTime() }

func (s *Session) QueryLookahead() (logicaltime.Interval, error) { return s.clock.QueryLookahead() }

// QueryGALT returns the greatest available logical time; ok is false while
// it is undefined.
func (s *Session) QueryGALT() (t logicaltime.Time, ok bool, err error) { return s.clock.QueryGALT() }

// QueryLITS returns the least incoming time stamp; ok is false while it is
// undefined.
func (s *Session) QueryLITS() (t logicaltime.Time, ok bool, err error) { return s.clock.QueryLITS() }

func (s *Session) TimeState() types.TimeState { return s.clock.State() }

func (s *Session) IsTimeRegulating() bool { return s.clock.IsRegulating() }

func (s *Session) IsTimeConstrained() bool { return s.clock.IsConstrained() }

// TimeFactory returns the time implementation fixed at join.
func (s *Session) TimeFactory() (logicaltime.Factory, error) { return s.clock.Factory() }
