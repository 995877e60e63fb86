package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"federate/pkg/logicaltime"
	"federate/pkg/types"

	"go.uber.org/zap"
)

// DevBroker is a single-federate broker for development and tests. It
// confirms every time and lookahead request immediately, grants each
// advance at the requested time, reports every acquisition as unavailable
// and runs save/restore rounds with the connected federate as the only
// member.
type DevBroker struct {
	// TimeImplementation is reported at join when the federate does not
	// ask for one.
	TimeImplementation string

	mu     sync.Mutex
	next   types.FederateHandle
	logger *zap.Logger
}

// NewDevBroker creates a broker.
func NewDevBroker(logger *zap.Logger) *DevBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevBroker{TimeImplementation: logicaltime.Float64Name, logger: logger}
}

func (b *DevBroker) handle() types.FederateHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return b.next
}

type devSession struct {
	federate types.FederateHandle
	factory  logicaltime.Factory
	current  []byte
}

// Connect serves one federate until it resigns or disconnects.
func (b *DevBroker) Connect(ch Channel) error {
	ctx := context.Background()
	s := &devSession{}
	for {
		m, err := ch.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		b.logger.Debug("Dev broker request", zap.Stringer("kind", m.Kind))

		replies, done, err := b.answer(s, m)
		if err != nil {
			b.logger.Warn("Dev broker rejected request", zap.Stringer("kind", m.Kind), zap.Error(err))
			continue
		}
		for _, r := range replies {
			if err := ch.Send(ctx, r); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func (b *DevBroker) answer(s *devSession, m Message) ([]Message, bool, error) {
	switch m.Kind {
	case KindJoin:
		name := m.TimeImplementation
		if name == "" {
			name = b.TimeImplementation
		}
		f, err := logicaltime.FactoryFor(name)
		if err != nil {
			return []Message{{Kind: KindJoinConfirmed, Reason: err.Error()}}, false, nil
		}
		s.factory = f
		s.federate = b.handle()
		s.current = f.Initial().Encode()
		b.logger.Info("Federate joined dev broker",
			zap.String("federation", m.Federation),
			zap.String("federate", m.Federate),
			zap.Uint32("handle", uint32(s.federate)))
		return []Message{{
			Kind:               KindJoinConfirmed,
			Success:            true,
			FederateHandle:     s.federate,
			TimeImplementation: f.Name(),
		}}, false, nil

	case KindResign:
		return nil, true, nil

	case KindEnableTimeRegulation:
		return []Message{{Kind: KindTimeRegulationEnabled, Time: s.current}}, false, nil
	case KindEnableTimeConstrained:
		return []Message{{Kind: KindTimeConstrainedEnabled, Time: s.current}}, false, nil
	case KindTimeAdvanceRequest:
		if s.factory == nil {
			return nil, false, fmt.Errorf("advance before join")
		}
		if _, err := s.factory.DecodeTime(m.Time); err != nil {
			return nil, false, err
		}
		s.current = m.Time
		return []Message{{Kind: KindTimeAdvanceGrant, Time: m.Time}}, false, nil
	case KindModifyLookahead:
		return []Message{{Kind: KindLookaheadConfirmed, Interval: m.Interval}}, false, nil

	case KindAcquisition, KindAcquisitionIfAvailable:
		return []Message{{Kind: KindOwnershipUnavailable, Object: m.Object, Attributes: m.Attributes}}, false, nil

	case KindRequestFederationSave:
		return []Message{{Kind: KindInitiateFederateSave, Label: m.Label}}, false, nil
	case KindFederateSaveComplete, KindFederateSaveNotComplete:
		ok := m.Kind == KindFederateSaveComplete
		return []Message{{Kind: KindFederationSaved, Success: ok, Reason: m.Reason}}, false, nil
	case KindRequestFederationRestore:
		return []Message{{Kind: KindInitiateFederateRestore, Label: m.Label, FederateHandle: s.federate}}, false, nil
	case KindFederateRestoreComplete, KindFederateRestoreNotComplete:
		ok := m.Kind == KindFederateRestoreComplete
		return []Message{{Kind: KindFederationRestored, Success: ok, Reason: m.Reason}}, false, nil
	}
	return nil, false, nil
}
