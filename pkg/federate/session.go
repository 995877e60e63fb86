// Package federate ties the federate-side tables to one RTI channel. A
// Session validates application requests against its tables, sends them to
// the broker, and queues broker callbacks for delivery to an Ambassador.
package federate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"federate/pkg/channel"
	"federate/pkg/ddm"
	"federate/pkg/identity"
	"federate/pkg/logicaltime"
	"federate/pkg/metrics"
	"federate/pkg/ownership"
	"federate/pkg/rtierr"
	"federate/pkg/schema"
	"federate/pkg/snapshot"
	"federate/pkg/timeadvance"
	"federate/pkg/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultQueueDepth bounds the callback queue when Options.QueueDepth is zero.
const DefaultQueueDepth = 1024

// Options configures a Session.
type Options struct {
	Schema  *schema.Schema
	Channel channel.Channel

	// Archive holds saved snapshots. Without one every save and restore
	// reports NotComplete.
	Archive *snapshot.Archive

	// Metrics defaults to a set registered on a private registry.
	Metrics *metrics.Metrics

	QueueDepth      int
	MaxSnapshotSize int64
	Logger          *zap.Logger
}

// Session is one federate's membership in one federation.
type Session struct {
	id      string
	schema  *schema.Schema
	ch      channel.Channel
	archive *snapshot.Archive
	metrics *metrics.Metrics
	logger  *zap.Logger

	registry *identity.Registry
	clock    *timeadvance.Manager
	decls    *declarations
	owners   *ownership.Manager
	regions  *ddm.Store
	codec    *snapshot.Codec

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	queue  chan channel.Message
	done   chan struct{} // closed when the receiver stops

	errMu   sync.Mutex
	recvErr error

	mu         sync.RWMutex
	amb        Ambassador
	joining    bool
	joined     bool
	federation string
	federate   string
	handle     types.FederateHandle
	seq        uint32
	names      map[types.ObjectInstanceHandle]string
	saving     bool
	restoring  bool

	delivering atomic.Bool
	closeOnce  sync.Once
}

// New creates a session over opts.Channel and starts receiving callbacks.
// The session owns the channel from here on.
func New(opts Options) (*Session, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}

	id := uuid.New().String()
	logger := opts.Logger.With(zap.String("session", id))

	s := &Session{
		id:      id,
		schema:  opts.Schema,
		ch:      opts.Channel,
		archive: opts.Archive,
		metrics: opts.Metrics,
		logger:  logger,
		queue:   make(chan channel.Message, opts.QueueDepth),
		done:    make(chan struct{}),
		names:   make(map[types.ObjectInstanceHandle]string),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.registry = identity.New(logger.Named("identity"))
	s.clock = timeadvance.New(logger.Named("time"))
	s.decls = newDeclarations()
	s.owners = ownership.New(opts.Schema, s.decls, logger.Named("ownership"))
	s.regions = ddm.New(opts.Schema, s.registry, logger.Named("ddm"))
	s.codec = snapshot.NewCodec(s.registry, s.regions, opts.MaxSnapshotSize, logger.Named("snapshot"))

	s.clock.SetObserver(s.observeTime)
	s.owners.SetObserver(func(c ownership.Change) {
		s.metrics.OwnershipTransitions.WithLabelValues(c.To.String()).Inc()
	})

	go s.receive()

	logger.Info("Federate session created", zap.Int("queue_depth", opts.QueueDepth))
	return s, nil
}

func (s *Session) observeTime(tr timeadvance.Transition) {
	if tr.To != types.TimeGranted {
		return
	}
	s.metrics.TimeGrants.Inc()
	if v, ok := timeValue(tr.Time); ok {
		s.metrics.CurrentTime.Set(v)
	}
}

func timeValue(t logicaltime.Time) (float64, bool) {
	switch v := t.(type) {
	case logicaltime.Float64Time:
		return v.Value(), true
	case logicaltime.Integer64Time:
		return float64(v.Value()), true
	}
	return 0, false
}

// receive moves broker callbacks into the queue until the channel ends. A
// full queue blocks the channel.
func (s *Session) receive() {
	defer close(s.done)
	for {
		m, err := s.ch.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.errMu.Lock()
				s.recvErr = err
				s.errMu.Unlock()
				s.logger.Warn("RTI channel failed", zap.Error(err))
			}
			return
		}
		if !m.Kind.IsCallback() {
			s.logger.Warn("Ignoring request kind from broker", zap.Stringer("kind", m.Kind))
			continue
		}
		select {
		case s.queue <- m:
			s.metrics.QueueDepth.Set(float64(len(s.queue)))
		case <-s.ctx.Done():
			return
		}
	}
}

// stopped reports why the receiver ended once nothing is left to deliver.
func (s *Session) stopped() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	if len(s.queue) > 0 {
		return nil
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.recvErr != nil {
		return s.recvErr
	}
	return channel.ErrClosed
}

// Close stops the receiver and closes the channel. It does not resign.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.ch.Close()
		<-s.done
		s.logger.Info("Federate session closed")
	})
	return err
}

func (s *Session) ID() string { return s.id }

func (s *Session) Schema() *schema.Schema { return s.schema }

func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// FederateHandle returns the handle the broker assigned at join.
func (s *Session) FederateHandle() (types.FederateHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.joined {
		return 0, rtierr.New(rtierr.FederateNotExecutionMember, "federate.FederateHandle", "not joined")
	}
	return s.handle, nil
}

// Join asks the broker to admit this federate. Membership starts when the
// JoinConfirmed callback is delivered. An empty timeImplementation leaves the
// choice to the broker.
func (s *Session) Join(ctx context.Context, federation, federate, federateType, timeImplementation string, amb Ambassador) error {
	const op = "federate.Join"

	if timeImplementation != "" {
		if _, err := logicaltime.FactoryFor(timeImplementation); err != nil {
			return err
		}
	}
	if amb == nil {
		amb = NopAmbassador{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joined || s.joining {
		return rtierr.New(rtierr.FederateAlreadyExecutionMember, op, "federation %q", s.federation)
	}
	err := s.send(ctx, channel.Message{
		Kind:               channel.KindJoin,
		Federation:         federation,
		Federate:           federate,
		FederateType:       federateType,
		TimeImplementation: timeImplementation,
	})
	if err != nil {
		return rtierr.Internal(op, err)
	}

	s.joining = true
	s.amb = amb
	s.federation = federation
	s.federate = federate

	s.logger.Info("Join requested",
		zap.String("federation", federation),
		zap.String("federate", federate))
	return nil
}

// Resign leaves the federation and clears every table.
func (s *Session) Resign(ctx context.Context) error {
	const op = "federate.Resign"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(op, true); err != nil {
		return err
	}
	if err := s.send(ctx, channel.Message{Kind: channel.KindResign}); err != nil {
		return rtierr.Internal(op, err)
	}

	s.owners.Clear()
	s.regions.Clear()
	s.registry.Clear()
	s.clock.Resign()
	s.decls.reset()
	s.names = make(map[types.ObjectInstanceHandle]string)
	s.joined = false
	s.handle = 0
	s.seq = 0
	s.metrics.RegionsLive.Set(0)

	s.logger.Info("Resigned", zap.String("federation", s.federation))
	return nil
}

// check fails unless the federate is joined. Mutating calls also fail while
// a save or restore is in progress.
func (s *Session) check(op string, mutating bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLocked(op, mutating)
}

func (s *Session) checkLocked(op string, mutating bool) error {
	if !s.joined {
		return rtierr.New(rtierr.FederateNotExecutionMember, op, "not joined")
	}
	if mutating && s.saving {
		return rtierr.New(rtierr.SaveInProgress, op, "federation save in progress")
	}
	if mutating && s.restoring {
		return rtierr.New(rtierr.RestoreInProgress, op, "federation restore in progress")
	}
	return nil
}

func (s *Session) send(ctx context.Context, m channel.Message) error {
	kind := m.Kind.String()
	if err := s.ch.Send(ctx, m); err != nil {
		s.metrics.RequestsFailed.WithLabelValues(kind).Inc()
		return err
	}
	s.metrics.RequestsSent.WithLabelValues(kind).Inc()
	return nil
}

// sender binds m to a send closure for the table calls.
func (s *Session) sender(ctx context.Context, m channel.Message) func() error {
	return func() error { return s.send(ctx, m) }
}

func (s *Session) federationID(obj types.ObjectInstanceHandle) (types.FederationID, error) {
	if _, err := s.owners.Class(obj); err != nil {
		return 0, err
	}
	return s.registry.Federation(obj)
}

// ObjectInstanceName returns the name an object was registered or discovered with.
func (s *Session) ObjectInstanceName(obj types.ObjectInstanceHandle) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[obj]
	if !ok {
		return "", rtierr.New(rtierr.NotKnown, "federate.ObjectInstanceName", "object %d", obj)
	}
	return name, nil
}

func encodeValues(vals map[types.Handle][]byte) []channel.Value {
	out := make([]channel.Value, 0, len(vals))
	for h, data := range vals {
		out = append(out, channel.Value{Handle: h, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func decodeValues(vals []channel.Value) map[types.Handle][]byte {
	out := make(map[types.Handle][]byte, len(vals))
	for _, v := range vals {
		out[v.Handle] = v.Data
	}
	return out
}

func regionData(r ddm.Region) channel.RegionData {
	d := channel.RegionData{Token: r.Token, RoutingSpace: r.RoutingSpace}
	for _, e := range r.Extents {
		d.Extents = append(d.Extents, append([]ddm.RangeBound(nil), e.Bounds...))
	}
	return d
}
