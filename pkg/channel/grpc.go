package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the gRPC service carrying the broker connection.
	ServiceName   = "federate.rti.v1.Channel"
	connectMethod = "/" + ServiceName + "/Connect"

	// DefaultDialTimeout bounds one connection attempt.
	DefaultDialTimeout = 10 * time.Second
)

// Broker serves one federate connection until the channel closes. The
// handler returning ends the stream.
type Broker interface {
	Connect(ch Channel) error
}

// BrokerFunc adapts a function to Broker.
type BrokerFunc func(ch Channel) error

func (f BrokerFunc) Connect(ch Channel) error { return f(ch) }

// Every frame is a BytesValue holding one marshalled Message, so the
// service needs no generated stubs.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Broker)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "federate/rti/v1/channel.proto",
}

// RegisterBroker installs b on s.
func RegisterBroker(s *grpc.Server, b Broker) {
	s.RegisterService(&serviceDesc, b)
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Broker).Connect(&streamChannel{stream: stream})
}

type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// streamChannel adapts a gRPC stream to Channel. Stream order is the
// channel order.
type streamChannel struct {
	stream msgStream
	sendMu sync.Mutex
	close  func() error
}

func (c *streamChannel) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(m.Marshal())); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}
	return nil
}

func (c *streamChannel) Recv() (Message, error) {
	var frame wrapperspb.BytesValue
	if err := c.stream.RecvMsg(&frame); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("failed to receive: %w", err)
	}
	return Unmarshal(frame.GetValue())
}

func (c *streamChannel) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// DialConfig controls how Dial reaches the broker.
type DialConfig struct {
	Timeout       time.Duration
	Retries       int
	RetryInterval time.Duration
}

// Dial connects to the broker at target and opens the channel stream,
// retrying with exponential backoff. Connections are insecure unless opts
// supply transport credentials.
func Dial(ctx context.Context, target string, cfg DialConfig, logger *zap.Logger, opts ...grpc.DialOption) (Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	var lastErr error
	delay := cfg.RetryInterval
	for attempt := 0; attempt < cfg.Retries; attempt++ {
		ch, err := dialOnce(ctx, target, cfg.Timeout, dialOpts)
		if err == nil {
			logger.Info("Connected to broker",
				zap.String("target", target),
				zap.Int("attempt", attempt+1))
			return ch, nil
		}
		lastErr = err
		logger.Debug("Broker connection attempt failed",
			zap.String("target", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt == cfg.Retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", target, cfg.Retries, lastErr)
}

func dialOnce(ctx context.Context, target string, timeout time.Duration, opts []grpc.DialOption) (Channel, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()

	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	var once sync.Once
	ch := &streamChannel{stream: stream}
	ch.close = func() error {
		var err error
		once.Do(func() {
			ch.sendMu.Lock()
			stream.CloseSend()
			ch.sendMu.Unlock()
			cancel()
			err = conn.Close()
		})
		return err
	}
	return ch, nil
}
