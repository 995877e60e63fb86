package channel

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send on a closed channel.
var ErrClosed = errors.New("channel: closed")

// Channel is one ordered, bidirectional connection. Send may be called from
// several goroutines; Recv from one. Recv returns io.EOF once the peer or
// the local side has closed.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Recv() (Message, error)
	Close() error
}

// Pipe returns two connected in-memory channels. Messages are encoded on
// send and decoded on receive, so the two ends never share buffers.
// buffer is the number of messages each direction holds before Send blocks.
func Pipe(buffer int) (Channel, Channel) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &memChannel{out: ab, in: ba, done: done, once: once}
	b := &memChannel{out: ba, in: ab, done: done, once: once}
	return a, b
}

type memChannel struct {
	out  chan<- []byte
	in   <-chan []byte
	done chan struct{}
	once *sync.Once
}

func (c *memChannel) Send(ctx context.Context, m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- m.Marshal():
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv drains messages already queued before reporting a close.
func (c *memChannel) Recv() (Message, error) {
	select {
	case b := <-c.in:
		return Unmarshal(b)
	default:
	}
	select {
	case b := <-c.in:
		return Unmarshal(b)
	case <-c.done:
		select {
		case b := <-c.in:
			return Unmarshal(b)
		default:
			return Message{}, io.EOF
		}
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
