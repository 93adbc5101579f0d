package transport

import (
	"context"
	"fmt"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

type envelope struct {
	sender *identity.Address
	frames Frames
}

// InMemorySocket is a router-style FrameSocket backed by Go channels, used
// by this package's tests that need two sockets talking to each other
// without a real network transport.
type InMemorySocket struct {
	out    chan envelope
	in     chan envelope
	self   identity.Address
	closed chan struct{}
}

// NewInMemoryPair returns two sockets wired to each other: writes to a are
// readable from b and vice versa. Each socket reports the peer's address as
// the sender of every message it receives, approximating router semantics.
func NewInMemoryPair(aAddr, bAddr identity.Address, bufSize int) (a, b *InMemorySocket) {
	ab := make(chan envelope, bufSize)
	ba := make(chan envelope, bufSize)

	a = &InMemorySocket{out: ab, in: ba, self: aAddr, closed: make(chan struct{})}
	b = &InMemorySocket{out: ba, in: ab, self: bAddr, closed: make(chan struct{})}
	return a, b
}

func (s *InMemorySocket) Reply() bool { return false }

func (s *InMemorySocket) SendMultipart(ctx context.Context, _ *identity.Address, frames Frames) error {
	self := s.self
	env := envelope{sender: &self, frames: frames}
	select {
	case s.out <- env:
		return nil
	case <-s.closed:
		return fmt.Errorf("transport: socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *InMemorySocket) RecvMultipart(ctx context.Context) (*identity.Address, Frames, error) {
	select {
	case env, ok := <-s.in:
		if !ok {
			return nil, nil, fmt.Errorf("transport: socket closed")
		}
		return env.sender, env.frames, nil
	case <-s.closed:
		return nil, nil, fmt.Errorf("transport: socket closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (s *InMemorySocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}
