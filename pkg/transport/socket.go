// Package transport implements the message-framed socket abstraction that
// the protocol codec and driver are built against (spec.md §6's "transport
// requirements"). The concrete transport is an external collaborator: this
// package only supplies the FrameSocket interface plus a couple of real
// implementations (WebSocket, QUIC) and an in-memory one for tests.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

// Frames is a single multi-part message: an ordered sequence of
// length-delimited byte strings whose boundaries the transport preserves.
type Frames [][]byte

// FrameSocket is the socket abstraction the codec and driver depend on.
// A router-style socket supplies/consumes a sender identity per message
// (reply=false framing); a dealer-style socket does not (reply=true
// framing).
type FrameSocket interface {
	// SendMultipart writes frames to the peer. recipient addresses a
	// specific peer on a router-style socket; dealer-style sockets that
	// are already bound to one peer ignore it.
	SendMultipart(ctx context.Context, recipient *identity.Address, frames Frames) error

	// RecvMultipart blocks for the next inbound message. sender is
	// non-nil only when the underlying socket is router-style.
	RecvMultipart(ctx context.Context) (sender *identity.Address, frames Frames, err error)

	// Reply reports whether frames produced/consumed by this socket use
	// the reply=true (dealer) shape, as opposed to reply=false (router).
	Reply() bool

	Close() error
}

// encodeFrames serializes Frames to a single length-prefixed byte blob:
// [frameCount(4B)]{[frameLen(4B)][bytes]}*. Transports that carry an entire
// multi-part message as one underlying message (WebSocket, a QUIC stream
// write) use this; transports with native multi-part support (a real
// ZeroMQ-style socket) would skip it entirely.
func encodeFrames(frames Frames) []byte {
	total := 4
	for _, f := range frames {
		total += 4 + len(f)
	}

	buf := make([]byte, 0, total)
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frames)))
	buf = append(buf, lenBuf[:]...)

	for _, f := range frames {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, f...)
	}

	return buf
}

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

func decodeFrames(data []byte) (Frames, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("transport: truncated frame count")
	}
	count := binary.BigEndian.Uint32(data[:4])
	offset := 4

	frames := make(Frames, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("transport: truncated frame length prefix")
		}
		frameLen := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		if offset+int(frameLen) > len(data) {
			return nil, fmt.Errorf("transport: truncated frame body")
		}
		frame := make([]byte, frameLen)
		copy(frame, data[offset:offset+int(frameLen)])
		frames = append(frames, frame)
		offset += int(frameLen)
	}

	return frames, nil
}
