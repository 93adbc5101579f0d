package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
)

// QUICListener accepts inbound QUIC connections, one bidirectional stream
// per connection, mirroring the stream layout of a single-stream-per-peer
// QUIC transport.
type QUICListener struct {
	listener   *quic.Listener
	quicConfig *quic.Config
	tlsConfig  *tls.Config
	logger     *logging.Logger
}

// DefaultQUICConfig mirrors the one-stream-per-peer shape: a kademlia peer
// link carries request/response traffic serially, so a single bidirectional
// stream is sufficient.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
		KeepAlivePeriod:       10 * time.Second,
		MaxIdleTimeout:        30 * time.Second,
	}
}

func NewQUICListener(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	quicConfig := DefaultQUICConfig()
	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen on %q: %w", addr, err)
	}

	return &QUICListener{
		listener:   listener,
		quicConfig: quicConfig,
		tlsConfig:  tlsConfig,
		logger:     logging.GetDefaultLogger().WithField("component", "quic_transport"),
	}, nil
}

// Accept waits for an inbound connection and opens its bidirectional
// stream, returning a ready-to-use FrameSocket.
func (l *QUICListener) Accept(ctx context.Context) (*QUICSocket, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic accept: %w", err)
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to accept stream")
		return nil, fmt.Errorf("transport: quic accept stream: %w", err)
	}

	return newQUICSocket(conn, stream, l.logger), nil
}

func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's bound address, e.g. to recover the chosen
// port for an ephemeral ":0" listen address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// DialQUIC establishes an outbound QUIC connection and opens its
// bidirectional stream.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICSocket, error) {
	quicConfig := DefaultQUICConfig()

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %q: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to open stream")
		return nil, fmt.Errorf("transport: quic open stream: %w", err)
	}

	logger := logging.GetDefaultLogger().WithField("component", "quic_transport")
	return newQUICSocket(conn, stream, logger), nil
}

// QUICSocket is a dealer-style FrameSocket backed by a single bidirectional
// QUIC stream. Each multi-part message is written as one length-prefixed
// blob (encodeFrames) preceded by its own 4-byte length prefix, since a
// stream has no inherent message boundaries the way a WebSocket connection
// does.
type QUICSocket struct {
	conn   *quic.Conn
	stream *quic.Stream
	logger *logging.Logger

	writeMu sync.Mutex
}

func newQUICSocket(conn *quic.Conn, stream *quic.Stream, logger *logging.Logger) *QUICSocket {
	return &QUICSocket{conn: conn, stream: stream, logger: logger}
}

func (s *QUICSocket) Reply() bool { return true }

// RemoteAddr returns the remote endpoint's "host:port", used to build the
// BoundPeer recorded in the routing table for an inbound connection.
func (s *QUICSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *QUICSocket) SendMultipart(ctx context.Context, _ *identity.Address, frames Frames) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.stream.SetWriteDeadline(deadline)
	}

	payload := encodeFrames(frames)
	var lenPrefix [4]byte
	putUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := s.stream.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("transport: quic write length prefix: %w", err)
	}
	if _, err := s.stream.Write(payload); err != nil {
		return fmt.Errorf("transport: quic write payload: %w", err)
	}
	return nil
}

func (s *QUICSocket) RecvMultipart(ctx context.Context) (*identity.Address, Frames, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.stream.SetReadDeadline(deadline)
	}

	var lenPrefix [4]byte
	if _, err := readFull(s.stream, lenPrefix[:]); err != nil {
		return nil, nil, fmt.Errorf("transport: quic read length prefix: %w", err)
	}
	size := getUint32(lenPrefix[:])

	payload := make([]byte, size)
	if _, err := readFull(s.stream, payload); err != nil {
		return nil, nil, fmt.Errorf("transport: quic read payload: %w", err)
	}

	frames, err := decodeFrames(payload)
	if err != nil {
		return nil, nil, err
	}
	return nil, frames, nil
}

func (s *QUICSocket) Close() error {
	s.conn.CloseWithError(0, "closing")
	return nil
}
