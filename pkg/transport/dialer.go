package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// WebSocketDialer implements the driver's PeerDialer collaborator over
// plain WebSocket connections. Each Send dials the peer fresh, ships the
// signed request, and waits for the single reply frame before closing: the
// driver's request/reply traffic (Ping/Pong, PeerSetDelta exchanges) is
// low-volume enough that connection reuse isn't worth the bookkeeping.
type WebSocketDialer struct {
	privateKey *identity.PrivateKey
	config     WebSocketConfig
	logger     *logging.Logger
}

// NewWebSocketDialer builds a dialer that signs outbound messages with
// privateKey.
func NewWebSocketDialer(privateKey *identity.PrivateKey, config WebSocketConfig, logger *logging.Logger) *WebSocketDialer {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &WebSocketDialer{
		privateKey: privateKey,
		config:     config,
		logger:     logger.WithField("component", "ws_dialer"),
	}
}

// Send implements driver.PeerDialer.
func (d *WebSocketDialer) Send(ctx context.Context, peer identity.BoundPeer, msg *protocol.Message) (*protocol.Message, error) {
	addr := fmt.Sprintf("ws://%s:%d", peer.Host, peer.Port)
	sock, err := DialWebSocket(ctx, addr, d.config)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer sock.Close()

	frames, err := protocol.ToTransportMessage(msg, d.privateKey)
	if err != nil {
		return nil, err
	}
	if err := sock.SendMultipart(ctx, nil, frames); err != nil {
		return nil, err
	}

	_, replyFrames, err := sock.RecvMultipart(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Parse(replyFrames, true)
}

// QUICDialer implements the driver's PeerDialer collaborator over QUIC,
// opening a fresh connection and one bidirectional stream per call. It is an
// alternate to WebSocketDialer for operators who want QUIC on the peer link;
// the driver itself is transport-agnostic and works identically with either.
type QUICDialer struct {
	privateKey *identity.PrivateKey
	tlsConfig  *tls.Config
	logger     *logging.Logger
}

// NewQUICDialer builds a dialer that signs outbound messages with
// privateKey and dials peers over QUIC using tlsConfig (see
// InsecureDialTLSConfig for the common peer-to-peer case).
func NewQUICDialer(privateKey *identity.PrivateKey, tlsConfig *tls.Config, logger *logging.Logger) *QUICDialer {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &QUICDialer{
		privateKey: privateKey,
		tlsConfig:  tlsConfig,
		logger:     logger.WithField("component", "quic_dialer"),
	}
}

// Send implements driver.PeerDialer.
func (d *QUICDialer) Send(ctx context.Context, peer identity.BoundPeer, msg *protocol.Message) (*protocol.Message, error) {
	addr := fmt.Sprintf("%s:%d", peer.Host, peer.Port)
	sock, err := DialQUIC(ctx, addr, d.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}
	defer sock.Close()

	frames, err := protocol.ToTransportMessage(msg, d.privateKey)
	if err != nil {
		return nil, err
	}
	if err := sock.SendMultipart(ctx, nil, frames); err != nil {
		return nil, err
	}

	_, replyFrames, err := sock.RecvMultipart(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Parse(replyFrames, true)
}
