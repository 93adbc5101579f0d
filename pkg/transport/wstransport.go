package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
)

// WebSocketConfig configures a WebSocketSocket.
type WebSocketConfig struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// DefaultWebSocketConfig returns sane defaults for a routing-table peer
// connection.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   4 << 20,
	}
}

// WebSocketSocket is a dealer-style FrameSocket: each multi-part message is
// carried as a single WebSocket binary message, framed with encodeFrames.
// It does not supply a sender identity on receive; a listener that needs
// router semantics pairs one WebSocketSocket per accepted connection and
// tracks the peer identity out of band (see Listener below).
type WebSocketSocket struct {
	conn   *websocket.Conn
	config WebSocketConfig
	logger *logging.Logger

	writeMu sync.Mutex
}

// DialWebSocket connects to a remote peer's WebSocket listener.
func DialWebSocket(ctx context.Context, addr string, config WebSocketConfig) (*WebSocketSocket, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid websocket url %q: %w", addr, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		TLSClientConfig:  config.TLSConfig,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: config.HandshakeTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	conn.SetReadLimit(config.MaxMessageSize)

	return NewWebSocketSocket(conn, config), nil
}

// NewWebSocketSocket wraps an already-established connection, e.g. one
// accepted by a Listener.
func NewWebSocketSocket(conn *websocket.Conn, config WebSocketConfig) *WebSocketSocket {
	return &WebSocketSocket{
		conn:   conn,
		config: config,
		logger: logging.GetDefaultLogger().WithField("component", "ws_transport"),
	}
}

func (s *WebSocketSocket) Reply() bool { return true }

// RemoteAddr returns the remote endpoint's "host:port", used to build the
// BoundPeer recorded in the routing table for an inbound connection.
func (s *WebSocketSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *WebSocketSocket) SendMultipart(ctx context.Context, _ *identity.Address, frames Frames) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, encodeFrames(frames)); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (s *WebSocketSocket) RecvMultipart(ctx context.Context) (*identity.Address, Frames, error) {
	deadline := time.Now().Add(s.config.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("transport: set read deadline: %w", err)
	}

	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: websocket read: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, nil, fmt.Errorf("transport: unexpected websocket message type %d", msgType)
	}

	frames, err := decodeFrames(data)
	if err != nil {
		return nil, nil, err
	}
	return nil, frames, nil
}

func (s *WebSocketSocket) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// Listener accepts inbound peer connections over plain HTTP upgrade and
// hands each one back as a WebSocketSocket. The driver learns the remote
// peer's identity from the verified signer public key of each message it
// reads off the socket, so the listener itself stays identity-agnostic.
type Listener struct {
	addr     string
	upgrader websocket.Upgrader
	config   WebSocketConfig
	logger   *logging.Logger

	mu     sync.Mutex
	conns  chan *WebSocketSocket
	server *http.Server
	ln     net.Listener
}

func NewListener(addr string, config WebSocketConfig) *Listener {
	l := &Listener{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config: config,
		logger: logging.GetDefaultLogger().WithField("component", "ws_listener"),
		conns:  make(chan *WebSocketSocket, 64),
	}
	return l
}

// Serve binds the listen address and starts accepting connections,
// blocking until ctx is canceled. The socket is bound synchronously before
// Serve returns control to any goroutine waiting on Addr(), so a caller
// using ":0" can immediately recover the chosen ephemeral port.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("transport: binding %q: %w", l.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket upgrade failed", logging.Fields{"error": err.Error()})
			return
		}
		conn.SetReadLimit(l.config.MaxMessageSize)
		select {
		case l.conns <- NewWebSocketSocket(conn, l.config):
		default:
			l.logger.Warn("listener backlog full, dropping connection", logging.Fields{})
			_ = conn.Close()
		}
	})

	l.mu.Lock()
	l.ln = ln
	l.server = &http.Server{Handler: mux}
	l.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- l.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		return l.server.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("transport: listener serve: %w", err)
		}
		return nil
	}
}

// Addr returns the listener's bound address, or "" if Serve hasn't bound
// it yet.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Accept blocks until a peer connection is available or ctx is canceled.
func (l *Listener) Accept(ctx context.Context) (*WebSocketSocket, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
