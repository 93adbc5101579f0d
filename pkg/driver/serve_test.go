package driver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/transport"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

type unreachableDialer struct{}

func (unreachableDialer) Send(ctx context.Context, peer identity.BoundPeer, msg *protocol.Message) (*protocol.Message, error) {
	return nil, ErrUnresponsive
}

// TestServeWebSocketAnswersPing spins up a real WebSocket listener backed by
// a driver and checks that a WebSocketDialer talking to it over an actual
// loopback socket gets back a valid signed Pong.
func TestServeWebSocketAnswersPing(t *testing.T) {
	serverKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	self := identity.NewPeer(serverKey.PublicKey())

	d, err := New(self, serverKey, DefaultConfig(), unreachableDialer{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wsConfig := transport.DefaultWebSocketConfig()
	listener := transport.NewListener("127.0.0.1:0", wsConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- listener.Serve(ctx) }()
	go d.ServeWebSocket(ctx, listener)

	addr := waitForAddr(t, listener)

	callerKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	dialer := transport.NewWebSocketDialer(callerKey, wsConfig, nil)

	host, port, err := splitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting bound address failed: %v", err)
	}
	peer := identity.NewBoundPeer(identity.Peer{}, host, port)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()

	reply, err := dialer.Send(sendCtx, peer, &protocol.Message{Kind: protocol.Ping, Ping: &protocol.PingPayload{}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.Pong {
		t.Errorf("expected Pong reply, got kind 0x%02x", byte(reply.Kind))
	}
	if !reply.Signer.Equal(serverKey.PublicKey()) {
		t.Error("reply signer does not match the serving driver's key")
	}

	cancel()
	<-serveErrCh
}

func waitForAddr(t *testing.T, l *transport.Listener) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr := l.Addr(); addr != "" {
			return addr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("listener never bound an address")
	return ""
}

// TestServeQUICAnswersPing mirrors TestServeWebSocketAnswersPing over a
// real QUIC connection, checking that the two transports are
// interchangeable from the driver's point of view.
func TestServeQUICAnswersPing(t *testing.T) {
	serverKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	self := identity.NewPeer(serverKey.PublicKey())

	d, err := New(self, serverKey, DefaultConfig(), unreachableDialer{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tlsConfig, err := transport.GenerateEphemeralTLSConfig("127.0.0.1")
	if err != nil {
		t.Fatalf("generating ephemeral tls config failed: %v", err)
	}
	listener, err := transport.NewQUICListener("127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("NewQUICListener failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- d.ServeQUIC(ctx, listener) }()

	callerKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	dialer := transport.NewQUICDialer(callerKey, transport.InsecureDialTLSConfig(), nil)

	host, port, err := splitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting bound address failed: %v", err)
	}
	peer := identity.NewBoundPeer(identity.Peer{}, host, port)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()

	reply, err := dialer.Send(sendCtx, peer, &protocol.Message{Kind: protocol.Ping, Ping: &protocol.PingPayload{}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.Pong {
		t.Errorf("expected Pong reply, got kind 0x%02x", byte(reply.Kind))
	}
	if !reply.Signer.Equal(serverKey.PublicKey()) {
		t.Error("reply signer does not match the serving driver's key")
	}

	cancel()
	<-serveErrCh
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
