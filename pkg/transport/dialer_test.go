package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// echoPongServer accepts one WebSocket connection, reads a request, and
// always replies with a signed Pong: enough to exercise WebSocketDialer's
// full encode/dial/decode path without a real driver.
func echoPongServer(t *testing.T, responderKey *identity.PrivateKey) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := decodeFrames(data); err != nil {
			t.Errorf("decoding request frames failed: %v", err)
			return
		}

		reply := &protocol.Message{Kind: protocol.Pong, Pong: &protocol.PongPayload{}}
		replyFrames, err := protocol.ToTransportMessage(reply, responderKey)
		if err != nil {
			t.Errorf("encoding reply failed: %v", err)
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, encodeFrames(replyFrames))
	}))
}

func TestWebSocketDialerSendRoundTrip(t *testing.T) {
	responderKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	srv := echoPongServer(t, responderKey)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL failed: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing test server port failed: %v", err)
	}

	callerKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	dialer := NewWebSocketDialer(callerKey, DefaultWebSocketConfig(), nil)
	peer := identity.NewBoundPeer(identity.Peer{}, u.Hostname(), uint16(port))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := dialer.Send(ctx, peer, &protocol.Message{Kind: protocol.Ping, Ping: &protocol.PingPayload{}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.Pong {
		t.Errorf("expected Pong reply, got kind 0x%02x", byte(reply.Kind))
	}
	if !reply.Signer.Equal(responderKey.PublicKey()) {
		t.Error("reply signer does not match the responder's key")
	}
}
