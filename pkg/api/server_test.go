package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kadmesh/kadmesh/pkg/authentication"
	"github.com/kadmesh/kadmesh/pkg/driver"
	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/shared/protocol"

	"crypto/rand"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

type noopDialer struct{}

func (noopDialer) Send(ctx context.Context, peer identity.BoundPeer, msg *protocol.Message) (*protocol.Message, error) {
	return nil, driver.ErrUnresponsive
}

func newTestServer(t *testing.T) (*Server, *driver.Driver) {
	t.Helper()
	priv, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	self := identity.NewPeer(priv.PublicKey())

	d, err := driver.New(self, priv, driver.DefaultConfig(), noopDialer{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("driver.New failed: %v", err)
	}

	auth := authentication.NewServer()
	return NewServer(":0", d, auth, nil, nil), d
}

func TestHandleHealthRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatsRejectsMissingAuth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticatedStatsRoundTrip(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()

	other, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	peer := identity.NewBoundPeer(identity.NewPeer(other.PublicKey()), "127.0.0.1", 30303)
	if _, _, err := d.Table().AddPeerAsync(ctx, peer); err != nil {
		t.Fatalf("AddPeerAsync failed: %v", err)
	}

	token := authenticate(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response failed: %v", err)
	}
	if total, ok := body["total_peers"].(float64); !ok || total != 1 {
		t.Errorf("expected total_peers=1, got %v", body["total_peers"])
	}
}

// authenticate runs the full challenge/response flow and returns a session
// token, exercising the API the way a real client would.
func authenticate(t *testing.T, s *Server) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/auth/challenge", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge request failed: %d", rec.Code)
	}

	var challenge authentication.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decoding challenge failed: %v", err)
	}

	pub, priv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var pkBytes [mode5.PublicKeySize]byte
	pub.Pack(&pkBytes)

	challengeBytes, err := hex.DecodeString(challenge.Value)
	if err != nil {
		t.Fatalf("decoding challenge value failed: %v", err)
	}
	sig := mode5.Sign(priv, challengeBytes)

	verifyReq := authentication.AuthRequest{
		ClientID:  authentication.ComputeClientID(pkBytes[:]),
		Challenge: challenge.Value,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pkBytes[:]),
	}
	body, err := json.Marshal(verifyReq)
	if err != nil {
		t.Fatalf("marshaling verify request failed: %v", err)
	}

	verifyHTTP := httptest.NewRequest(http.MethodPost, "/api/auth/verify", jsonBody(body))
	verifyRec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(verifyRec, verifyHTTP)
	if verifyRec.Code != http.StatusOK {
		t.Fatalf("verify request failed: %d: %s", verifyRec.Code, verifyRec.Body.String())
	}

	var resp authentication.AuthResponse
	if err := json.Unmarshal(verifyRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding verify response failed: %v", err)
	}
	return resp.SessionToken
}

func jsonBody(data []byte) io.Reader {
	return bytes.NewReader(data)
}
