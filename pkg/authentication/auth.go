// Package authentication gates access to the node's diagnostics API with a
// challenge/response scheme built on a Dilithium (ML-DSA-87 / mode5)
// keypair. This is deliberately separate from the secp256k1 keypair that
// signs wire protocol messages (pkg/identity): one authenticates an
// operator to the HTTP API, the other authenticates a peer on the wire.
package authentication

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

// Challenge is a one-time value an API client must sign to authenticate.
type Challenge struct {
	Value     string `json:"challenge"`
	IssuedAt  int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expires_at"`
	Used      bool   `json:"-"`
}

// AuthRequest is the client's response to a Challenge.
type AuthRequest struct {
	ClientID  string `json:"client_id"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// AuthResponse carries the session token issued on success.
type AuthResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Session is an authenticated API session.
type Session struct {
	ClientID  string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

const (
	challengeTTL = 30 * time.Second
	sessionTTL   = 24 * time.Hour
)

// Server issues challenges and validates sessions for the diagnostics API.
// The teacher's version held these maps unguarded despite serving
// concurrent HTTP handlers; this adds the mutex that was missing.
type Server struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	sessions   map[string]*Session
}

// NewServer creates an authentication server.
func NewServer() *Server {
	return &Server{
		challenges: make(map[string]*Challenge),
		sessions:   make(map[string]*Session),
	}
}

// GenerateChallenge issues a fresh challenge valid for challengeTTL.
func (s *Server) GenerateChallenge() (*Challenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	now := time.Now()
	challenge := &Challenge{
		Value:     hex.EncodeToString(raw),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(challengeTTL).Unix(),
	}

	s.mu.Lock()
	s.challenges[challenge.Value] = challenge
	s.mu.Unlock()

	return challenge, nil
}

// VerifyAuthentication validates req against its pending challenge and, on
// success, issues a session token.
func (s *Server) VerifyAuthentication(req *AuthRequest) (*AuthResponse, error) {
	s.mu.Lock()
	challenge, exists := s.challenges[req.Challenge]
	s.mu.Unlock()

	if !exists {
		return nil, errors.New("authentication: unknown challenge")
	}
	if challenge.Used {
		return nil, errors.New("authentication: challenge already used")
	}
	if time.Now().Unix() > challenge.ExpiresAt {
		return nil, errors.New("authentication: challenge expired")
	}

	publicKeyBytes, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(publicKeyBytes) != mode5.PublicKeySize {
		return nil, errors.New("authentication: invalid public key")
	}
	var pkArray [mode5.PublicKeySize]byte
	copy(pkArray[:], publicKeyBytes)
	var publicKey mode5.PublicKey
	publicKey.Unpack(&pkArray)

	signatureBytes, err := hex.DecodeString(req.Signature)
	if err != nil || len(signatureBytes) != mode5.SignatureSize {
		return nil, errors.New("authentication: invalid signature")
	}

	challengeBytes, err := hex.DecodeString(req.Challenge)
	if err != nil {
		return nil, errors.New("authentication: invalid challenge encoding")
	}
	if !mode5.Verify(&publicKey, challengeBytes, signatureBytes) {
		return nil, errors.New("authentication: signature verification failed")
	}

	if req.ClientID != ComputeClientID(publicKeyBytes) {
		return nil, errors.New("authentication: client ID does not match public key")
	}

	s.mu.Lock()
	challenge.Used = true
	s.mu.Unlock()

	token, err := generateSessionToken()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ClientID:  req.ClientID,
		Token:     token,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(sessionTTL),
	}

	s.mu.Lock()
	s.sessions[token] = session
	s.mu.Unlock()

	return &AuthResponse{SessionToken: token, ExpiresAt: session.ExpiresAt.Unix()}, nil
}

// ValidateSession checks whether token names a live session.
func (s *Server) ValidateSession(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[token]
	if !exists {
		return nil, errors.New("authentication: invalid session token")
	}
	if time.Now().After(session.ExpiresAt) {
		delete(s.sessions, token)
		return nil, errors.New("authentication: session expired")
	}
	return session, nil
}

// CleanupExpired drops expired challenges and sessions; callers run this
// periodically (e.g. alongside RefreshTableAsync) to bound memory use.
func (s *Server) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	nowUnix := now.Unix()
	for value, challenge := range s.challenges {
		if nowUnix > challenge.ExpiresAt {
			delete(s.challenges, value)
		}
	}
	for token, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, token)
		}
	}
}

// ComputeClientID derives a client's API identifier from its Dilithium
// public key: the first 20 bytes of its SHA-256 hash.
func ComputeClientID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:20])
}

func generateSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
