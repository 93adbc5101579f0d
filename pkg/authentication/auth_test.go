package authentication

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

func TestVerifyAuthenticationRoundTrip(t *testing.T) {
	s := NewServer()

	challenge, err := s.GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge failed: %v", err)
	}

	pub, priv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	var pkBytes [mode5.PublicKeySize]byte
	pub.Pack(&pkBytes)

	challengeBytes, err := hex.DecodeString(challenge.Value)
	if err != nil {
		t.Fatalf("decoding challenge failed: %v", err)
	}
	sig := mode5.Sign(priv, challengeBytes)

	req := &AuthRequest{
		ClientID:  ComputeClientID(pkBytes[:]),
		Challenge: challenge.Value,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pkBytes[:]),
	}

	resp, err := s.VerifyAuthentication(req)
	if err != nil {
		t.Fatalf("VerifyAuthentication failed: %v", err)
	}
	if resp.SessionToken == "" {
		t.Fatal("expected a non-empty session token")
	}

	if _, err := s.ValidateSession(resp.SessionToken); err != nil {
		t.Fatalf("ValidateSession failed for freshly issued token: %v", err)
	}
}

func TestVerifyAuthenticationRejectsReusedChallenge(t *testing.T) {
	s := NewServer()
	challenge, _ := s.GenerateChallenge()

	pub, priv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var pkBytes [mode5.PublicKeySize]byte
	pub.Pack(&pkBytes)

	challengeBytes, _ := hex.DecodeString(challenge.Value)
	sig := mode5.Sign(priv, challengeBytes)

	req := &AuthRequest{
		ClientID:  ComputeClientID(pkBytes[:]),
		Challenge: challenge.Value,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pkBytes[:]),
	}

	if _, err := s.VerifyAuthentication(req); err != nil {
		t.Fatalf("first VerifyAuthentication failed: %v", err)
	}
	if _, err := s.VerifyAuthentication(req); err == nil {
		t.Fatal("expected re-using a consumed challenge to fail")
	}
}

func TestVerifyAuthenticationRejectsWrongSignature(t *testing.T) {
	s := NewServer()
	challenge, _ := s.GenerateChallenge()

	pub, _, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	_, otherPriv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var pkBytes [mode5.PublicKeySize]byte
	pub.Pack(&pkBytes)

	challengeBytes, _ := hex.DecodeString(challenge.Value)
	sig := mode5.Sign(otherPriv, challengeBytes) // signed with the wrong key

	req := &AuthRequest{
		ClientID:  ComputeClientID(pkBytes[:]),
		Challenge: challenge.Value,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pkBytes[:]),
	}

	if _, err := s.VerifyAuthentication(req); err == nil {
		t.Fatal("expected a signature from the wrong key to be rejected")
	}
}

func TestValidateSessionRejectsUnknownToken(t *testing.T) {
	s := NewServer()
	if _, err := s.ValidateSession("not-a-real-token"); err == nil {
		t.Fatal("expected an unknown session token to be rejected")
	}
}
