package identity

import (
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if priv == nil {
		t.Fatal("generated private key is nil")
	}

	pub := priv.PublicKey()
	if len(pub.CompressedBytes()) != CompressedPublicKeySize {
		t.Errorf("compressed public key has wrong size: got %d, want %d",
			len(pub.CompressedBytes()), CompressedPublicKeySize)
	}
}

func TestSignAndVerify(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pub := priv.PublicKey()

	message := []byte("hello kademlia")
	sig := priv.Sign(message)
	if len(sig) < 64 {
		t.Errorf("signature too short: got %d bytes", len(sig))
	}

	if !pub.Verify(message, sig) {
		t.Error("valid signature failed to verify")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pub := priv.PublicKey()

	message := []byte("hello kademlia")
	sig := priv.Sign(message)

	tampered := append([]byte{}, message...)
	tampered[0] ^= 0xFF

	if pub.Verify(tampered, sig) {
		t.Error("signature verified against tampered message")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv1, _ := GenerateKey()
	priv2, _ := GenerateKey()
	pub2 := priv2.PublicKey()

	message := []byte("hello kademlia")
	sig := priv1.Sign(message)

	if pub2.Verify(message, sig) {
		t.Error("signature verified against the wrong public key")
	}
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	priv, _ := GenerateKey()
	pub := priv.PublicKey()

	encoded := pub.CompressedBytes()
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}

	if !bytes.Equal(parsed.CompressedBytes(), encoded) {
		t.Error("round-tripped public key does not match original encoding")
	}
	if !pub.Equal(parsed) {
		t.Error("round-tripped public key is not Equal to original")
	}
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey([]byte{0x01, 0x02}); err != ErrInvalidPublicKey {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	encoded := priv.Bytes()
	if len(encoded) != PrivateKeySize {
		t.Fatalf("expected %d-byte private key, got %d", PrivateKeySize, len(encoded))
	}

	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	message := []byte("round trip check")
	sig := parsed.Sign(message)
	if !priv.PublicKey().Verify(message, sig) {
		t.Error("key parsed from Bytes() produces signatures the original public key rejects")
	}
}

func TestParsePrivateKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePrivateKey([]byte{0x01, 0x02}); err != ErrInvalidPublicKey {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
}
