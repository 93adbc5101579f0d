package identity

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcec/secp256k1/v4"
	"github.com/decred/dcrd/dcec/secp256k1/v4/ecdsa"
)

// CompressedPublicKeySize is the length of a compressed secp256k1 public key.
const CompressedPublicKeySize = 33

// PrivateKey wraps a secp256k1 private key used to sign outbound messages.
type PrivateKey struct {
	inner *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key used to verify inbound messages and
// to derive a peer's Address.
type PublicKey struct {
	inner *secp256k1.PublicKey
}

// GenerateKey creates a new random secp256k1 keypair.
func GenerateKey() (*PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{inner: priv}, nil
}

// PublicKey returns the public half of the keypair.
func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{inner: p.inner.PubKey()}
}

// PrivateKeySize is the length of a raw secp256k1 private scalar.
const PrivateKeySize = 32

// Bytes returns the raw 32-byte private scalar, for persisting a node's
// identity to disk between restarts.
func (p *PrivateKey) Bytes() []byte {
	return p.inner.Serialize()
}

// ParsePrivateKey loads a private key from its raw 32-byte scalar.
func ParsePrivateKey(data []byte) (*PrivateKey, error) {
	if len(data) != PrivateKeySize {
		return nil, ErrInvalidPublicKey
	}
	priv := secp256k1.PrivKeyFromBytes(data)
	return &PrivateKey{inner: priv}, nil
}

// Sign produces a DER-encoded ECDSA signature over SHA-256(message).
// The resulting signature is always at least 64 bytes.
func (p *PrivateKey) Sign(message []byte) []byte {
	digest := sha256.Sum256(message)
	sig := ecdsa.Sign(p.inner, digest[:])
	return sig.Serialize()
}

// Verify checks a DER-encoded ECDSA signature over SHA-256(message).
func (pub *PublicKey) Verify(message, signature []byte) bool {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest[:], pub.inner)
}

// CompressedBytes returns the 33-byte compressed SEC1 encoding.
func (pub *PublicKey) CompressedBytes() []byte {
	return pub.inner.SerializeCompressed()
}

// ParsePublicKey decodes a compressed SEC1 public key.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	if len(data) != CompressedPublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	inner, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return &PublicKey{inner: inner}, nil
}

// Equal reports whether two public keys encode the same point.
func (pub *PublicKey) Equal(other *PublicKey) bool {
	if pub == nil || other == nil {
		return pub == other
	}
	return pub.inner.IsEqual(other.inner)
}
