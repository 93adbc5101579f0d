package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ReplayNonceSize is the length of a derived PeerSetDelta replay nonce.
const ReplayNonceSize = 16

// DeriveReplayNonce derives a deterministic, non-secret replay-tag for a
// PeerSetDelta exchange: HKDF-SHA256 over the sender's private scalar,
// salted with counter (an exchange sequence number the caller maintains). Recipients cannot forge a valid next nonce without the
// sender's key; the nonce adds no payload confidentiality. No code in this
// module checks a received nonce: decodePeerSetDelta only carries it through.
func DeriveReplayNonce(priv *PrivateKey, counter uint64) ([ReplayNonceSize]byte, error) {
	var out [ReplayNonceSize]byte

	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], counter)

	reader := hkdf.New(sha256.New, priv.inner.Serialize(), salt[:], []byte("kadmesh/peerset-delta-nonce"))
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
