package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// AddressSize is the length in bytes of a node Address.
const AddressSize = 20

// Address is a 20-byte node identifier derived from the last 20 bytes of the
// SHA-256 hash of a node's compressed public key.
type Address [AddressSize]byte

// AddressFromPublicKey derives the Address of a public key.
func AddressFromPublicKey(pub *PublicKey) Address {
	sum := sha256.Sum256(pub.CompressedBytes())
	var addr Address
	copy(addr[:], sum[len(sum)-AddressSize:])
	return addr
}

// Equal reports whether two addresses are byte-wise identical.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a[:], other[:])
}

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a.Equal(Address{})
}

// String returns the hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address's raw bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressSize)
	copy(out, a[:])
	return out
}

// AddressFromBytes builds an Address from a 20-byte slice.
func AddressFromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressSize {
		return addr, ErrInvalidAddressLength
	}
	copy(addr[:], b)
	return addr, nil
}

// XOR returns the bitwise XOR of two addresses, treated as the Kademlia
// distance metric.
func (a Address) XOR(other Address) Address {
	var out Address
	for i := range a {
		out[i] = a[i] ^ other[i]
	}
	return out
}
