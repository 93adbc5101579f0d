// Package kademlia implements the XOR-distance arithmetic, k-bucket, and
// routing table pieces of a Kademlia-style peer overlay.
package kademlia

import (
	"bytes"
	"math/bits"
	"sort"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

// AddressBits is the size of the identity space in bits (160 for a 20-byte
// Address).
const AddressBits = identity.AddressSize * 8

// CommonPrefixLength returns the number of leading bits in which a and b
// agree, i.e. the number of leading zero bits of a XOR b. The result is in
// [0, AddressBits].
func CommonPrefixLength(a, b identity.Address) int {
	xor := a.XOR(b)
	total := 0
	for _, byt := range xor {
		if byt == 0 {
			total += 8
			continue
		}
		total += bits.LeadingZeros8(byt)
		break
	}
	return total
}

// SortByDistance stably sorts peers in ascending order of XOR distance to
// target, treating the distance as a 160-bit big-endian unsigned integer.
// Ties (equal distance) keep their relative input order.
func SortByDistance(peers []identity.BoundPeer, target identity.Address) {
	sort.SliceStable(peers, func(i, j int) bool {
		di := peers[i].Address.XOR(target)
		dj := peers[j].Address.XOR(target)
		return bytes.Compare(di[:], dj[:]) < 0
	})
}
