package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

// PeerSetDeltaPayload carries the sender's known-peer delta since the last
// exchange with this recipient: peers newly learned (Added) and peers the
// sender has since dropped (Removed, by address only).
//
// Wire format (this is the resolution of spec.md's open question (a),
// recorded in SPEC_FULL.md/DESIGN.md): a 2-byte added count, that many
// BoundPeer entries, a 2-byte removed count, that many 20-byte addresses,
// followed by a fixed 16-byte replay nonce (identity.DeriveReplayNonce).
// Each BoundPeer entry is
// [address(20B)][pubkey(33B)][hostLen(1B)][host bytes][port(2B)].
type PeerSetDeltaPayload struct {
	Added       []identity.BoundPeer
	Removed     []identity.Address
	ReplayNonce [identity.ReplayNonceSize]byte
}

// NewPeerSetDelta builds a PeerSetDeltaPayload with its replay nonce
// derived from the sender's private key and exchange counter.
func NewPeerSetDelta(privateKey *identity.PrivateKey, counter uint64, added []identity.BoundPeer, removed []identity.Address) (*PeerSetDeltaPayload, error) {
	nonce, err := identity.DeriveReplayNonce(privateKey, counter)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving replay nonce: %v", ErrInvalidMessage, err)
	}
	return &PeerSetDeltaPayload{Added: added, Removed: removed, ReplayNonce: nonce}, nil
}

func encodePeerSetDelta(p *PeerSetDeltaPayload) ([]byte, error) {
	buf := make([]byte, 0, 64)

	if len(p.Added) > 0xFFFF || len(p.Removed) > 0xFFFF {
		return nil, fmt.Errorf("%w: peer set delta too large to encode", ErrInvalidMessage)
	}

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(p.Added)))
	buf = append(buf, countBuf[:]...)

	for _, peer := range p.Added {
		entry, err := encodeBoundPeer(peer)
		if err != nil {
			return nil, err
		}
		buf = append(buf, entry...)
	}

	binary.BigEndian.PutUint16(countBuf[:], uint16(len(p.Removed)))
	buf = append(buf, countBuf[:]...)
	for _, addr := range p.Removed {
		buf = append(buf, addr.Bytes()...)
	}

	buf = append(buf, p.ReplayNonce[:]...)

	return buf, nil
}

func decodePeerSetDelta(data []byte) (*PeerSetDeltaPayload, error) {
	offset := 0
	readUint16 := func() (uint16, error) {
		if offset+2 > len(data) {
			return 0, fmt.Errorf("%w: truncated peer set delta count", ErrInvalidMessage)
		}
		v := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		return v, nil
	}

	addedCount, err := readUint16()
	if err != nil {
		return nil, err
	}

	added := make([]identity.BoundPeer, 0, addedCount)
	for i := 0; i < int(addedCount); i++ {
		peer, n, err := decodeBoundPeer(data[offset:])
		if err != nil {
			return nil, err
		}
		added = append(added, peer)
		offset += n
	}

	removedCount, err := readUint16()
	if err != nil {
		return nil, err
	}

	removed := make([]identity.Address, 0, removedCount)
	for i := 0; i < int(removedCount); i++ {
		if offset+identity.AddressSize > len(data) {
			return nil, fmt.Errorf("%w: truncated peer set delta removed address", ErrInvalidMessage)
		}
		addr, err := identity.AddressFromBytes(data[offset : offset+identity.AddressSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		removed = append(removed, addr)
		offset += identity.AddressSize
	}

	var nonce [identity.ReplayNonceSize]byte
	if offset+identity.ReplayNonceSize > len(data) {
		return nil, fmt.Errorf("%w: truncated peer set delta replay nonce", ErrInvalidMessage)
	}
	copy(nonce[:], data[offset:offset+identity.ReplayNonceSize])
	offset += identity.ReplayNonceSize

	return &PeerSetDeltaPayload{Added: added, Removed: removed, ReplayNonce: nonce}, nil
}

func encodeBoundPeer(p identity.BoundPeer) ([]byte, error) {
	if p.PublicKey == nil {
		return nil, fmt.Errorf("%w: bound peer has no public key", ErrInvalidMessage)
	}
	if len(p.Host) > 0xFF {
		return nil, fmt.Errorf("%w: host too long to encode", ErrInvalidMessage)
	}

	buf := make([]byte, 0, identity.AddressSize+identity.CompressedPublicKeySize+1+len(p.Host)+2)
	buf = append(buf, p.Address.Bytes()...)
	buf = append(buf, p.PublicKey.CompressedBytes()...)
	buf = append(buf, byte(len(p.Host)))
	buf = append(buf, []byte(p.Host)...)

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], p.Port)
	buf = append(buf, portBuf[:]...)

	return buf, nil
}

func decodeBoundPeer(data []byte) (identity.BoundPeer, int, error) {
	minSize := identity.AddressSize + identity.CompressedPublicKeySize + 1
	if len(data) < minSize {
		return identity.BoundPeer{}, 0, fmt.Errorf("%w: truncated bound peer entry", ErrInvalidMessage)
	}

	offset := 0
	addr, err := identity.AddressFromBytes(data[offset : offset+identity.AddressSize])
	if err != nil {
		return identity.BoundPeer{}, 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	offset += identity.AddressSize

	pub, err := identity.ParsePublicKey(data[offset : offset+identity.CompressedPublicKeySize])
	if err != nil {
		return identity.BoundPeer{}, 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	offset += identity.CompressedPublicKeySize

	hostLen := int(data[offset])
	offset++

	if offset+hostLen+2 > len(data) {
		return identity.BoundPeer{}, 0, fmt.Errorf("%w: truncated bound peer host/port", ErrInvalidMessage)
	}
	host := string(data[offset : offset+hostLen])
	offset += hostLen

	port := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2

	peer := identity.Peer{Address: addr, PublicKey: pub}
	return identity.NewBoundPeer(peer, host, port), offset, nil
}
