package identity

import "fmt"

// Peer is a logical node identity: an Address paired with the public key it
// was derived from.
type Peer struct {
	Address   Address
	PublicKey *PublicKey
}

// NewPeer builds a Peer from a public key, deriving its Address.
func NewPeer(pub *PublicKey) Peer {
	return Peer{Address: AddressFromPublicKey(pub), PublicKey: pub}
}

// Equal compares peers by address; a peer's address is the canonical
// identity, the public key is only carried to let callers re-verify it.
func (p Peer) Equal(other Peer) bool {
	return p.Address.Equal(other.Address)
}

// BoundPeer is a Peer together with a reachable network endpoint. Routing
// structures deal exclusively in BoundPeers.
type BoundPeer struct {
	Peer
	Host string
	Port uint16
}

// NewBoundPeer attaches an endpoint to a Peer.
func NewBoundPeer(p Peer, host string, port uint16) BoundPeer {
	return BoundPeer{Peer: p, Host: host, Port: port}
}

// Endpoint returns "host:port" for dialing.
func (b BoundPeer) Endpoint() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// Equal compares two BoundPeers by address only, matching the routing
// table's single-placement invariant (a peer's endpoint may be refreshed
// without it being treated as a different peer).
func (b BoundPeer) Equal(other BoundPeer) bool {
	return b.Peer.Equal(other.Peer)
}

// String renders a BoundPeer for diagnostics/Trace output.
func (b BoundPeer) String() string {
	return fmt.Sprintf("%s@%s", b.Address, b.Endpoint())
}
