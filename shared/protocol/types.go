// Package protocol implements the signed message taxonomy and wire codec
// exchanged between peers: a tagged union of typed messages framed onto a
// multi-part, message-boundary-preserving transport and authenticated with
// a per-message secp256k1 signature.
package protocol

import "github.com/kadmesh/kadmesh/pkg/identity"

// MessageType is the single-byte wire tag identifying a message variant.
// The numbering below is fixed by the wire protocol and must never change:
// note the deliberate gap, Tx is 0x10 (sixteen), not 0x0A.
type MessageType byte

const (
	Ping           MessageType = 0x01
	Pong           MessageType = 0x02
	PeerSetDelta   MessageType = 0x03
	GetBlockHashes MessageType = 0x04
	BlockHashes    MessageType = 0x05
	TxIds          MessageType = 0x06
	GetBlocks      MessageType = 0x07
	GetTxs         MessageType = 0x08
	Block          MessageType = 0x09
	Tx             MessageType = 0x10
)

// String renders a MessageType for logging/diagnostics.
func (t MessageType) String() string {
	switch t {
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case PeerSetDelta:
		return "PeerSetDelta"
	case GetBlockHashes:
		return "GetBlockHashes"
	case BlockHashes:
		return "BlockHashes"
	case TxIds:
		return "TxIds"
	case GetBlocks:
		return "GetBlocks"
	case GetTxs:
		return "GetTxs"
	case Block:
		return "Block"
	case Tx:
		return "Tx"
	default:
		return "Unknown"
	}
}

// IsValid reports whether t is one of the ten wire-defined message types.
func (t MessageType) IsValid() bool {
	switch t {
	case Ping, Pong, PeerSetDelta, GetBlockHashes, BlockHashes, TxIds, GetBlocks, GetTxs, Block, Tx:
		return true
	default:
		return false
	}
}

// Hash is a 32-byte content hash, used by the block/tx inventory messages.
type Hash [32]byte

// PingPayload carries no data.
type PingPayload struct{}

// PongPayload carries no data.
type PongPayload struct{}

// GetBlockHashesPayload requests hashes after the latest of Locator the
// peer has, up to StopHash.
type GetBlockHashesPayload struct {
	Locator  []Hash
	StopHash Hash
}

// BlockHashesPayload carries a list of block hashes.
type BlockHashesPayload struct {
	Hashes []Hash
}

// TxIdsPayload carries a list of transaction ids.
type TxIdsPayload struct {
	TxIds []Hash
}

// GetBlocksPayload requests full blocks by hash.
type GetBlocksPayload struct {
	Hashes []Hash
}

// GetTxsPayload requests full transactions by hash.
type GetTxsPayload struct {
	Hashes []Hash
}

// BlockPayload carries a single opaque serialized block. Block/transaction
// encoding itself is owned by the (out of scope) blockchain state module;
// the codec only frames and signs the opaque bytes.
type BlockPayload struct {
	Data []byte
}

// TxPayload carries a single opaque serialized transaction.
type TxPayload struct {
	Data []byte
}

// Message is a tagged union over the ten wire variants, dispatched by
// Kind. Exactly one of the payload fields is meaningful for a given Kind;
// the codec's body encoder/parser pair (codec.go) is what enforces that,
// not a virtual-method hierarchy.
type Message struct {
	Kind MessageType

	// Identity is the 20-byte address of the intended recipient socket.
	// It is only populated when the frame was received from (or is being
	// sent to) a router-style socket that requires addressing; reply=true
	// frames never carry it.
	Identity *identity.Address

	// Signer is the public key the frame was verified against. Populated
	// by Parse, ignored by ToTransportMessage (the private key's public
	// half is what gets embedded on encode).
	Signer *identity.PublicKey

	Ping           *PingPayload
	Pong           *PongPayload
	PeerSetDelta   *PeerSetDeltaPayload
	GetBlockHashes *GetBlockHashesPayload
	BlockHashes    *BlockHashesPayload
	TxIds          *TxIdsPayload
	GetBlocks      *GetBlocksPayload
	GetTxs         *GetTxsPayload
	Block          *BlockPayload
	Tx             *TxPayload
}
