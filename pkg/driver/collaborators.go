package driver

import (
	"context"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// PeerDialer is the driver's only dependency on a concrete transport: it
// delivers a signed message to a peer and, for request variants, waits for
// the matching reply. The driver itself never touches a FrameSocket.
type PeerDialer interface {
	Send(ctx context.Context, peer identity.BoundPeer, msg *protocol.Message) (*protocol.Message, error)
}

// ChainProvider supplies local blockchain state for request messages the
// driver cannot answer itself. It is an external collaborator per spec §6
// and is never implemented in this module.
type ChainProvider interface {
	BlockHashesAfter(ctx context.Context, locator []protocol.Hash, stop protocol.Hash) ([]protocol.Hash, error)
	Blocks(ctx context.Context, hashes []protocol.Hash) ([][]byte, error)
	Txs(ctx context.Context, hashes []protocol.Hash) ([][]byte, error)
}

// SyncHandler receives inventory and data messages that the driver routes
// but does not itself interpret.
type SyncHandler interface {
	HandleTxIds(from identity.Address, ids []protocol.Hash)
	HandleBlockHashes(from identity.Address, hashes []protocol.Hash)
	HandlePeerSetDelta(from identity.Address, delta *protocol.PeerSetDeltaPayload)
	HandleBlock(from identity.Address, data []byte)
	HandleTx(from identity.Address, data []byte)
}
