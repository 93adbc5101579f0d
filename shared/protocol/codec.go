package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

const hashSize = 32

// ToTransportMessage encodes msg into the ordered sequence of frames that
// gets handed to the underlying multi-part transport, signing the
// concatenated body bytes with privateKey.
//
// Frame layout (innermost to outermost, per spec):
//
//	reply=false: [identity(20B)] [type(1B)] [pubkey(33B)] [sig] [body frames...]
//	reply=true:                  [type(1B)] [pubkey(33B)] [sig] [body frames...]
//
// msg.Identity being non-nil is what selects the reply=false shape.
func ToTransportMessage(msg *Message, privateKey *identity.PrivateKey) ([][]byte, error) {
	if !msg.Kind.IsValid() {
		return nil, fmt.Errorf("%w: cannot encode unknown message type 0x%02x", ErrInvalidMessage, byte(msg.Kind))
	}

	body, err := encodeBody(msg)
	if err != nil {
		return nil, err
	}

	payload := concatFrames(body)
	sig := privateKey.Sign(payload)
	pubKey := privateKey.PublicKey().CompressedBytes()

	frames := make([][]byte, 0, len(body)+4)
	if msg.Identity != nil {
		frames = append(frames, append([]byte(nil), msg.Identity.Bytes()...))
	}
	frames = append(frames, []byte{byte(msg.Kind)}, pubKey, sig)
	frames = append(frames, body...)

	return frames, nil
}

// Parse decodes a frame sequence produced by a peer, verifying its
// signature, and reconstructs the typed Message. reply selects which of the
// two frame shapes above is expected.
func Parse(frames [][]byte, reply bool) (*Message, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: empty frame sequence", ErrInvalidMessage)
	}

	var recipient *identity.Address
	rest := frames
	if !reply {
		if len(frames) < 1 {
			return nil, fmt.Errorf("%w: missing identity frame", ErrInvalidMessage)
		}
		addr, err := identity.AddressFromBytes(frames[0])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed identity frame: %v", ErrInvalidMessage, err)
		}
		recipient = &addr
		rest = frames[1:]
	}

	if len(rest) < 3 {
		return nil, fmt.Errorf("%w: missing type/pubkey/signature frames", ErrInvalidMessage)
	}

	typeFrame, pubKeyFrame, sigFrame, body := rest[0], rest[1], rest[2], rest[3:]

	if len(typeFrame) != 1 {
		return nil, fmt.Errorf("%w: malformed type frame", ErrInvalidMessage)
	}
	kind := MessageType(typeFrame[0])
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidMessage, typeFrame[0])
	}

	pubKey, err := identity.ParsePublicKey(pubKeyFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed public key: %v", ErrInvalidMessage, err)
	}

	payload := concatFrames(body)
	if !pubKey.Verify(payload, sigFrame) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidMessage)
	}

	msg, err := parseBody(kind, body)
	if err != nil {
		return nil, err
	}
	msg.Signer = pubKey
	msg.Identity = recipient

	return msg, nil
}

func concatFrames(frames [][]byte) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

func encodeBody(msg *Message) ([][]byte, error) {
	switch msg.Kind {
	case Ping, Pong:
		return nil, nil
	case PeerSetDelta:
		if msg.PeerSetDelta == nil {
			return nil, fmt.Errorf("%w: PeerSetDelta message missing payload", ErrInvalidMessage)
		}
		frame, err := encodePeerSetDelta(msg.PeerSetDelta)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	case GetBlockHashes:
		if msg.GetBlockHashes == nil {
			return nil, fmt.Errorf("%w: GetBlockHashes message missing payload", ErrInvalidMessage)
		}
		frames := make([][]byte, 0, len(msg.GetBlockHashes.Locator)+1)
		for _, h := range msg.GetBlockHashes.Locator {
			frames = append(frames, h[:])
		}
		frames = append(frames, msg.GetBlockHashes.StopHash[:])
		return frames, nil
	case BlockHashes:
		if msg.BlockHashes == nil {
			return nil, fmt.Errorf("%w: BlockHashes message missing payload", ErrInvalidMessage)
		}
		return encodeHashList(msg.BlockHashes.Hashes), nil
	case TxIds:
		if msg.TxIds == nil {
			return nil, fmt.Errorf("%w: TxIds message missing payload", ErrInvalidMessage)
		}
		return encodeHashList(msg.TxIds.TxIds), nil
	case GetBlocks:
		if msg.GetBlocks == nil {
			return nil, fmt.Errorf("%w: GetBlocks message missing payload", ErrInvalidMessage)
		}
		return encodeHashList(msg.GetBlocks.Hashes), nil
	case GetTxs:
		if msg.GetTxs == nil {
			return nil, fmt.Errorf("%w: GetTxs message missing payload", ErrInvalidMessage)
		}
		return encodeHashList(msg.GetTxs.Hashes), nil
	case Block:
		if msg.Block == nil {
			return nil, fmt.Errorf("%w: Block message missing payload", ErrInvalidMessage)
		}
		return [][]byte{msg.Block.Data}, nil
	case Tx:
		if msg.Tx == nil {
			return nil, fmt.Errorf("%w: Tx message missing payload", ErrInvalidMessage)
		}
		return [][]byte{msg.Tx.Data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidMessage, byte(msg.Kind))
	}
}

func parseBody(kind MessageType, body [][]byte) (*Message, error) {
	switch kind {
	case Ping:
		return &Message{Kind: Ping, Ping: &PingPayload{}}, nil
	case Pong:
		return &Message{Kind: Pong, Pong: &PongPayload{}}, nil
	case PeerSetDelta:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: PeerSetDelta expects exactly one body frame", ErrInvalidMessage)
		}
		delta, err := decodePeerSetDelta(body[0])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: PeerSetDelta, PeerSetDelta: delta}, nil
	case GetBlockHashes:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: GetBlockHashes requires at least a stop-hash frame", ErrInvalidMessage)
		}
		locator, err := hashFrames(body[:len(body)-1])
		if err != nil {
			return nil, err
		}
		stopHash, err := readHash(body[len(body)-1])
		if err != nil {
			return nil, err
		}
		return &Message{Kind: GetBlockHashes, GetBlockHashes: &GetBlockHashesPayload{Locator: locator, StopHash: stopHash}}, nil
	case BlockHashes:
		hashes, err := decodeHashList(body)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: BlockHashes, BlockHashes: &BlockHashesPayload{Hashes: hashes}}, nil
	case TxIds:
		ids, err := decodeHashList(body)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: TxIds, TxIds: &TxIdsPayload{TxIds: ids}}, nil
	case GetBlocks:
		hashes, err := decodeHashList(body)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: GetBlocks, GetBlocks: &GetBlocksPayload{Hashes: hashes}}, nil
	case GetTxs:
		hashes, err := decodeHashList(body)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: GetTxs, GetTxs: &GetTxsPayload{Hashes: hashes}}, nil
	case Block:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: Block expects exactly one body frame", ErrInvalidMessage)
		}
		return &Message{Kind: Block, Block: &BlockPayload{Data: append([]byte(nil), body[0]...)}}, nil
	case Tx:
		if len(body) != 1 {
			return nil, fmt.Errorf("%w: Tx expects exactly one body frame", ErrInvalidMessage)
		}
		return &Message{Kind: Tx, Tx: &TxPayload{Data: append([]byte(nil), body[0]...)}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidMessage, byte(kind))
	}
}

func encodeHashList(hashes []Hash) [][]byte {
	frames := make([][]byte, 0, len(hashes)+1)
	var countFrame [4]byte
	binary.BigEndian.PutUint32(countFrame[:], uint32(len(hashes)))
	frames = append(frames, countFrame[:])
	for _, h := range hashes {
		frames = append(frames, h[:])
	}
	return frames
}

func decodeHashList(body [][]byte) ([]Hash, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: missing count frame", ErrInvalidMessage)
	}
	if len(body[0]) != 4 {
		return nil, fmt.Errorf("%w: malformed count frame", ErrInvalidMessage)
	}
	count := binary.BigEndian.Uint32(body[0])
	if int(count) != len(body)-1 {
		return nil, fmt.Errorf("%w: hash count %d does not match %d frames", ErrInvalidMessage, count, len(body)-1)
	}
	return hashFrames(body[1:])
}

func hashFrames(frames [][]byte) ([]Hash, error) {
	hashes := make([]Hash, 0, len(frames))
	for _, f := range frames {
		h, err := readHash(f)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func readHash(frame []byte) (Hash, error) {
	var h Hash
	if len(frame) != hashSize {
		return h, fmt.Errorf("%w: hash frame must be %d bytes, got %d", ErrInvalidMessage, hashSize, len(frame))
	}
	copy(h[:], frame)
	return h, nil
}
