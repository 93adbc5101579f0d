// Package driver implements the protocol driver: the component that keeps
// the routing table healthy (bootstrap, refresh, rebuild, replacement-cache
// maintenance) and turns inbound messages into routing-table events plus
// outbound replies.
package driver

import (
	"context"
	"crypto/rand"
	"fmt"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/kademlia"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// Driver owns a routing table and drives its lifecycle. It is the only
// piece of the module that talks to both the transport (through PeerDialer)
// and the wider node (through ChainProvider/SyncHandler).
type Driver struct {
	self       identity.Peer
	privateKey *identity.PrivateKey
	config     Config

	table  *kademlia.RoutingTable
	dialer PeerDialer
	chain  ChainProvider
	sync   SyncHandler
	logger *logging.Logger

	rngMu sync.Mutex
	rng   *mathrand.Rand

	deltaCounter atomic.Uint64
}

// nextDeltaCounter returns the next exchange sequence number used to
// derive a PeerSetDelta's replay nonce (identity.DeriveReplayNonce).
func (d *Driver) nextDeltaCounter() uint64 {
	return d.deltaCounter.Add(1)
}

// New constructs a Driver. chain and sync may be nil if the node does not
// yet wire those collaborators; request/inventory messages are then logged
// and dropped rather than answered.
func New(self identity.Peer, privateKey *identity.PrivateKey, config Config, dialer PeerDialer, chain ChainProvider, sync SyncHandler, logger *logging.Logger) (*Driver, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	if dialer == nil {
		return nil, fmt.Errorf("driver: dialer is required")
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	rng := mathrand.New(mathrand.NewSource(seed))

	table, err := kademlia.NewRoutingTable(self.Address, config.TableSize, config.BucketSize, rng, logger.WithField("component", "routing_table"))
	if err != nil {
		return nil, err
	}

	return &Driver{
		self:       self,
		privateKey: privateKey,
		config:     config,
		table:      table,
		dialer:     dialer,
		chain:      chain,
		sync:       sync,
		logger:     logger.WithField("component", "driver"),
		rng:        rng,
	}, nil
}

func randomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("driver: seeding rng: %w", err)
	}
	var v int64
	for _, b := range buf {
		v = v<<8 | int64(b)
	}
	if v < 0 {
		v = -v
	}
	return v, nil
}

// Table exposes the routing table for read-only diagnostics (e.g. an API
// handler reporting peer counts).
func (d *Driver) Table() *kademlia.RoutingTable { return d.table }

// Trace renders a human-readable dump of routing-table occupancy.
func (d *Driver) Trace() string { return d.table.Trace() }

// touchPeer records that p was just heard from: insert or refresh it in the
// routing table, and if that bubbles up an eviction candidate, probe it in
// the background per the standard Kademlia liveness discipline.
func (d *Driver) touchPeer(ctx context.Context, p identity.BoundPeer) {
	candidate, hasCandidate, err := d.table.AddPeerAsync(ctx, p)
	if err != nil {
		d.logger.Debug("touchPeer: AddPeerAsync failed", logging.Fields{"peer": p.Address.String(), "error": err.Error()})
		return
	}
	if hasCandidate {
		go d.probeEvictionCandidate(candidate)
	}
}

// probeEvictionCandidate pings a bucket head that is contending with a
// replacement-cache newcomer; on failure, it's removed so the promotion
// logic in CheckReplacementCacheAsync can seat the newcomer.
func (d *Driver) probeEvictionCandidate(candidate identity.BoundPeer) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.RoundTimeout)
	defer cancel()

	if !d.pingPeer(ctx, candidate) {
		if _, err := d.table.RemovePeerAsync(ctx, candidate.Address); err != nil {
			d.logger.Debug("probeEvictionCandidate: RemovePeerAsync failed", logging.Fields{"peer": candidate.Address.String(), "error": err.Error()})
		}
	}
}

// pingPeer sends a Ping and reports whether a Pong came back before ctx
// expires. Any error (timeout, transport failure, malformed reply) counts
// as unresponsive.
func (d *Driver) pingPeer(ctx context.Context, p identity.BoundPeer) bool {
	msg := &protocol.Message{Kind: protocol.Ping, Ping: &protocol.PingPayload{}}
	reply, err := d.dialer.Send(ctx, p, msg)
	if err != nil || reply == nil || reply.Kind != protocol.Pong {
		return false
	}
	return true
}

// BootstrapAsync pings each seed and inserts the responsive ones, then
// performs a self-lookup to populate the table with nearby peers.
func (d *Driver) BootstrapAsync(ctx context.Context, seeds []identity.BoundPeer) error {
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, d.config.PingSeedTimeout)
		alive := d.pingPeer(pingCtx, seed)
		cancel()

		if alive {
			d.touchPeer(ctx, seed)
		} else {
			d.logger.Debug("bootstrap seed unresponsive", logging.Fields{"peer": seed.Address.String()})
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.config.FindPeerTimeout)
	defer cancel()
	_, err := d.FindPeer(lookupCtx, d.self.Address)
	return err
}

// RefreshTableAsync re-probes any bucket whose most recent contact is older
// than maxAge: existing members are pinged (dead ones removed), and a
// lookup for a random address in the bucket's key range reseeds it.
func (d *Driver) RefreshTableAsync(ctx context.Context, maxAge time.Duration) error {
	for i := 0; i < d.config.TableSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		bucket := d.table.BucketAt(i)
		if bucket.IsEmpty() {
			continue
		}
		if time.Since(bucket.LastUpdated()) < maxAge {
			continue
		}

		for _, p := range bucket.Peers() {
			pingCtx, cancel := context.WithTimeout(ctx, d.config.RoundTimeout)
			alive := d.pingPeer(pingCtx, p)
			cancel()

			if alive {
				d.touchPeer(ctx, p)
			} else if _, err := d.table.RemovePeerAsync(ctx, p.Address); err != nil {
				d.logger.Debug("RefreshTableAsync: RemovePeerAsync failed", logging.Fields{"peer": p.Address.String(), "error": err.Error()})
			}
		}

		target, err := d.randomAddressWithCPL(i)
		if err != nil {
			return err
		}
		lookupCtx, cancel := context.WithTimeout(ctx, d.config.FindPeerTimeout)
		_, err = d.FindPeer(lookupCtx, target)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// RebuildConnectionAsync issues a self-lookup plus a lookup for a random
// address in each empty bucket, reseeding the table from scratch.
func (d *Driver) RebuildConnectionAsync(ctx context.Context) error {
	lookupCtx, cancel := context.WithTimeout(ctx, d.config.FindPeerTimeout)
	_, err := d.FindPeer(lookupCtx, d.self.Address)
	cancel()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	for i := 0; i < d.config.TableSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.table.BucketAt(i).IsEmpty() {
			continue
		}
		target, err := d.randomAddressWithCPL(i)
		if err != nil {
			return err
		}
		lookupCtx, cancel := context.WithTimeout(ctx, d.config.FindPeerTimeout)
		_, err = d.FindPeer(lookupCtx, target)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// CheckReplacementCacheAsync pings replacement candidates for every bucket
// that has any: the first live candidate is promoted (evicting the head if
// it is unresponsive), dead candidates are dropped.
func (d *Driver) CheckReplacementCacheAsync(ctx context.Context) error {
	for i := 0; i < d.config.TableSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		bucket := d.table.BucketAt(i)
		if bucket.ReplacementCount() == 0 {
			continue
		}

		if head, ok := bucket.Head(); ok {
			pingCtx, cancel := context.WithTimeout(ctx, d.config.RoundTimeout)
			alive := d.pingPeer(pingCtx, head)
			cancel()
			if !alive {
				if _, err := d.table.RemovePeerAsync(ctx, head.Address); err != nil {
					d.logger.Debug("CheckReplacementCacheAsync: RemovePeerAsync failed", logging.Fields{"peer": head.Address.String(), "error": err.Error()})
				}
			}
		}

		for bucket.ReplacementCount() > 0 {
			candidate, ok := bucket.ReplacementCachePop()
			if !ok {
				break
			}
			pingCtx, cancel := context.WithTimeout(ctx, d.config.RoundTimeout)
			alive := d.pingPeer(pingCtx, candidate)
			cancel()
			if alive {
				if _, _, err := d.table.AddPeerAsync(ctx, candidate); err != nil {
					d.logger.Debug("CheckReplacementCacheAsync: AddPeerAsync failed", logging.Fields{"peer": candidate.Address.String(), "error": err.Error()})
				}
				break
			}
		}
	}
	return nil
}

// randomAddressWithCPL returns a uniformly random address whose common
// prefix length with the local address is exactly cpl: bits [0, cpl) match
// local, bit cpl differs, and the remaining bits are random. This gives
// RefreshTableAsync/RebuildConnectionAsync a representative key inside a
// given bucket's range.
func (d *Driver) randomAddressWithCPL(cpl int) (identity.Address, error) {
	var out identity.Address
	if _, err := rand.Read(out[:]); err != nil {
		return out, fmt.Errorf("driver: generating random address: %w", err)
	}

	local := d.self.Address
	for bit := 0; bit < cpl; bit++ {
		setBit(&out, bit, getBit(local, bit))
	}
	if cpl < kademlia.AddressBits {
		setBit(&out, cpl, !getBit(local, cpl))
	}
	return out, nil
}

func getBit(addr identity.Address, bit int) bool {
	byteIdx, bitIdx := bit/8, bit%8
	return addr[byteIdx]&(0x80>>uint(bitIdx)) != 0
}

func setBit(addr *identity.Address, bit int, value bool) {
	byteIdx, bitIdx := bit/8, bit%8
	mask := byte(0x80 >> uint(bitIdx))
	if value {
		addr[byteIdx] |= mask
	} else {
		addr[byteIdx] &^= mask
	}
}
