package kademlia

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
)

// RoutingTable is a fixed-size array of buckets indexed by common-prefix
// length with the local address. Bucket i holds peers whose CPL with the
// local address equals i; peers with CPL >= tableSize-1 share the top
// bucket. The table's mutex guards only bucket selection and snapshots of
// the bucket list; each bucket serializes its own mutations on its own
// mutex, so mutations of different buckets are not ordered against each
// other.
type RoutingTable struct {
	local      identity.Address
	tableSize  int
	bucketSize int
	rng        *rand.Rand
	logger     *logging.Logger

	mu      sync.Mutex
	buckets []*KBucket
}

// NewRoutingTable constructs a RoutingTable for localAddress. tableSize and
// bucketSize must each be >= 1.
func NewRoutingTable(localAddress identity.Address, tableSize, bucketSize int, rng *rand.Rand, logger *logging.Logger) (*RoutingTable, error) {
	if tableSize < 1 || bucketSize < 1 {
		return nil, fmt.Errorf("kademlia: tableSize=%d bucketSize=%d: %w", tableSize, bucketSize, ErrArgumentOutOfRange)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	rt := &RoutingTable{
		local:      localAddress,
		tableSize:  tableSize,
		bucketSize: bucketSize,
		rng:        rng,
		logger:     logger,
		buckets:    make([]*KBucket, tableSize),
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(bucketSize)
	}
	return rt, nil
}

// bucketIndex returns min(CPL(addr, local), tableSize-1).
func (rt *RoutingTable) bucketIndex(addr identity.Address) int {
	cpl := CommonPrefixLength(addr, rt.local)
	if cpl > rt.tableSize-1 {
		return rt.tableSize - 1
	}
	return cpl
}

// validate rejects a nil public key (the Go analogue of a "null peer") or
// the local address itself.
func (rt *RoutingTable) validate(p identity.BoundPeer) error {
	if p.PublicKey == nil {
		return fmt.Errorf("kademlia: peer has no public key: %w", ErrArgumentInvalid)
	}
	if p.Address.Equal(rt.local) {
		return fmt.Errorf("kademlia: cannot add local address to its own routing table: %w", ErrArgumentInvalid)
	}
	return nil
}

// AddPeerAsync inserts or refreshes p in its CPL-indexed bucket. It returns
// the candidate-for-eviction bubbled up from the bucket, if any.
func (rt *RoutingTable) AddPeerAsync(ctx context.Context, p identity.BoundPeer) (identity.BoundPeer, bool, error) {
	if err := ctx.Err(); err != nil {
		return identity.BoundPeer{}, false, err
	}
	if err := rt.validate(p); err != nil {
		return identity.BoundPeer{}, false, err
	}

	rt.mu.Lock()
	bucket := rt.buckets[rt.bucketIndex(p.Address)]
	rt.mu.Unlock()

	candidate, hasCandidate := bucket.AddPeer(p)
	if hasCandidate {
		rt.logger.Debug("bucket full, queued replacement candidate", logging.Fields{
			"peer":      p.Address.String(),
			"candidate": candidate.Address.String(),
		})
	}
	return candidate, hasCandidate, nil
}

// RemovePeerAsync removes addr from its CPL-indexed bucket.
func (rt *RoutingTable) RemovePeerAsync(ctx context.Context, addr identity.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if addr.Equal(rt.local) {
		return false, fmt.Errorf("kademlia: cannot remove local address: %w", ErrArgumentInvalid)
	}

	rt.mu.Lock()
	bucket := rt.buckets[rt.bucketIndex(addr)]
	rt.mu.Unlock()

	return bucket.RemovePeer(addr), nil
}

// Contains reports whether addr is present anywhere in the table.
func (rt *RoutingTable) Contains(addr identity.Address) bool {
	rt.mu.Lock()
	bucket := rt.buckets[rt.bucketIndex(addr)]
	rt.mu.Unlock()
	return bucket.Contains(addr)
}

// Peer returns the BoundPeer stored for addr, if any.
func (rt *RoutingTable) Peer(addr identity.Address) (identity.BoundPeer, bool) {
	rt.mu.Lock()
	bucket := rt.buckets[rt.bucketIndex(addr)]
	rt.mu.Unlock()

	for _, p := range bucket.Peers() {
		if p.Address.Equal(addr) {
			return p, true
		}
	}
	return identity.BoundPeer{}, false
}

// BucketOf returns the bucket index that would hold addr.
func (rt *RoutingTable) BucketOf(addr identity.Address) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.bucketIndex(addr)
}

// BucketAt returns the bucket at a given level (0 <= level < tableSize).
func (rt *RoutingTable) BucketAt(level int) *KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[level]
}

// Count returns the sum of all bucket member counts.
func (rt *RoutingTable) Count() int {
	rt.mu.Lock()
	buckets := append([]*KBucket(nil), rt.buckets...)
	rt.mu.Unlock()

	total := 0
	for _, b := range buckets {
		total += b.Count()
	}
	return total
}

// NonFullBuckets returns a snapshot of buckets that have spare capacity.
func (rt *RoutingTable) NonFullBuckets() []*KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*KBucket
	for _, b := range rt.buckets {
		if !b.IsFull() {
			out = append(out, b)
		}
	}
	return out
}

// NonEmptyBuckets returns a snapshot of buckets that currently hold peers.
func (rt *RoutingTable) NonEmptyBuckets() []*KBucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*KBucket
	for _, b := range rt.buckets {
		if !b.IsEmpty() {
			out = append(out, b)
		}
	}
	return out
}

// Neighbors returns up to 2k peers closest to target, sorted by ascending
// XOR distance, excluding target itself. The 2k oversize lets lookup callers
// resist transient churn.
func (rt *RoutingTable) Neighbors(target identity.Address, k int) []identity.BoundPeer {
	all := rt.allPeers()

	candidates := make([]identity.BoundPeer, 0, len(all))
	for _, p := range all {
		if !p.Address.Equal(target) {
			candidates = append(candidates, p)
		}
	}

	SortByDistance(candidates, target)

	limit := 2 * k
	if limit > len(candidates) {
		limit = len(candidates)
	}
	return candidates[:limit]
}

// PeersToBroadcast returns one random peer per non-empty bucket, giving a
// logarithmic-size gossip set.
func (rt *RoutingTable) PeersToBroadcast() []identity.BoundPeer {
	nonEmpty := rt.NonEmptyBuckets()

	out := make([]identity.BoundPeer, 0, len(nonEmpty))
	for _, b := range nonEmpty {
		peers := b.Peers()
		if len(peers) == 0 {
			continue
		}
		out = append(out, peers[rt.rng.Intn(len(peers))])
	}
	return out
}

// Clear empties every bucket's membership and replacement cache.
func (rt *RoutingTable) Clear() {
	rt.mu.Lock()
	buckets := append([]*KBucket(nil), rt.buckets...)
	rt.mu.Unlock()

	for _, b := range buckets {
		b.Clear()
	}
}

// Trace renders a human-readable dump of bucket occupancy for diagnostics.
func (rt *RoutingTable) Trace() string {
	rt.mu.Lock()
	buckets := append([]*KBucket(nil), rt.buckets...)
	local := rt.local
	rt.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "routing table (local=%s)\n", local)
	for i, b := range buckets {
		if b.IsEmpty() && b.ReplacementCount() == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  bucket[%3d]: %d peers, %d replacements\n", i, b.Count(), b.ReplacementCount())
		for _, p := range b.Peers() {
			fmt.Fprintf(&sb, "    %s\n", p)
		}
	}
	return sb.String()
}

func (rt *RoutingTable) allPeers() []identity.BoundPeer {
	rt.mu.Lock()
	buckets := append([]*KBucket(nil), rt.buckets...)
	rt.mu.Unlock()

	var all []identity.BoundPeer
	for _, b := range buckets {
		all = append(all, b.Peers()...)
	}
	return all
}
