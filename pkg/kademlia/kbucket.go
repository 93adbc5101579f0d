package kademlia

import (
	"sync"
	"time"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

// entry pairs a BoundPeer with the time it was last touched, used both for
// bucket members (recency ordering) and for replacement-cache candidates.
type entry struct {
	peer        identity.BoundPeer
	lastUpdated time.Time
}

// KBucket is a bounded, recency-ordered list of BoundPeers sharing a common
// prefix length with the local address, plus a bounded replacement cache of
// candidates that arrived while the bucket was full.
//
// Ordering: index 0 is the head (least-recently-seen, eviction candidate),
// the last index is the tail (most-recently-seen).
type KBucket struct {
	mu          sync.Mutex
	size        int
	peers       []entry
	replacement []entry
}

// NewKBucket creates an empty k-bucket bounded at size (both the live
// membership and the replacement cache are bounded at size).
func NewKBucket(size int) *KBucket {
	return &KBucket{
		size:        size,
		peers:       make([]entry, 0, size),
		replacement: make([]entry, 0, size),
	}
}

// AddPeer inserts or refreshes p. If the bucket is full and p is new, p is
// queued in the replacement cache and the current head is returned as the
// candidate the caller should liveness-probe.
func (kb *KBucket) AddPeer(p identity.BoundPeer) (candidate identity.BoundPeer, hasCandidate bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	now := time.Now()

	if idx := kb.indexOf(kb.peers, p.Address); idx >= 0 {
		kb.peers = append(kb.peers[:idx], kb.peers[idx+1:]...)
		kb.peers = append(kb.peers, entry{peer: p, lastUpdated: now})
		return identity.BoundPeer{}, false
	}

	if len(kb.peers) < kb.size {
		kb.peers = append(kb.peers, entry{peer: p, lastUpdated: now})
		return identity.BoundPeer{}, false
	}

	kb.addReplacement(p, now)
	return kb.peers[0].peer, true
}

// addReplacement inserts or bumps p within the replacement cache, evicting
// the oldest replacement candidate if the cache is already full.
func (kb *KBucket) addReplacement(p identity.BoundPeer, now time.Time) {
	if idx := kb.indexOf(kb.replacement, p.Address); idx >= 0 {
		kb.replacement = append(kb.replacement[:idx], kb.replacement[idx+1:]...)
		kb.replacement = append(kb.replacement, entry{peer: p, lastUpdated: now})
		return
	}

	if len(kb.replacement) >= kb.size {
		kb.replacement = kb.replacement[1:]
	}
	kb.replacement = append(kb.replacement, entry{peer: p, lastUpdated: now})
}

// RemovePeer removes p (by address) from the live bucket membership, without
// promoting anything from the replacement cache. It reports whether p was
// present.
func (kb *KBucket) RemovePeer(addr identity.Address) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	idx := kb.indexOf(kb.peers, addr)
	if idx < 0 {
		return false
	}
	kb.peers = append(kb.peers[:idx], kb.peers[idx+1:]...)
	return true
}

// ReplacementCachePop removes and returns the newest replacement candidate.
func (kb *KBucket) ReplacementCachePop() (identity.BoundPeer, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if len(kb.replacement) == 0 {
		return identity.BoundPeer{}, false
	}
	last := kb.replacement[len(kb.replacement)-1]
	kb.replacement = kb.replacement[:len(kb.replacement)-1]
	return last.peer, true
}

// Contains reports whether addr is a current bucket member.
func (kb *KBucket) Contains(addr identity.Address) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return kb.indexOf(kb.peers, addr) >= 0
}

// IsEmpty reports whether the bucket has no members.
func (kb *KBucket) IsEmpty() bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.peers) == 0
}

// IsFull reports whether the bucket is at capacity.
func (kb *KBucket) IsFull() bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.peers) >= kb.size
}

// Count returns the number of live bucket members.
func (kb *KBucket) Count() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.peers)
}

// ReplacementCount returns the number of replacement-cache candidates.
func (kb *KBucket) ReplacementCount() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.replacement)
}

// Peers returns a snapshot of the live membership, head (least-recently-seen)
// first.
func (kb *KBucket) Peers() []identity.BoundPeer {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	out := make([]identity.BoundPeer, len(kb.peers))
	for i, e := range kb.peers {
		out[i] = e.peer
	}
	return out
}

// LastUpdated returns the timestamp of the most-recently-touched member, or
// the zero time if the bucket is empty.
func (kb *KBucket) LastUpdated() time.Time {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if len(kb.peers) == 0 {
		return time.Time{}
	}
	return kb.peers[len(kb.peers)-1].lastUpdated
}

// Head returns the least-recently-seen member, the eviction candidate.
func (kb *KBucket) Head() (identity.BoundPeer, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if len(kb.peers) == 0 {
		return identity.BoundPeer{}, false
	}
	return kb.peers[0].peer, true
}

// Tail returns the most-recently-seen member.
func (kb *KBucket) Tail() (identity.BoundPeer, bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if len(kb.peers) == 0 {
		return identity.BoundPeer{}, false
	}
	return kb.peers[len(kb.peers)-1].peer, true
}

// Clear empties both the live membership and the replacement cache.
func (kb *KBucket) Clear() {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.peers = kb.peers[:0]
	kb.replacement = kb.replacement[:0]
}

func (kb *KBucket) indexOf(entries []entry, addr identity.Address) int {
	for i, e := range entries {
		if e.peer.Address.Equal(addr) {
			return i
		}
	}
	return -1
}
