package kademlia

import "testing"

func TestKBucketAddPeerAppendsUntilFull(t *testing.T) {
	kb := NewKBucket(2)
	p1 := boundPeerWithAddr(0x01)
	p2 := boundPeerWithAddr(0x02)

	if _, has := kb.AddPeer(p1); has {
		t.Fatal("unexpected candidate on first insert")
	}
	if _, has := kb.AddPeer(p2); has {
		t.Fatal("unexpected candidate on second insert")
	}
	if kb.Count() != 2 {
		t.Fatalf("expected count 2, got %d", kb.Count())
	}
	if !kb.IsFull() {
		t.Error("expected bucket to be full")
	}
}

func TestKBucketOverflowQueuesReplacement(t *testing.T) {
	// bucketSize=2: P1/P2 fill the bucket, P3 overflows; head P1 is
	// returned as the eviction candidate and P3 lands in the replacement
	// cache, not the bucket.
	kb := NewKBucket(2)
	p1 := boundPeerWithAddr(0x01)
	p2 := boundPeerWithAddr(0x02)
	p3 := boundPeerWithAddr(0x03)

	kb.AddPeer(p1)
	kb.AddPeer(p2)

	candidate, has := kb.AddPeer(p3)
	if !has {
		t.Fatal("expected an eviction candidate on overflow")
	}
	if !candidate.Equal(p1) {
		t.Errorf("expected head P1 as candidate, got %s", candidate)
	}

	peers := kb.Peers()
	if len(peers) != 2 || !peers[0].Equal(p1) || !peers[1].Equal(p2) {
		t.Errorf("bucket membership changed on overflow: %v", peers)
	}
	if kb.ReplacementCount() != 1 {
		t.Fatalf("expected 1 replacement candidate, got %d", kb.ReplacementCount())
	}
}

func TestKBucketDeadHeadPromotesReplacement(t *testing.T) {
	// Scenario 4: after the head is confirmed dead and removed, the
	// replacement candidate is promoted into the bucket.
	kb := NewKBucket(2)
	p1 := boundPeerWithAddr(0x01)
	p2 := boundPeerWithAddr(0x02)
	p3 := boundPeerWithAddr(0x03)

	kb.AddPeer(p1)
	kb.AddPeer(p2)
	kb.AddPeer(p3)

	if !kb.RemovePeer(p1.Address) {
		t.Fatal("expected to remove dead head P1")
	}
	promoted, ok := kb.ReplacementCachePop()
	if !ok {
		t.Fatal("expected a replacement candidate to promote")
	}
	kb.AddPeer(promoted)

	peers := kb.Peers()
	if len(peers) != 2 || !peers[0].Equal(p2) || !peers[1].Equal(p3) {
		t.Errorf("expected bucket [P2, P3] after promotion, got %v", peers)
	}
	if kb.ReplacementCount() != 0 {
		t.Errorf("expected empty replacement cache, got %d", kb.ReplacementCount())
	}
}

func TestKBucketAddPeerMovesExistingToTail(t *testing.T) {
	kb := NewKBucket(3)
	p1 := boundPeerWithAddr(0x01)
	p2 := boundPeerWithAddr(0x02)

	kb.AddPeer(p1)
	kb.AddPeer(p2)
	kb.AddPeer(p1)

	peers := kb.Peers()
	if !peers[len(peers)-1].Equal(p1) {
		t.Errorf("expected p1 at tail after refresh, got %v", peers)
	}
	if kb.Count() != 2 {
		t.Errorf("refreshing an existing peer should not grow the bucket, got count %d", kb.Count())
	}
}

func TestKBucketRemovePeerReportsPresence(t *testing.T) {
	kb := NewKBucket(2)
	p1 := boundPeerWithAddr(0x01)

	if kb.RemovePeer(p1.Address) {
		t.Error("removing an absent peer should return false")
	}
	kb.AddPeer(p1)
	if !kb.RemovePeer(p1.Address) {
		t.Error("removing a present peer should return true")
	}
	if kb.Count() != 0 {
		t.Error("bucket should be empty after removal")
	}
}

func TestKBucketReplacementCacheBounded(t *testing.T) {
	kb := NewKBucket(1)
	p1 := boundPeerWithAddr(0x01)
	kb.AddPeer(p1)

	for i := byte(2); i <= 5; i++ {
		kb.AddPeer(boundPeerWithAddr(i))
	}

	if kb.ReplacementCount() != 1 {
		t.Errorf("expected replacement cache bounded at bucket size 1, got %d", kb.ReplacementCount())
	}
	newest, ok := kb.ReplacementCachePop()
	if !ok || newest.Address[0] != 0x05 {
		t.Errorf("expected newest replacement 0x05, got %v", newest)
	}
}

func TestKBucketClear(t *testing.T) {
	kb := NewKBucket(2)
	kb.AddPeer(boundPeerWithAddr(0x01))
	kb.AddPeer(boundPeerWithAddr(0x02))
	kb.AddPeer(boundPeerWithAddr(0x03))

	kb.Clear()

	if kb.Count() != 0 || kb.ReplacementCount() != 0 || !kb.IsEmpty() {
		t.Error("Clear did not empty both membership and replacement cache")
	}
}
