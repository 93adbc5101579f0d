package kademlia

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/kadmesh/kadmesh/pkg/identity"
)

func newTestTable(t *testing.T, tableSize, bucketSize int) (*RoutingTable, identity.Address) {
	t.Helper()
	priv, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	local := identity.AddressFromPublicKey(priv.PublicKey())

	rt, err := NewRoutingTable(local, tableSize, bucketSize, rand.New(rand.NewSource(42)), nil)
	if err != nil {
		t.Fatalf("NewRoutingTable failed: %v", err)
	}
	return rt, local
}

func TestNewRoutingTableRejectsOutOfRangeSizes(t *testing.T) {
	local := identity.Address{}
	if _, err := NewRoutingTable(local, 0, 16, nil, nil); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("expected ErrArgumentOutOfRange for tableSize=0, got %v", err)
	}
	if _, err := NewRoutingTable(local, 160, 0, nil, nil); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("expected ErrArgumentOutOfRange for bucketSize=0, got %v", err)
	}
}

func TestAddPeerAsyncRejectsSelf(t *testing.T) {
	rt, local := newTestTable(t, 160, 16)
	priv, _ := identity.GenerateKey()
	self := identity.NewBoundPeer(identity.Peer{Address: local, PublicKey: priv.PublicKey()}, "127.0.0.1", 1)

	if _, _, err := rt.AddPeerAsync(context.Background(), self); err == nil {
		t.Error("expected AddPeerAsync to reject the local address")
	}
	if rt.Count() != 0 {
		t.Error("local address must never appear in its own routing table")
	}
}

func TestAddPeerAsyncSinglePlacement(t *testing.T) {
	rt, _ := newTestTable(t, 160, 16)
	p := boundPeerWithAddr(0x01)

	if _, _, err := rt.AddPeerAsync(context.Background(), p); err != nil {
		t.Fatalf("AddPeerAsync failed: %v", err)
	}

	level := rt.BucketOf(p.Address)
	bucket := rt.BucketAt(level)
	if !bucket.Contains(p.Address) {
		t.Error("peer not present in the expected bucket")
	}
	if rt.Count() != 1 {
		t.Errorf("expected count 1, got %d", rt.Count())
	}
}

func TestNeighborsExcludesTargetAndIsSorted(t *testing.T) {
	rt, _ := newTestTable(t, 160, 20)
	ctx := context.Background()

	var target identity.Address
	for i := byte(1); i <= 10; i++ {
		p := boundPeerWithAddr(i)
		if i == 5 {
			target = p.Address
		}
		if _, _, err := rt.AddPeerAsync(ctx, p); err != nil {
			t.Fatalf("AddPeerAsync(%d) failed: %v", i, err)
		}
	}

	neighbors := rt.Neighbors(target, 3)
	if len(neighbors) > 6 {
		t.Errorf("expected at most 2k=6 neighbors, got %d", len(neighbors))
	}
	for _, n := range neighbors {
		if n.Address.Equal(target) {
			t.Error("Neighbors must exclude the target address")
		}
	}
	for i := 1; i < len(neighbors); i++ {
		prev := neighbors[i-1].Address.XOR(target)
		cur := neighbors[i].Address.XOR(target)
		if string(prev[:]) > string(cur[:]) {
			t.Error("Neighbors result is not sorted by ascending XOR distance")
		}
	}
}

func TestAddPeerAsyncRecencyOrder(t *testing.T) {
	rt, _ := newTestTable(t, 160, 16)
	ctx := context.Background()
	p1 := boundPeerWithAddr(0x01)
	p2 := boundPeerWithAddr(0x02)

	rt.AddPeerAsync(ctx, p1)
	rt.AddPeerAsync(ctx, p2)
	rt.AddPeerAsync(ctx, p1)

	bucket := rt.BucketAt(rt.BucketOf(p1.Address))
	peers := bucket.Peers()
	if !peers[len(peers)-1].Equal(p1) {
		t.Error("re-adding an existing peer should move it to the tail")
	}
}

func TestRoutingTableClear(t *testing.T) {
	rt, _ := newTestTable(t, 160, 16)
	ctx := context.Background()
	rt.AddPeerAsync(ctx, boundPeerWithAddr(0x01))
	rt.AddPeerAsync(ctx, boundPeerWithAddr(0x02))

	rt.Clear()

	if rt.Count() != 0 {
		t.Errorf("expected empty table after Clear, got count %d", rt.Count())
	}
}

func TestNewRoutingTableStartsEmpty(t *testing.T) {
	rt, _ := newTestTable(t, 160, 16)
	if rt.Count() != 0 {
		t.Errorf("expected empty table before any bootstrap, got %d", rt.Count())
	}
}

func TestPeerLookup(t *testing.T) {
	rt, _ := newTestTable(t, 160, 16)
	p := boundPeerWithAddr(0x01)

	if _, ok := rt.Peer(p.Address); ok {
		t.Error("expected no peer before insertion")
	}

	if _, _, err := rt.AddPeerAsync(context.Background(), p); err != nil {
		t.Fatalf("AddPeerAsync failed: %v", err)
	}

	got, ok := rt.Peer(p.Address)
	if !ok {
		t.Fatal("expected to find the inserted peer")
	}
	if !got.Address.Equal(p.Address) {
		t.Errorf("expected address %s, got %s", p.Address, got.Address)
	}
}
