package driver

import (
	"context"
	"sync"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/kademlia"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/shared/protocol"
)

// FindPeer runs the iterative Kademlia lookup for target: maintain a
// shortlist of the k closest known peers, query the alpha closest-unqueried
// members each round, merge in anything closer that comes back, insert
// newly discovered peers into the routing table, and stop once a full round
// yields nothing closer or the context is done.
func (d *Driver) FindPeer(ctx context.Context, target identity.Address) ([]identity.BoundPeer, error) {
	shortlist := d.table.Neighbors(target, d.config.K)
	queried := make(map[identity.Address]bool)

	for {
		if err := ctx.Err(); err != nil {
			return shortlist, err
		}

		round := closestUnqueried(shortlist, queried, target, d.config.Alpha)
		if len(round) == 0 {
			return shortlist, nil
		}
		for _, p := range round {
			queried[p.Address] = true
		}

		discovered := d.queryRound(ctx, round, target)
		for _, p := range discovered {
			if !p.Address.Equal(d.self.Address) && !d.table.Contains(p.Address) {
				d.touchPeer(ctx, p)
			}
		}

		merged, closer := mergeShortlist(shortlist, discovered, target, d.config.K, d.self.Address)
		shortlist = merged
		if !closer {
			return shortlist, nil
		}
	}
}

// queryRound fires a find-peer query at each peer in round concurrently and
// collects every peer any of them returned. Per-peer failures are treated
// as unresponsive and simply contribute nothing.
func (d *Driver) queryRound(ctx context.Context, round []identity.BoundPeer, target identity.Address) []identity.BoundPeer {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []identity.BoundPeer
	)

	for _, p := range round {
		wg.Add(1)
		go func(p identity.BoundPeer) {
			defer wg.Done()

			roundCtx, cancel := context.WithTimeout(ctx, d.config.RoundTimeout)
			defer cancel()

			peers, err := d.queryFindPeer(roundCtx, p, target)
			if err != nil {
				d.logger.Debug("lookup round query failed", logging.Fields{"peer": p.Address.String(), "error": err.Error()})
				return
			}

			mu.Lock()
			results = append(results, peers...)
			mu.Unlock()

			d.touchPeer(ctx, p)
		}(p)
	}

	wg.Wait()
	return results
}

// queryFindPeer asks p for candidate peers for a lookup of target. The wire
// protocol has no dedicated find-peer variant, so this reuses PeerSetDelta
// itself as the query: sending our own (empty) delta doubles as "tell me
// yours", and the reply's Added list supplies candidate peers. target is not
// sent: p answers with the peers it knows closest to this node's own
// address, which are the peers closest to target only for a self-lookup.
// This keeps Ping/Pong bodies empty, matching their fixed wire contract.
func (d *Driver) queryFindPeer(ctx context.Context, p identity.BoundPeer, target identity.Address) ([]identity.BoundPeer, error) {
	delta, err := protocol.NewPeerSetDelta(d.privateKey, d.nextDeltaCounter(), nil, nil)
	if err != nil {
		return nil, err
	}
	msg := &protocol.Message{Kind: protocol.PeerSetDelta, PeerSetDelta: delta}
	reply, err := d.dialer.Send(ctx, p, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil || reply.Kind != protocol.PeerSetDelta {
		return nil, ErrUnresponsive
	}
	if reply.PeerSetDelta == nil {
		return nil, nil
	}
	return reply.PeerSetDelta.Added, nil
}

func closestUnqueried(shortlist []identity.BoundPeer, queried map[identity.Address]bool, target identity.Address, alpha int) []identity.BoundPeer {
	var candidates []identity.BoundPeer
	for _, p := range shortlist {
		if !queried[p.Address] {
			candidates = append(candidates, p)
		}
	}
	kademlia.SortByDistance(candidates, target)
	if len(candidates) > alpha {
		candidates = candidates[:alpha]
	}
	return candidates
}

// mergeShortlist folds discovered into shortlist, excludes self and
// duplicates, re-sorts by distance to target, truncates to k, and reports
// whether the closest entry got strictly closer than before.
func mergeShortlist(shortlist, discovered []identity.BoundPeer, target identity.Address, k int, self identity.Address) ([]identity.BoundPeer, bool) {
	seen := make(map[identity.Address]bool, len(shortlist))
	merged := make([]identity.BoundPeer, 0, len(shortlist)+len(discovered))

	var bestBefore *identity.Address
	for _, p := range shortlist {
		seen[p.Address] = true
		merged = append(merged, p)
	}
	if len(shortlist) > 0 {
		bestBefore = &shortlist[0].Address
	}

	for _, p := range discovered {
		if p.Address.Equal(self) || seen[p.Address] {
			continue
		}
		seen[p.Address] = true
		merged = append(merged, p)
	}

	kademlia.SortByDistance(merged, target)
	if len(merged) > k {
		merged = merged[:k]
	}

	if len(merged) == 0 {
		return merged, false
	}
	if bestBefore == nil {
		return merged, true
	}
	return merged, !merged[0].Address.Equal(*bestBefore)
}
