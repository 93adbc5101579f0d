// Package persistence provides durable and hot-cache storage for the
// routing table's peer set: Postgres is the durable record, Redis is the
// short-TTL lookup cache fronting it.
package persistence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
)

// RedisCache fronts PostgresStore with a short-TTL peer-set cache, and also
// caches the transient result of a closest-peers lookup keyed by target address.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// RedisCacheConfig holds Redis connection settings.
type RedisCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // peer-entry TTL; default 5 minutes
}

// NewRedisCache dials Redis and verifies connectivity with a Ping.
func NewRedisCache(ctx context.Context, config RedisCacheConfig, logger *logging.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("persistence: connecting to redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	logger.Info("redis cache connected", logging.Fields{"addr": client.Options().Addr})
	return &RedisCache{client: client, ttl: ttl, logger: logger.WithField("component", "redis_cache")}, nil
}

// peerRecord is the JSON wire shape cached in Redis; BoundPeer itself
// carries a *identity.PublicKey which doesn't round-trip through
// encoding/json without a custom shape.
type peerRecord struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"` // hex-encoded compressed secp256k1 key
	Host      string `json:"host"`
	Port      uint16 `json:"port"`
}

func toPeerRecord(p identity.BoundPeer) peerRecord {
	return peerRecord{
		Address:   p.Address.String(),
		PublicKey: hex.EncodeToString(p.PublicKey.CompressedBytes()),
		Host:      p.Host,
		Port:      p.Port,
	}
}

func (r peerRecord) toBoundPeer() (identity.BoundPeer, error) {
	addr, err := identity.AddressFromBytes(mustHexDecode(r.Address))
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: decoding cached address: %w", err)
	}
	keyBytes, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: decoding cached public key: %w", err)
	}
	pub, err := identity.ParsePublicKey(keyBytes)
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: parsing cached public key: %w", err)
	}
	return identity.NewBoundPeer(identity.Peer{Address: addr, PublicKey: pub}, r.Host, r.Port), nil
}

func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// CachePeer caches a single peer under its address.
func (rc *RedisCache) CachePeer(ctx context.Context, peer identity.BoundPeer) error {
	data, err := json.Marshal(toPeerRecord(peer))
	if err != nil {
		return fmt.Errorf("persistence: marshaling peer: %w", err)
	}
	return rc.client.Set(ctx, peerKey(peer.Address), data, rc.ttl).Err()
}

// GetCachedPeer retrieves a peer from the cache, or redis.Nil-wrapped error
// if absent.
func (rc *RedisCache) GetCachedPeer(ctx context.Context, addr identity.Address) (identity.BoundPeer, error) {
	data, err := rc.client.Get(ctx, peerKey(addr)).Result()
	if err == redis.Nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: peer %s not in cache: %w", addr, err)
	}
	if err != nil {
		return identity.BoundPeer{}, err
	}

	var rec peerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: unmarshaling cached peer: %w", err)
	}
	return rec.toBoundPeer()
}

// InvalidatePeer removes a peer from the cache.
func (rc *RedisCache) InvalidatePeer(ctx context.Context, addr identity.Address) error {
	return rc.client.Del(ctx, peerKey(addr)).Err()
}

// CacheClosestPeers caches the result of a closest-peers lookup for 30 seconds,
// short enough that a stale entry cannot meaningfully mislead a caller
// given the driver's own RoundTimeout/FindPeerTimeout defaults.
func (rc *RedisCache) CacheClosestPeers(ctx context.Context, target identity.Address, peers []identity.BoundPeer) error {
	recs := make([]peerRecord, len(peers))
	for i, p := range peers {
		recs[i] = toPeerRecord(p)
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("persistence: marshaling closest peers: %w", err)
	}
	return rc.client.Set(ctx, closestKey(target), data, 30*time.Second).Err()
}

// GetCachedClosestPeers retrieves a cached closest-peers result.
func (rc *RedisCache) GetCachedClosestPeers(ctx context.Context, target identity.Address) ([]identity.BoundPeer, error) {
	data, err := rc.client.Get(ctx, closestKey(target)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("persistence: closest-peers for %s not in cache", target)
	}
	if err != nil {
		return nil, err
	}

	var recs []peerRecord
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("persistence: unmarshaling cached closest peers: %w", err)
	}
	peers := make([]identity.BoundPeer, 0, len(recs))
	for _, rec := range recs {
		p, err := rec.toBoundPeer()
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// IncrementCounter increments a named counter, used for lightweight
// operational metrics (e.g. lookups served, bootstrap attempts).
func (rc *RedisCache) IncrementCounter(ctx context.Context, name string) error {
	return rc.client.Incr(ctx, counterKey(name)).Err()
}

// GetCounter reads a named counter's current value.
func (rc *RedisCache) GetCounter(ctx context.Context, name string) (int64, error) {
	return rc.client.Get(ctx, counterKey(name)).Int64()
}

// Stats reports cache occupancy for diagnostics.
func (rc *RedisCache) Stats(ctx context.Context) (map[string]interface{}, error) {
	peerKeys, err := rc.client.Keys(ctx, "peer:*").Result()
	if err != nil {
		return nil, err
	}
	closestKeys, err := rc.client.Keys(ctx, "closest:*").Result()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"cached_peers":   len(peerKeys),
		"cached_lookups": len(closestKeys),
	}, nil
}

// Health reports whether the Redis connection is reachable.
func (rc *RedisCache) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	rc.logger.Info("closing redis connection", nil)
	return rc.client.Close()
}

func peerKey(addr identity.Address) string    { return fmt.Sprintf("peer:%s", addr) }
func closestKey(addr identity.Address) string { return fmt.Sprintf("closest:%s", addr) }
func counterKey(name string) string           { return fmt.Sprintf("counter:%s", name) }
