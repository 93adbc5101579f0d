package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/kademlia"
	"github.com/kadmesh/kadmesh/pkg/logging"
)

// PostgresStore is the durable record of every peer the node has ever
// bound: address, public key, and last-known endpoint, reloaded at startup
// to warm-start the routing table without a fresh bootstrap.
type PostgresStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgresStore connects to Postgres, verifies connectivity, and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, config PostgresConfig, logger *logging.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("persistence: connecting to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("persistence: pinging postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db, logger: logger.WithField("component", "postgres_store")}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("persistence: initializing schema: %w", err)
	}

	store.logger.Info("postgres connection established", nil)
	return store, nil
}

func (ps *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		address VARCHAR(40) PRIMARY KEY,
		public_key VARCHAR(66) NOT NULL,
		host VARCHAR(255) NOT NULL,
		port INTEGER NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
	`
	_, err := ps.db.ExecContext(ctx, schema)
	return err
}

// SavePeer upserts a peer's current endpoint and bumps last_seen to now.
func (ps *PostgresStore) SavePeer(ctx context.Context, peer identity.BoundPeer) error {
	query := `
		INSERT INTO peers (address, public_key, host, port, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (address)
		DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			last_seen = NOW(),
			updated_at = NOW()
	`
	_, err := ps.db.ExecContext(ctx, query,
		peer.Address.String(),
		hex.EncodeToString(peer.PublicKey.CompressedBytes()),
		peer.Host,
		peer.Port,
	)
	return err
}

// GetPeer retrieves a peer record by address.
func (ps *PostgresStore) GetPeer(ctx context.Context, addr identity.Address) (identity.BoundPeer, error) {
	query := `SELECT address, public_key, host, port FROM peers WHERE address = $1`
	row := ps.db.QueryRowContext(ctx, query, addr.String())
	peer, err := scanPeerRow(row.Scan)
	if err == sql.ErrNoRows {
		return identity.BoundPeer{}, fmt.Errorf("persistence: peer %s not found", addr)
	}
	return peer, err
}

// GetAllPeers retrieves every stored peer, most recently seen first.
func (ps *PostgresStore) GetAllPeers(ctx context.Context) ([]identity.BoundPeer, error) {
	query := `SELECT address, public_key, host, port FROM peers ORDER BY last_seen DESC`
	rows, err := ps.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := make([]identity.BoundPeer, 0)
	for rows.Next() {
		peer, err := scanPeerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

func scanPeerRow(scan func(dest ...interface{}) error) (identity.BoundPeer, error) {
	var addrHex, pubHex, host string
	var port uint16
	if err := scan(&addrHex, &pubHex, &host, &port); err != nil {
		return identity.BoundPeer{}, err
	}

	addrBytes, err := hex.DecodeString(addrHex)
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: decoding stored address: %w", err)
	}
	addr, err := identity.AddressFromBytes(addrBytes)
	if err != nil {
		return identity.BoundPeer{}, err
	}

	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: decoding stored public key: %w", err)
	}
	pub, err := identity.ParsePublicKey(pubBytes)
	if err != nil {
		return identity.BoundPeer{}, fmt.Errorf("persistence: parsing stored public key: %w", err)
	}

	return identity.NewBoundPeer(identity.Peer{Address: addr, PublicKey: pub}, host, port), nil
}

// DeletePeer removes a peer record.
func (ps *PostgresStore) DeletePeer(ctx context.Context, addr identity.Address) error {
	_, err := ps.db.ExecContext(ctx, `DELETE FROM peers WHERE address = $1`, addr.String())
	return err
}

// DeleteStalePeers removes peers not seen within maxAge, returning the
// number of rows removed.
func (ps *PostgresStore) DeleteStalePeers(ctx context.Context, maxAge time.Duration) (int, error) {
	threshold := time.Now().Add(-maxAge)
	result, err := ps.db.ExecContext(ctx, `DELETE FROM peers WHERE last_seen < $1`, threshold)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Stats reports row counts for diagnostics.
func (ps *PostgresStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	var total int
	if err := ps.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM peers").Scan(&total); err != nil {
		return nil, err
	}
	return map[string]interface{}{"total_peers": total}, nil
}

// Close closes the database connection pool.
func (ps *PostgresStore) Close() error {
	ps.logger.Info("closing postgres connection", nil)
	return ps.db.Close()
}

// LoadPeersIntoRoutingTable warm-starts table from every stored peer. Peers
// that AddPeerAsync rejects (e.g. the local address) are logged and skipped
// rather than treated as fatal; a peer whose bucket is full goes to that
// bucket's replacement cache and is still counted as loaded.
func (ps *PostgresStore) LoadPeersIntoRoutingTable(ctx context.Context, table *kademlia.RoutingTable) (int, error) {
	peers, err := ps.GetAllPeers(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, peer := range peers {
		if _, _, err := table.AddPeerAsync(ctx, peer); err != nil {
			ps.logger.Warn("failed to warm-start peer into routing table", logging.Fields{"peer": peer.Address.String(), "error": err.Error()})
			continue
		}
		loaded++
	}

	ps.logger.Info("warm-started routing table from postgres", logging.Fields{"loaded": loaded, "total": len(peers)})
	return loaded, nil
}
