// Command kadnode runs a single kadmesh DHT node: it serves the wire
// protocol over WebSocket (and, when configured, QUIC), maintains a
// Kademlia routing table backed by Postgres and Redis, and exposes the
// diagnostics API over HTTP.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kadmesh/kadmesh/pkg/api"
	"github.com/kadmesh/kadmesh/pkg/authentication"
	"github.com/kadmesh/kadmesh/pkg/config"
	"github.com/kadmesh/kadmesh/pkg/driver"
	"github.com/kadmesh/kadmesh/pkg/identity"
	"github.com/kadmesh/kadmesh/pkg/logging"
	"github.com/kadmesh/kadmesh/pkg/persistence"
	"github.com/kadmesh/kadmesh/pkg/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "kadnode",
		Short: "kadmesh DHT node",
	}
	root.AddCommand(newServeCmd(), newGenerateConfigCmd(), newGenerateKeyCmd(), newBootstrapCmd(), newTraceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newGenerateConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a starter config file populated with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.WriteConfigFile(config.GenerateDefaultConfig(), path)
		},
	}
	cmd.Flags().StringVar(&path, "out", "kadnode.yaml", "output path")
	return cmd
}

func newGenerateKeyCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a new node identity key and write it to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := identity.GenerateKey()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
				return fmt.Errorf("writing key file: %w", err)
			}
			fmt.Printf("wrote key for address %s to %s\n", identity.AddressFromPublicKey(priv.PublicKey()), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "out", "node.key", "output path")
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: serve the wire protocol and the diagnostics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "kadnode.yaml", "path to YAML config file")
	return cmd
}

func newBootstrapCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Ping the configured seed peers once, run a self-lookup, and print the resulting table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "kadnode.yaml", "path to YAML config file")
	return cmd
}

func runBootstrap(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewLogger("kadnode-bootstrap", parseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Close()

	privateKey, err := loadOrGenerateKey(cfg.Server.KeyFile, logger)
	if err != nil {
		return err
	}
	self := identity.NewPeer(privateKey.PublicKey())

	wsConfig := transport.DefaultWebSocketConfig()
	dialer := transport.NewWebSocketDialer(privateKey, wsConfig, logger)
	d, err := driver.New(self, privateKey, driverConfigFrom(cfg), dialer, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building driver: %w", err)
	}

	seeds := parseSeeds(cfg.Routing.Seeds, logger)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Routing.FindPeerTimeout+cfg.Routing.PingSeedTimeout*time.Duration(len(seeds)+1))
	defer cancel()

	if err := d.BootstrapAsync(ctx, seeds); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	fmt.Println(d.Trace())
	return nil
}

func newTraceCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the routing table warm-started from the configured Postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "kadnode.yaml", "path to YAML config file")
	return cmd
}

func runTrace(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewLogger("kadnode-trace", parseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Close()

	privateKey, err := loadOrGenerateKey(cfg.Server.KeyFile, logger)
	if err != nil {
		return err
	}
	self := identity.NewPeer(privateKey.PublicKey())

	ctx := context.Background()
	dialer := transport.NewWebSocketDialer(privateKey, transport.DefaultWebSocketConfig(), logger)
	d, err := driver.New(self, privateKey, driverConfigFrom(cfg), dialer, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building driver: %w", err)
	}

	if cfg.Database.Host != "" {
		store, err := persistence.NewPostgresStore(ctx, persistence.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer store.Close()
		if _, err := store.LoadPeersIntoRoutingTable(ctx, d.Table()); err != nil {
			return fmt.Errorf("warm-starting table: %w", err)
		}
	}

	fmt.Println(d.Trace())
	return nil
}

func driverConfigFrom(cfg *config.Config) driver.Config {
	return driver.Config{
		TableSize:       cfg.Routing.TableSize,
		BucketSize:      cfg.Routing.BucketSize,
		Alpha:           cfg.Routing.Alpha,
		K:               cfg.Routing.K,
		PingSeedTimeout: cfg.Routing.PingSeedTimeout,
		FindPeerTimeout: cfg.Routing.FindPeerTimeout,
		RoundTimeout:    cfg.Routing.RoundTimeout,
		RefreshInterval: cfg.Routing.RefreshInterval,
	}
}

// startQUICListener brings up the optional QUIC listener alongside the
// WebSocket one. It loads cfg.Server.TLSCert/TLSKey when both are set, or
// else generates an ephemeral self-signed certificate: the DHT's peer
// identity comes from the secp256k1 signature on each message, not from the
// transport certificate, so an ephemeral cert is sufficient for a node with
// no operator-supplied one.
func startQUICListener(cfg *config.Config, logger *logging.Logger) (*transport.QUICListener, error) {
	var tlsConfig *tls.Config
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading tls keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"kadmesh-quic"}}
	} else {
		host, _, err := net.SplitHostPort(cfg.Server.QUICAddr)
		if err != nil {
			host = "0.0.0.0"
		}
		tlsConfig, err = transport.GenerateEphemeralTLSConfig(host)
		if err != nil {
			return nil, fmt.Errorf("generating ephemeral tls config: %w", err)
		}
		logger.Info("quic listener using ephemeral self-signed certificate", logging.Fields{"addr": cfg.Server.QUICAddr})
	}

	listener, err := transport.NewQUICListener(cfg.Server.QUICAddr, tlsConfig)
	if err != nil {
		return nil, err
	}
	logger.Info("quic listener started", logging.Fields{"addr": cfg.Server.QUICAddr})
	return listener, nil
}

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger("kadnode", parseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Close()

	privateKey, err := loadOrGenerateKey(cfg.Server.KeyFile, logger)
	if err != nil {
		return err
	}
	self := identity.NewPeer(privateKey.PublicKey())
	logger.Info("node identity", logging.Fields{"address": self.Address.String()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *persistence.PostgresStore
	if cfg.Database.Host != "" {
		store, err = persistence.NewPostgresStore(ctx, persistence.PostgresConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer store.Close()
	}

	var cache *persistence.RedisCache
	if cfg.Redis.Host != "" {
		cache, err = persistence.NewRedisCache(ctx, persistence.RedisCacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer cache.Close()
	}

	wsConfig := transport.DefaultWebSocketConfig()
	dialer := transport.NewWebSocketDialer(privateKey, wsConfig, logger)

	d, err := driver.New(self, privateKey, driverConfigFrom(cfg), dialer, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building driver: %w", err)
	}

	if store != nil {
		loaded, err := store.LoadPeersIntoRoutingTable(ctx, d.Table())
		if err != nil {
			logger.Warn("warm-start from postgres failed", logging.Fields{"error": err.Error()})
		} else {
			logger.Info("warm-started routing table", logging.Fields{"loaded": loaded})
		}
	}

	seeds := parseSeeds(cfg.Routing.Seeds, logger)
	if len(seeds) > 0 {
		go func() {
			if err := d.BootstrapAsync(ctx, seeds); err != nil {
				logger.Warn("bootstrap failed", logging.Fields{"error": err.Error()})
			}
		}()
	}

	listener := transport.NewListener(cfg.Server.ListenAddr, wsConfig)
	go func() {
		if err := listener.Serve(ctx); err != nil {
			logger.Error("websocket listener stopped", logging.Fields{"error": err.Error()})
		}
	}()
	go func() {
		if err := d.ServeWebSocket(ctx, listener); err != nil && ctx.Err() == nil {
			logger.Error("driver serve loop stopped", logging.Fields{"error": err.Error()})
		}
	}()

	if cfg.Server.QUICAddr != "" {
		quicListener, err := startQUICListener(cfg, logger)
		if err != nil {
			logger.Error("quic listener failed to start", logging.Fields{"error": err.Error()})
		} else {
			go func() {
				if err := d.ServeQUIC(ctx, quicListener); err != nil && ctx.Err() == nil {
					logger.Error("driver quic serve loop stopped", logging.Fields{"error": err.Error()})
				}
			}()
			defer quicListener.Close()
		}
	}

	authServer := authentication.NewServer()
	apiAddr := fmt.Sprintf(":%d", cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, d, authServer, cache, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server stopped", logging.Fields{"error": err.Error()})
		}
	}()

	stopMaintenance := startMaintenance(ctx, d, store, authServer, cfg.Routing.RefreshInterval, logger)
	defer stopMaintenance()

	logger.Info("kadnode running", logging.Fields{
		"listen_addr": cfg.Server.ListenAddr,
		"api_addr":    apiAddr,
	})

	waitForShutdown(logger)
	cancel()
	return apiServer.Stop()
}

// loadOrGenerateKey loads a persisted node key, or generates and persists a
// new one if path is empty or the file does not yet exist.
func loadOrGenerateKey(path string, logger *logging.Logger) (*identity.PrivateKey, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			priv, err := identity.ParsePrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("parsing key file %s: %w", path, err)
			}
			return priv, nil
		}
	}

	priv, err := identity.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if path != "" {
		if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
			return nil, fmt.Errorf("writing key file %s: %w", path, err)
		}
		logger.Info("generated new node key", logging.Fields{"path": path})
	}
	return priv, nil
}

// parseSeeds decodes "pubkeyhex@host:port" bootstrap entries, matching the
// enode-style addressing scheme: a seed's identity must be known up front
// since the routing table never admits an unverified peer.
func parseSeeds(raw []string, logger *logging.Logger) []identity.BoundPeer {
	seeds := make([]identity.BoundPeer, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			logger.Warn("malformed seed entry, expected pubkeyhex@host:port", logging.Fields{"entry": entry})
			continue
		}
		host, portStr, err := net.SplitHostPort(parts[1])
		if err != nil {
			logger.Warn("malformed seed endpoint", logging.Fields{"entry": entry, "error": err.Error()})
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			logger.Warn("malformed seed port", logging.Fields{"entry": entry, "error": err.Error()})
			continue
		}
		pubKeyBytes, err := hex.DecodeString(parts[0])
		if err != nil {
			logger.Warn("malformed seed public key", logging.Fields{"entry": entry, "error": err.Error()})
			continue
		}
		pub, err := identity.ParsePublicKey(pubKeyBytes)
		if err != nil {
			logger.Warn("invalid seed public key", logging.Fields{"entry": entry, "error": err.Error()})
			continue
		}
		seeds = append(seeds, identity.NewBoundPeer(identity.NewPeer(pub), host, uint16(port)))
	}
	return seeds
}

// startMaintenance launches the routing table's periodic upkeep: refresh,
// replacement-cache promotion, expired-session cleanup, and (when a durable
// store is configured) persisting the current peer set. It returns a stop
// function that halts every ticker.
func startMaintenance(ctx context.Context, d *driver.Driver, store *persistence.PostgresStore, auth *authentication.Server, refreshInterval time.Duration, logger *logging.Logger) func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.RefreshTableAsync(ctx, refreshInterval); err != nil {
					logger.Debug("table refresh failed", logging.Fields{"error": err.Error()})
				}
			case <-stop:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := d.CheckReplacementCacheAsync(ctx); err != nil {
					logger.Debug("replacement cache check failed", logging.Fields{"error": err.Error()})
				}
			case <-stop:
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				auth.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()

	if store != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					persistTable(ctx, d, store, logger)
				case <-stop:
					return
				}
			}
		}()
	}

	return func() { close(stop) }
}

func persistTable(ctx context.Context, d *driver.Driver, store *persistence.PostgresStore, logger *logging.Logger) {
	for _, b := range d.Table().NonEmptyBuckets() {
		for _, p := range b.Peers() {
			if err := store.SavePeer(ctx, p); err != nil {
				logger.Debug("persisting peer failed", logging.Fields{"peer": p.Address.String(), "error": err.Error()})
			}
		}
	}
}

func waitForShutdown(logger *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", logging.Fields{"signal": sig.String()})
}

func parseLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
