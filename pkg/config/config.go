// Package config loads node configuration from YAML, mirroring the
// teacher's layered config/defaults/validate shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kadmesh node configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Routing  RoutingConfig  `yaml:"routing"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds transport listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // WebSocket listen address, e.g. ":30303"
	QUICAddr   string `yaml:"quic_addr"`   // QUIC listen address, e.g. ":30304"
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	KeyFile    string `yaml:"key_file"` // path to the node's secp256k1 private key
	APIPort    int    `yaml:"api_port"`
}

// RoutingConfig holds Kademlia routing-table and driver settings.
type RoutingConfig struct {
	TableSize       int           `yaml:"table_size"`
	BucketSize      int           `yaml:"bucket_size"`
	Alpha           int           `yaml:"alpha"`
	K               int           `yaml:"k"`
	PingSeedTimeout time.Duration `yaml:"ping_seed_timeout"`
	FindPeerTimeout time.Duration `yaml:"find_peer_timeout"`
	RoundTimeout    time.Duration `yaml:"round_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Seeds           []string      `yaml:"seeds"` // bootstrap peers, "pubkeyhex@host:port"
}

// DatabaseConfig holds PostgreSQL settings for durable peer storage.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis cache settings for hot peer-set lookups.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// SecurityConfig holds API/session security settings.
type SecurityConfig struct {
	RequireAuth     bool     `yaml:"require_auth"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadConfig loads configuration from a YAML file, applies defaults, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults fills unset fields with the module's production defaults.
// Routing defaults mirror driver.DefaultConfig(); kept independent here so
// a YAML file can override them without importing pkg/driver.
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":30303"
	}
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8080
	}

	if c.Routing.TableSize == 0 {
		c.Routing.TableSize = 160
	}
	if c.Routing.BucketSize == 0 {
		c.Routing.BucketSize = 16
	}
	if c.Routing.Alpha == 0 {
		c.Routing.Alpha = 3
	}
	if c.Routing.K == 0 {
		c.Routing.K = c.Routing.BucketSize
	}
	if c.Routing.PingSeedTimeout == 0 {
		c.Routing.PingSeedTimeout = 5 * time.Second
	}
	if c.Routing.FindPeerTimeout == 0 {
		c.Routing.FindPeerTimeout = 30 * time.Second
	}
	if c.Routing.RoundTimeout == 0 {
		c.Routing.RoundTimeout = 2 * time.Second
	}
	if c.Routing.RefreshInterval == 0 {
		c.Routing.RefreshInterval = 1 * time.Hour
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 5 * time.Minute
	}

	if c.Security.RateLimitPerMin == 0 {
		c.Security.RateLimitPerMin = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

func (c *Config) validate() error {
	if c.Routing.TableSize < 1 {
		return fmt.Errorf("routing.table_size must be >= 1")
	}
	if c.Routing.BucketSize < 1 {
		return fmt.Errorf("routing.bucket_size must be >= 1")
	}
	if c.Routing.Alpha < 1 {
		return fmt.Errorf("routing.alpha must be >= 1")
	}
	if c.Database.Host != "" && c.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required when database.host is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// GenerateDefaultConfig returns a config populated entirely with defaults,
// suitable for writing out as a starter file.
func GenerateDefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// WriteConfigFile marshals config to YAML and writes it to path.
func WriteConfigFile(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
