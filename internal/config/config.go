// Package config loads and validates the indexer configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DBMode selects the write path.
type DBMode string

const (
	// DBModeLocal handles events inline, one transaction per ledger
	// transaction, and appends to the event log.
	DBModeLocal DBMode = "local"
	// DBModeSupabase batches events through the event buffer for pooled
	// remote databases.
	DBModeSupabase DBMode = "supabase"
)

// IndexerMode selects how the poller follows the chain.
type IndexerMode string

const (
	IndexerModePolling   IndexerMode = "polling"
	IndexerModeWebsocket IndexerMode = "websocket"
	IndexerModeAuto      IndexerMode = "auto"
)

// MetadataIndexMode controls how much off-chain metadata the URI worker
// extracts.
type MetadataIndexMode string

const (
	MetadataIndexOff      MetadataIndexMode = "off"
	MetadataIndexStandard MetadataIndexMode = "standard"
	MetadataIndexFull     MetadataIndexMode = "full"
)

// Config is the full application configuration.
type Config struct {
	Chain struct {
		RPCEndpoint string `yaml:"rpc_endpoint"`
		ProgramID   string `yaml:"program_id"`
	} `yaml:"chain"`

	Database struct {
		URL    string `yaml:"url"`
		DBMode DBMode `yaml:"db_mode"`
	} `yaml:"database"`

	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
		APIMode    string `yaml:"api_mode"` // rest | graphql | both; gates API init only
	} `yaml:"service"`

	Indexer struct {
		Mode              IndexerMode `yaml:"indexer_mode"`
		PollingIntervalMs int         `yaml:"polling_interval_ms"`
		BatchSize         int         `yaml:"batch_size"`
	} `yaml:"indexer"`

	Verify struct {
		// Enabled is a pointer so an omitted key defaults to true; only an
		// explicit false turns verification off.
		Enabled           *bool `yaml:"verification_enabled"`
		IntervalMs        int   `yaml:"verify_interval_ms"`
		BatchSize         int   `yaml:"verify_batch_size"`
		SafetyMarginSlots int   `yaml:"verify_safety_margin_slots"`
		MaxRetries        int   `yaml:"verify_max_retries"`
	} `yaml:"verify"`

	Metadata struct {
		IndexMode        MetadataIndexMode `yaml:"metadata_index_mode"`
		TimeoutMs        int               `yaml:"metadata_timeout_ms"`
		MaxBytes         int               `yaml:"metadata_max_bytes"`
		MaxValueBytes    int               `yaml:"metadata_max_value_bytes"`
		AllowInsecureURI bool              `yaml:"allow_insecure_uri"`
		IPFSGateway      string            `yaml:"ipfs_gateway"`
		ArweaveGateway   string            `yaml:"arweave_gateway"`
	} `yaml:"metadata"`

	Stats struct {
		CacheTTLMs int `yaml:"stats_cache_ttl_ms"` // consumed by the API layer
	} `yaml:"stats"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads, defaults and validates a YAML configuration file. Environment
// variables DATABASE_URL and RPC_ENDPOINT override the file so secrets can
// stay out of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("RPC_ENDPOINT"); v != "" {
		cfg.Chain.RPCEndpoint = v
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "8004-solana-indexer"
	}
	if c.Service.HealthPort == 0 {
		c.Service.HealthPort = 8088
	}
	if c.Service.APIMode == "" {
		c.Service.APIMode = "rest"
	}
	if c.Database.DBMode == "" {
		c.Database.DBMode = DBModeLocal
	}
	if c.Indexer.Mode == "" {
		c.Indexer.Mode = IndexerModePolling
	}
	if c.Indexer.PollingIntervalMs == 0 {
		c.Indexer.PollingIntervalMs = 5000
	}
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = 100
	}
	if c.Verify.Enabled == nil {
		enabled := true
		c.Verify.Enabled = &enabled
	}
	if c.Verify.IntervalMs == 0 {
		c.Verify.IntervalMs = 60000
	}
	if c.Verify.BatchSize == 0 {
		c.Verify.BatchSize = 100
	}
	if c.Verify.SafetyMarginSlots == 0 {
		c.Verify.SafetyMarginSlots = 32
	}
	if c.Verify.MaxRetries == 0 {
		c.Verify.MaxRetries = 3
	}
	if c.Metadata.IndexMode == "" {
		c.Metadata.IndexMode = MetadataIndexStandard
	}
	if c.Metadata.TimeoutMs == 0 {
		c.Metadata.TimeoutMs = 30000
	}
	if c.Metadata.MaxBytes == 0 {
		c.Metadata.MaxBytes = 65536
	}
	if c.Metadata.MaxValueBytes == 0 {
		c.Metadata.MaxValueBytes = 1024 * 1024
	}
	if c.Metadata.IPFSGateway == "" {
		c.Metadata.IPFSGateway = "https://ipfs.io/ipfs/"
	}
	if c.Metadata.ArweaveGateway == "" {
		c.Metadata.ArweaveGateway = "https://arweave.net/"
	}
	if c.Stats.CacheTTLMs == 0 {
		c.Stats.CacheTTLMs = 30000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects unknown enum values and missing required settings.
func (c *Config) Validate() error {
	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain.rpc_endpoint is required")
	}
	if c.Chain.ProgramID == "" {
		return fmt.Errorf("chain.program_id is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Database.DBMode {
	case DBModeLocal, DBModeSupabase:
	default:
		return fmt.Errorf("invalid db_mode %q", c.Database.DBMode)
	}
	switch c.Service.APIMode {
	case "rest", "graphql", "both":
	default:
		return fmt.Errorf("invalid api_mode %q", c.Service.APIMode)
	}
	switch c.Indexer.Mode {
	case IndexerModePolling, IndexerModeWebsocket, IndexerModeAuto:
	default:
		return fmt.Errorf("invalid indexer_mode %q", c.Indexer.Mode)
	}
	switch c.Metadata.IndexMode {
	case MetadataIndexOff, MetadataIndexStandard, MetadataIndexFull:
	default:
		return fmt.Errorf("invalid metadata_index_mode %q", c.Metadata.IndexMode)
	}
	return nil
}

// PollingInterval returns the poll tick as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Indexer.PollingIntervalMs) * time.Millisecond
}

// VerifyEnabled reports whether the verifier runs.
func (c *Config) VerifyEnabled() bool {
	return c.Verify.Enabled == nil || *c.Verify.Enabled
}

// VerifyInterval returns the verifier tick as a duration.
func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.Verify.IntervalMs) * time.Millisecond
}

// MetadataTimeout returns the per-fetch timeout as a duration.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Metadata.TimeoutMs) * time.Millisecond
}
