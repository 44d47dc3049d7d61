package config

import "time"

// LedgerVersion pins the calldata shape of the deployed certificate contract.
type LedgerVersion string

const (
	// LedgerVersionV1 deployments take bulkMintPOA(address[],uint256).
	LedgerVersionV1 LedgerVersion = "v1"

	// LedgerVersionV2 deployments take bulkMintPOA(address[],uint256,string) with a content hash.
	LedgerVersionV2 LedgerVersion = "v2"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level" mapstructure:"log_level"`     // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format" mapstructure:"log_format"`   // "json" or "console"
	LogSampler bool   `json:"log_sampler" mapstructure:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Optional rotating JSON log file, written alongside stdout
	LogFile       string `json:"log_file,omitempty" mapstructure:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb" mapstructure:"log_max_size_mb"` // default: 100
	LogMaxBackups int    `json:"log_max_backups" mapstructure:"log_max_backups"` // default: 5

	// Node Config
	NodeHome     string `json:"node_home" mapstructure:"node_home"`         // Node home directory (default: ~/.hcertd)
	DatabasePath string `json:"database_path" mapstructure:"database_path"` // Overrides <node_home>/data/issuance.db

	// API Config
	APIPort        int  `json:"api_port" mapstructure:"api_port"`               // Port for the organizer HTTP API (default: 8080)
	MetricsEnabled bool `json:"metrics_enabled" mapstructure:"metrics_enabled"` // Serve /metrics on the API port

	// Per-client limit on mutating API requests (registration is reachable by anyone holding a join code)
	APIRateLimitPerMinute float64 `json:"api_rate_limit_per_minute" mapstructure:"api_rate_limit_per_minute"` // default: 120
	APIRateBurst          int     `json:"api_rate_burst" mapstructure:"api_rate_burst"`                       // default: 20

	// Ledger configuration
	LedgerRPCURLs         []string      `json:"ledger_rpc_urls" mapstructure:"ledger_rpc_urls"`                 // EVM JSON-RPC endpoints
	LedgerChainID         int64         `json:"ledger_chain_id" mapstructure:"ledger_chain_id"`                 // EIP-155 chain id
	ContractAddress       string        `json:"contract_address" mapstructure:"contract_address"`               // Certificate contract address
	LedgerVersion         LedgerVersion `json:"ledger_version" mapstructure:"ledger_version"`                   // "v1" or "v2"
	SignerPrivateKey      string        `json:"signer_private_key,omitempty" mapstructure:"signer_private_key"` // Hex key of the organizer signer; prefer HCERT_SIGNER_PRIVATE_KEY
	GasLimitPerRecipient  uint64        `json:"gas_limit_per_recipient" mapstructure:"gas_limit_per_recipient"`
	BaseGasLimit          uint64        `json:"base_gas_limit" mapstructure:"base_gas_limit"`
	RequestTimeoutSeconds int           `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`

	// Confirmation polling
	ConfirmPollIntervalSeconds int    `json:"confirm_poll_interval_seconds" mapstructure:"confirm_poll_interval_seconds"` // default: 3
	ConfirmMaxPolls            int    `json:"confirm_max_polls" mapstructure:"confirm_max_polls"`                         // default: 40
	RequiredConfirmations      uint64 `json:"required_confirmations" mapstructure:"required_confirmations"`               // default: 1

	// Registry sync
	RegistrySyncIntervalSeconds int `json:"registry_sync_interval_seconds" mapstructure:"registry_sync_interval_seconds"` // default: 300
	RegistrySyncTimeoutSeconds  int `json:"registry_sync_timeout_seconds" mapstructure:"registry_sync_timeout_seconds"`   // default: 120
	RegistryConcurrency         int `json:"registry_concurrency" mapstructure:"registry_concurrency"`                     // default: 4

	// Background sweeps
	SweepIntervalSeconds    int `json:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`       // default: 30
	ArchiveIntervalSeconds  int `json:"archive_interval_seconds" mapstructure:"archive_interval_seconds"`   // default: 3600
	AttemptRetentionSeconds int `json:"attempt_retention_seconds" mapstructure:"attempt_retention_seconds"` // default: 86400

	// Retry policy for transient ledger reads
	MaxRetries          int `json:"max_retries" mapstructure:"max_retries"`                     // default: 3
	RetryBackoffSeconds int `json:"retry_backoff_seconds" mapstructure:"retry_backoff_seconds"` // default: 1
}

// ConfirmPollInterval returns the receipt polling interval.
func (c *Config) ConfirmPollInterval() time.Duration {
	return time.Duration(c.ConfirmPollIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-call ledger timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SweepInterval returns how often unconfirmed attempts are re-polled.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RegistrySyncInterval returns the scheduled registry reconcile period.
func (c *Config) RegistrySyncInterval() time.Duration {
	return time.Duration(c.RegistrySyncIntervalSeconds) * time.Second
}

// RegistrySyncTimeout bounds one scheduled reconcile pass.
func (c *Config) RegistrySyncTimeout() time.Duration {
	return time.Duration(c.RegistrySyncTimeoutSeconds) * time.Second
}

// ArchiveInterval returns how often consumed attempts are archived.
func (c *Config) ArchiveInterval() time.Duration {
	return time.Duration(c.ArchiveIntervalSeconds) * time.Second
}

// AttemptRetention returns how long consumed attempts stay unarchived.
func (c *Config) AttemptRetention() time.Duration {
	return time.Duration(c.AttemptRetentionSeconds) * time.Second
}
