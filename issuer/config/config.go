package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/hackcert/hackcert-node/issuer/constant"
)

//go:embed default_config.json
var defaultConfigJSON []byte

// envBoundKeys are read from HCERT_<KEY> even when the config file omits them.
var envBoundKeys = []string{
	"signer_private_key",
	"ledger_rpc_urls",
	"ledger_chain_id",
	"contract_address",
	"database_path",
	"api_port",
	"log_level",
	"log_format",
	"log_file",
}

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups <= 0 {
		cfg.LogMaxBackups = 5
	}

	if cfg.APIPort == 0 {
		cfg.APIPort = constant.DefaultAPIPort
	}
	if cfg.APIRateLimitPerMinute < 0 {
		return fmt.Errorf("api rate limit must not be negative")
	}
	if cfg.APIRateLimitPerMinute == 0 {
		cfg.APIRateLimitPerMinute = 120
	}
	if cfg.APIRateBurst <= 0 {
		cfg.APIRateBurst = 20
	}

	// Ledger defaults
	if len(cfg.LedgerRPCURLs) == 0 {
		cfg.LedgerRPCURLs = []string{"http://localhost:8545"}
	}
	if cfg.LedgerVersion == "" {
		cfg.LedgerVersion = LedgerVersionV1
	}
	if cfg.LedgerVersion != LedgerVersionV1 && cfg.LedgerVersion != LedgerVersionV2 {
		return fmt.Errorf("ledger version must be 'v1' or 'v2'")
	}
	if cfg.ContractAddress != "" && !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("contract address %q is not a hex address", cfg.ContractAddress)
	}
	if cfg.LedgerChainID <= 0 {
		return fmt.Errorf("ledger chain id must be a positive EIP-155 chain id")
	}
	if cfg.GasLimitPerRecipient == 0 {
		cfg.GasLimitPerRecipient = 120000
	}
	if cfg.BaseGasLimit == 0 {
		cfg.BaseGasLimit = 80000
	}
	if cfg.RequestTimeoutSeconds == 0 {
		cfg.RequestTimeoutSeconds = 10
	}

	// Confirmation polling
	if cfg.ConfirmPollIntervalSeconds == 0 {
		cfg.ConfirmPollIntervalSeconds = 3
	}
	if cfg.ConfirmMaxPolls == 0 {
		cfg.ConfirmMaxPolls = 40
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}

	// Registry sync
	if cfg.RegistrySyncIntervalSeconds == 0 {
		cfg.RegistrySyncIntervalSeconds = 300
	}
	if cfg.RegistrySyncTimeoutSeconds == 0 {
		cfg.RegistrySyncTimeoutSeconds = 120
	}
	if cfg.RegistryConcurrency <= 0 {
		cfg.RegistryConcurrency = 4
	}

	// Background sweeps
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 30
	}
	if cfg.ArchiveIntervalSeconds == 0 {
		cfg.ArchiveIntervalSeconds = 3600
	}
	if cfg.AttemptRetentionSeconds == 0 {
		cfg.AttemptRetentionSeconds = 86400
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffSeconds == 0 {
		cfg.RetryBackoffSeconds = 1
	}

	return nil
}

// Validate fills defaults and checks enum fields.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeDir>/config/hcertd_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <BasePath>/config/hcertd_config.json, applies HCERT_*
// environment overrides and validates the result.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)

	v := viper.New()
	v.SetConfigFile(filepath.Clean(configFile))
	v.SetConfigType("json")
	v.SetEnvPrefix(constant.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBoundKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// DatabaseFile resolves the sqlite file location for this node.
func (c *Config) DatabaseFile() (dir, file string) {
	if c.DatabasePath != "" {
		return filepath.Dir(c.DatabasePath), filepath.Base(c.DatabasePath)
	}
	home := c.NodeHome
	if home == "" {
		home = constant.DefaultNodeHome
	}
	return filepath.Join(home, constant.DataSubdir), constant.DatabaseFile
}
