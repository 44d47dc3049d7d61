package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/constant"
)

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name        string
		config      *Config
		expectError bool
		errorMsg    string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "Valid config with all fields",
			config: &Config{
				LogLevel:                   2,
				LogFormat:                  "json",
				APIPort:                    9000,
				LedgerRPCURLs:              []string{"http://node:8545"},
				LedgerChainID:              11155111,
				LedgerVersion:              LedgerVersionV2,
				ContractAddress:            "0x5FbDB2315678afecb367f032d93F642f64180aa3",
				ConfirmPollIntervalSeconds: 5,
				ConfirmMaxPolls:            10,
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.APIPort)
				assert.Equal(t, 10, cfg.ConfirmMaxPolls)
				assert.Equal(t, LedgerVersionV2, cfg.LedgerVersion)
			},
		},
		{
			name: "Defaults are applied",
			config: &Config{
				LogLevel:      1,
				LogFormat:     "console",
				LedgerChainID: 31337,
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, constant.DefaultAPIPort, cfg.APIPort)
				assert.Equal(t, []string{"http://localhost:8545"}, cfg.LedgerRPCURLs)
				assert.Equal(t, LedgerVersionV1, cfg.LedgerVersion)
				assert.Equal(t, 3, cfg.ConfirmPollIntervalSeconds)
				assert.Equal(t, 40, cfg.ConfirmMaxPolls)
				assert.Equal(t, uint64(1), cfg.RequiredConfirmations)
				assert.Equal(t, 4, cfg.RegistryConcurrency)
				assert.Equal(t, 86400, cfg.AttemptRetentionSeconds)
			},
		},
		{
			name:        "Invalid log level (negative)",
			config:      &Config{LogLevel: -1, LogFormat: "json"},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name:        "Invalid log level (too high)",
			config:      &Config{LogLevel: 6, LogFormat: "json"},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name:        "Invalid log format",
			config:      &Config{LogLevel: 1, LogFormat: "xml"},
			expectError: true,
			errorMsg:    "log format must be 'json' or 'console'",
		},
		{
			name:        "Invalid ledger version",
			config:      &Config{LogLevel: 1, LogFormat: "json", LedgerVersion: "v9"},
			expectError: true,
			errorMsg:    "ledger version must be 'v1' or 'v2'",
		},
		{
			name:        "Invalid contract address",
			config:      &Config{LogLevel: 1, LogFormat: "json", ContractAddress: "not-an-address"},
			expectError: true,
			errorMsg:    "is not a hex address",
		},
		{
			name:        "Missing chain id",
			config:      &Config{LogLevel: 1, LogFormat: "json"},
			expectError: true,
			errorMsg:    "ledger chain id must be a positive",
		},
		{
			name:        "Negative chain id",
			config:      &Config{LogLevel: 1, LogFormat: "json", LedgerChainID: -1},
			expectError: true,
			errorMsg:    "ledger chain id must be a positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.config)
			if tc.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
				return
			}
			require.NoError(t, err)
			if tc.validate != nil {
				tc.validate(t, tc.config)
			}
		})
	}
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, LedgerVersionV1, cfg.LedgerVersion)
	assert.NotEmpty(t, cfg.LedgerRPCURLs)
	require.NoError(t, validateConfig(cfg))
}

func TestSaveAndLoad(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		home := t.TempDir()
		cfg, err := LoadDefaultConfig()
		require.NoError(t, err)
		cfg.ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
		cfg.LedgerChainID = 11155111

		require.NoError(t, Save(cfg, home))
		require.FileExists(t, filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName))

		loaded, err := Load(home)
		require.NoError(t, err)
		assert.Equal(t, cfg.ContractAddress, loaded.ContractAddress)
		assert.Equal(t, int64(11155111), loaded.LedgerChainID)
		assert.Equal(t, home, loaded.NodeHome)
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		home := t.TempDir()
		cfg, err := LoadDefaultConfig()
		require.NoError(t, err)
		require.NoError(t, Save(cfg, home))

		t.Setenv("HCERT_CONTRACT_ADDRESS", "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
		t.Setenv("HCERT_SIGNER_PRIVATE_KEY", "deadbeef")

		loaded, err := Load(home)
		require.NoError(t, err)
		assert.Equal(t, "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0", loaded.ContractAddress)
		assert.Equal(t, "deadbeef", loaded.SignerPrivateKey)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(os.TempDir(), "does-not-exist-hcertd"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestDatabaseFile(t *testing.T) {
	cfg := &Config{NodeHome: "/srv/hcertd"}
	dir, file := cfg.DatabaseFile()
	assert.Equal(t, filepath.Join("/srv/hcertd", constant.DataSubdir), dir)
	assert.Equal(t, constant.DatabaseFile, file)

	cfg.DatabasePath = "/var/lib/hcert/custom.db"
	dir, file = cfg.DatabaseFile()
	assert.Equal(t, "/var/lib/hcert", dir)
	assert.Equal(t, "custom.db", file)
}
