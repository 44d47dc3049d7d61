package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackcert/hackcert-node/issuer/config"
	"github.com/hackcert/hackcert-node/issuer/constant"
	"github.com/hackcert/hackcert-node/issuer/registry"
	"github.com/hackcert/hackcert-node/issuer/sweeper"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hcertd")
	assert.Contains(t, out, Version)
}

func TestInitCommand(t *testing.T) {
	home := t.TempDir()
	out, err := run(t, "init", "--home", home,
		"--rpc-url", "http://rpc-a:8545", "--rpc-url", "http://rpc-b:8545",
		"--chain-id", "84532",
		"--contract", "0x1111111111111111111111111111111111111111",
		"--ledger-version", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName))

	cfg, err := config.Load(home)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://rpc-a:8545", "http://rpc-b:8545"}, cfg.LedgerRPCURLs)
	assert.Equal(t, int64(84532), cfg.LedgerChainID)
	assert.Equal(t, config.LedgerVersionV2, cfg.LedgerVersion)

	_, err = run(t, "init", "--home", home)
	assert.Error(t, err, "existing config is not overwritten")

	_, err = run(t, "init", "--home", home, "--force")
	assert.NoError(t, err)
}

func TestInitRejectsUnknownLedgerVersion(t *testing.T) {
	_, err := run(t, "init", "--home", t.TempDir(), "--ledger-version", "v9")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{{"start"}, {"registry", "reconcile"}, {"attempts", "sweep"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
	reconcile, _, err := root.Find([]string{"registry", "reconcile"})
	require.NoError(t, err)
	assert.NotNil(t, reconcile.Flags().Lookup("event"))
	assert.NotNil(t, reconcile.Flags().Lookup("output"))
	sweep, _, err := root.Find([]string{"attempts", "sweep"})
	require.NoError(t, err)
	assert.NotNil(t, sweep.Flags().Lookup("output"))
}

func TestPrintOutput(t *testing.T) {
	summary := registry.Summary{
		Created:           []uint64{7},
		AlreadyConsistent: []uint64{},
		Failed:            map[uint64]string{9: "conflict"},
	}

	var js bytes.Buffer
	require.NoError(t, printOutput(&js, summary, outputFormatJSON))
	assert.Contains(t, js.String(), `"created": [`)
	assert.Contains(t, js.String(), `"9": "conflict"`)

	var ym bytes.Buffer
	require.NoError(t, printOutput(&ym, sweeper.Result{Checked: 3, Settled: 2}, outputFormatYAML))
	assert.Contains(t, ym.String(), "checked: 3")
	assert.Contains(t, ym.String(), "settled: 2")

	assert.Error(t, printOutput(&ym, summary, "xml"))
}

func TestStartWithoutConfig(t *testing.T) {
	_, err := run(t, "start", "--home", t.TempDir())
	assert.Error(t, err)
}
