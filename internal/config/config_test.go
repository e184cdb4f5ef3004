package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TXKEEPER_RPC_URL", "http://localhost:8545")
	t.Setenv("TXKEEPER_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	expected := Defaults()
	expected.RPCURL = "http://localhost:8545"
	expected.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	assert.Equal(t, expected, cfg)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TXKEEPER_POLL_INTERVAL", "12s")
	t.Setenv("TXKEEPER_DROPPED_BLOCK_COUNT", "4")
	t.Setenv("TXKEEPER_WALLETS", "0x1111111111111111111111111111111111111111,0x2222222222222222222222222222222222222222")
	t.Setenv("TXKEEPER_QUERY_ENTIRE_HISTORY", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.DroppedBlockCount)
	assert.Len(t, cfg.Wallets, 2)
	assert.True(t, cfg.QueryEntireHistory)
	assert.Equal(t, uint64(50), cfg.MaxRetryBlockDistance)
}

func TestLoad_DotenvFile(t *testing.T) {
	// godotenv never overrides variables already present
	t.Setenv("TXKEEPER_RPC_URL", "http://from-env:8545")
	t.Setenv("TXKEEPER_PRIVATE_KEY", "")
	os.Unsetenv("TXKEEPER_PRIVATE_KEY")
	t.Setenv("TXKEEPER_DB_PATH", "")
	os.Unsetenv("TXKEEPER_DB_PATH")

	path := filepath.Join(t.TempDir(), "test.env")
	content := "TXKEEPER_RPC_URL=http://from-file:8545\nTXKEEPER_PRIVATE_KEY=deadbeef\nTXKEEPER_DB_PATH=/tmp/keeper.db\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Cleanup(func() {
		os.Unsetenv("TXKEEPER_PRIVATE_KEY")
		os.Unsetenv("TXKEEPER_DB_PATH")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8545", cfg.RPCURL)
	assert.Equal(t, "deadbeef", cfg.PrivateKey)
	assert.Equal(t, "/tmp/keeper.db", cfg.DBPath)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing required", func(t *testing.T) {
		t.Setenv("TXKEEPER_RPC_URL", "")
		os.Unsetenv("TXKEEPER_RPC_URL")
		t.Setenv("TXKEEPER_PRIVATE_KEY", "")
		os.Unsetenv("TXKEEPER_PRIVATE_KEY")

		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.Error(t, err)
	})

	t.Run("invalid value", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TXKEEPER_BLOCK_GAS_LIMIT_RATIO", "1.5")

		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorContains(t, err, "block gas limit ratio")
	})
}
