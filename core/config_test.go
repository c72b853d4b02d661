package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/RSKWalletConnect/internal/identity"
)

func clearWalletEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envMnemonic, envPassphrase, envNetwork, envSlot} {
		t.Setenv(k, "")
	}
}

func TestLoadWalletConfigFromEnv(t *testing.T) {
	clearWalletEnv(t)
	t.Setenv(envMnemonic, testMnemonic)
	t.Setenv(envNetwork, "testnet")
	t.Setenv(envSlot, "1")

	cfg, err := loadWalletConfig("", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, cfg.Mnemonic)
	assert.Equal(t, identity.Testnet, cfg.Network)
	assert.Equal(t, 1, cfg.Slot)
	assert.Equal(t, "env", cfg.Source)
	assert.False(t, cfg.Ephemeral())
}

func TestLoadWalletConfigFromHomeFile(t *testing.T) {
	clearWalletEnv(t)
	home := t.TempDir()
	path := filepath.Join(home, identityFile)
	require.NoError(t, writeWalletIdentity(path, walletIdentity{Mnemonic: testMnemonic, Network: "test", Slot: 1}))

	cfg, err := loadWalletConfig("", home)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, identity.Testnet, cfg.Network)
	assert.Equal(t, 1, cfg.Slot)

	t.Setenv(envNetwork, "main")
	cfg, err = loadWalletConfig("", home)
	require.NoError(t, err)
	assert.Equal(t, identity.Mainnet, cfg.Network)
}

func TestLoadWalletConfigKeyFileWins(t *testing.T) {
	clearWalletEnv(t)
	home := t.TempDir()
	require.NoError(t, writeWalletIdentity(filepath.Join(home, identityFile), walletIdentity{Mnemonic: "home mnemonic"}))
	keyFile := filepath.Join(t.TempDir(), "other.json")
	require.NoError(t, writeWalletIdentity(keyFile, walletIdentity{Mnemonic: testMnemonic}))

	cfg, err := loadWalletConfig(keyFile, home)
	require.NoError(t, err)
	assert.Equal(t, testMnemonic, cfg.Mnemonic)
	assert.Equal(t, identity.Mainnet, cfg.Network)
}

func TestLoadWalletConfigGenerated(t *testing.T) {
	clearWalletEnv(t)

	cfg, err := loadWalletConfig("", t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Ephemeral())
	_, err = identity.NewProviderFromMnemonic(cfg.Mnemonic, "")
	assert.NoError(t, err)
}

func TestLoadWalletConfigErrors(t *testing.T) {
	clearWalletEnv(t)
	dir := t.TempDir()

	_, err := loadWalletConfig(filepath.Join(dir, "missing.json"), "")
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = loadWalletConfig(bad, "")
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"network":"main"}`), 0o600))
	_, err = loadWalletConfig(empty, "")
	assert.ErrorContains(t, err, "mnemonic is empty")

	t.Setenv(envMnemonic, testMnemonic)
	t.Setenv(envNetwork, "ropsten")
	_, err = loadWalletConfig("", "")
	assert.ErrorIs(t, err, identity.ErrUnknownNetwork)

	t.Setenv(envNetwork, "")
	t.Setenv(envSlot, "one")
	_, err = loadWalletConfig("", "")
	assert.ErrorContains(t, err, "invalid slot")
}

func TestWriteWalletIdentityPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", identityFile)
	require.NoError(t, writeWalletIdentity(path, walletIdentity{Mnemonic: testMnemonic}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
