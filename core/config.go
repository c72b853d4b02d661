package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rsksmart/RSKWalletConnect/internal/identity"
)

const (
	envMnemonic   = "RSKCONNECT_MNEMONIC"
	envPassphrase = "RSKCONNECT_PASSPHRASE"
	envNetwork    = "RSKCONNECT_NETWORK"
	envSlot       = "RSKCONNECT_SLOT"
	identityFile  = "wallet-identity.json"
)

// walletIdentity is the JSON structure of the wallet identity file.
type walletIdentity struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
	Network    string `json:"network"`
	Slot       int    `json:"slot"`
}

// walletConfig is the resolved identity configuration.
type walletConfig struct {
	Mnemonic   string
	Passphrase string
	Network    identity.Network
	Slot       int
	// Source says where the mnemonic came from: "env", a file path or "generated".
	Source string
}

func (c walletConfig) Ephemeral() bool { return c.Source == "generated" }

// defaultHome is ~/.rskconnect.
func defaultHome() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".rskconnect"), nil
}

// loadWalletConfig resolves the mnemonic and initial selection.
// Priority: 1) RSKCONNECT_MNEMONIC env, 2) --key-file, 3) <home>/wallet-identity.json,
// 4) a freshly generated mnemonic that lives only as long as the process.
func loadWalletConfig(keyFile, home string) (walletConfig, error) {
	if mnemonic := os.Getenv(envMnemonic); mnemonic != "" {
		cfg := walletConfig{Mnemonic: mnemonic, Passphrase: os.Getenv(envPassphrase), Source: "env"}
		return applySelection(cfg, os.Getenv(envNetwork), os.Getenv(envSlot))
	}

	path := keyFile
	if path == "" && home != "" {
		candidate := filepath.Join(home, identityFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path == "" {
		mnemonic, err := identity.GenerateMnemonic()
		if err != nil {
			return walletConfig{}, fmt.Errorf("failed to generate mnemonic: %w", err)
		}
		cfg := walletConfig{Mnemonic: mnemonic, Source: "generated"}
		return applySelection(cfg, os.Getenv(envNetwork), os.Getenv(envSlot))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return walletConfig{}, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	var wi walletIdentity
	if err := json.Unmarshal(data, &wi); err != nil {
		return walletConfig{}, fmt.Errorf("failed to parse key file: %w", err)
	}
	if wi.Mnemonic == "" {
		return walletConfig{}, fmt.Errorf("mnemonic is empty in %s", path)
	}

	cfg := walletConfig{Mnemonic: wi.Mnemonic, Passphrase: wi.Passphrase, Source: path}
	network := wi.Network
	if env := os.Getenv(envNetwork); env != "" {
		network = env
	}
	slot := strconv.Itoa(wi.Slot)
	if env := os.Getenv(envSlot); env != "" {
		slot = env
	}
	return applySelection(cfg, network, slot)
}

func applySelection(cfg walletConfig, network, slot string) (walletConfig, error) {
	n, err := identity.ParseNetwork(network)
	if err != nil {
		return walletConfig{}, err
	}
	cfg.Network = n
	if slot != "" {
		s, err := strconv.Atoi(slot)
		if err != nil {
			return walletConfig{}, fmt.Errorf("invalid slot %q: %w", slot, err)
		}
		cfg.Slot = s
	}
	return cfg, nil
}

// writeWalletIdentity stores a mnemonic so later runs keep the same identities.
func writeWalletIdentity(path string, wi walletIdentity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(wi, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
