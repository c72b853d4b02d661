package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	envBotToken    = "RSKCONNECT_BOT_TOKEN"
	envChatID      = "RSKCONNECT_CHAT_ID"
	bridgeConfFile = "bridge-config.json"
)

type bridgeConfig struct {
	TelegramBotToken string `json:"telegramBotToken"`
	TelegramChatID   string `json:"telegramChatID"`
}

// readBridgeConfig reads Telegram settings from the environment, falling
// back to <home>/bridge-config.json for whatever the environment leaves unset.
func readBridgeConfig(home string) bridgeConfig {
	cfg := bridgeConfig{
		TelegramBotToken: os.Getenv(envBotToken),
		TelegramChatID:   os.Getenv(envChatID),
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		return cfg
	}
	if home == "" {
		return cfg
	}

	data, err := os.ReadFile(filepath.Join(home, bridgeConfFile))
	if err != nil {
		return cfg
	}
	var file bridgeConfig
	if err := json.Unmarshal(data, &file); err != nil {
		return cfg
	}
	if cfg.TelegramBotToken == "" {
		cfg.TelegramBotToken = file.TelegramBotToken
	}
	if cfg.TelegramChatID == "" {
		cfg.TelegramChatID = file.TelegramChatID
	}
	return cfg
}

func defaultHome() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".rskconnect")
}
