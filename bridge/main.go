package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type bridgeOptions struct {
	port          int
	home          string
	telegramToken string
	telegramChat  string
	telegramAPI   string
}

func main() {
	if err := newBridgeCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newBridgeCmd() *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:          "rskconnect-bridge",
		Short:        "Approval bridge: relays wallet prompts to a human",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.port, "port", 18790, "bridge server port")
	f.StringVar(&opts.home, "home", defaultHome(), "config dir holding bridge-config.json")
	f.StringVar(&opts.telegramToken, "telegram-token", "", "Telegram bot token (overrides config)")
	f.StringVar(&opts.telegramChat, "telegram-chat", "", "Telegram chat ID for prompts (overrides config)")
	f.StringVar(&opts.telegramAPI, "telegram-api", defaultTelegramAPI, "Telegram Bot API base URL")
	return cmd
}

func runBridge(cmd *cobra.Command, opts *bridgeOptions) error {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg := readBridgeConfig(opts.home)
	if opts.telegramToken != "" {
		cfg.TelegramBotToken = opts.telegramToken
	}
	if opts.telegramChat != "" {
		cfg.TelegramChatID = opts.telegramChat
	}

	var tg *telegramClient
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tg = newTelegramClient(opts.telegramAPI, cfg.TelegramBotToken, cfg.TelegramChatID, logger)
	} else if cfg.TelegramBotToken != "" {
		logger.Warn("Telegram token set without a chat ID, prompts are only available via /pending")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge := NewBridgeServer(logger, tg)
	logger.Info("RSK Connect bridge started", "port", opts.port, "telegram", tg != nil)
	if err := bridge.Start(ctx, fmt.Sprintf("127.0.0.1:%d", opts.port)); err != nil {
		return fmt.Errorf("bridge server error: %w", err)
	}
	logger.Info("Bridge shutdown")
	return nil
}
