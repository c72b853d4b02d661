package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rsksmart/RSKWalletConnect/internal/dispatch"
	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/metrics"
	"github.com/rsksmart/RSKWalletConnect/internal/session"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

var walletMeta = wc.PeerMeta{
	Name:        "RSK Connect",
	Description: "RSK identity wallet",
	URL:         "https://rsk.co",
}

type options struct {
	home        string
	keyFile     string
	network     string
	slot        int
	listen      string
	tlsListen   string
	bridgeURL   string
	autoApprove bool
	tokenTTL    time.Duration
	uri         string
	logLevel    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "rskconnect",
		Short:        "WalletConnect bridge for RSK identities",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.home != "" {
				return nil
			}
			home, err := defaultHome()
			if err != nil {
				return err
			}
			opts.home = home
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.home, "home", "", "config dir (default ~/.rskconnect)")
	pf.StringVar(&opts.keyFile, "key-file", "", "path to wallet identity JSON file")
	pf.StringVar(&opts.network, "network", "", "network to start on: main or test")
	pf.IntVar(&opts.slot, "slot", 0, "active identity slot (0 or 1)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(serveCmd(opts), identitiesCmd(opts), mnemonicCmd(opts))
	return root
}

func serveCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet daemon and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "127.0.0.1:3321", "control API address")
	f.StringVar(&opts.tlsListen, "tls-listen", "", "optional HTTPS control API address")
	f.StringVar(&opts.bridgeURL, "bridge-url", "", "approval bridge URL; prompts are answered through the control API when empty")
	f.BoolVar(&opts.autoApprove, "auto-approve", false, "approve every prompt without asking")
	f.DurationVar(&opts.tokenTTL, "token-ttl", identity.DefaultTokenValidity, "validity of signed credentials")
	f.StringVar(&opts.uri, "uri", "", "connect to this wc: URI on start")
	return cmd
}

func identitiesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "identities",
		Short: "Print the derived identities for both networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			provider, err := identity.NewProviderFromMnemonic(cfg.Mnemonic, cfg.Passphrase)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.Ephemeral() {
				fmt.Fprintln(out, "# no wallet identity configured; showing a throwaway mnemonic")
			}
			for _, network := range identity.Networks {
				for slot := 0; slot < identity.SlotCount; slot++ {
					id, err := provider.Derive(network, slot)
					if err != nil {
						return err
					}
					marker := " "
					if network == cfg.Network && slot == cfg.Slot {
						marker = "*"
					}
					fmt.Fprintf(out, "%s %-4s %d %-20s %s %s\n", marker, network, slot,
						identity.DerivationPath(network, slot), id.Address, id.DID)
				}
			}
			return nil
		},
	}
}

func mnemonicCmd(opts *options) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Generate a new mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := identity.GenerateMnemonic()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
			if !save {
				return nil
			}
			path := opts.keyFile
			if path == "" {
				path = filepath.Join(opts.home, identityFile)
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			network := identity.Mainnet
			if opts.network != "" {
				if network, err = identity.ParseNetwork(opts.network); err != nil {
					return err
				}
			}
			wi := walletIdentity{Mnemonic: mnemonic, Network: network.String(), Slot: opts.slot}
			if err := writeWalletIdentity(path, wi); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "write the mnemonic to the wallet identity file")
	return cmd
}

// resolveConfig loads the wallet configuration, letting --network and --slot
// override whatever the environment or key file chose.
func resolveConfig(cmd *cobra.Command, opts *options) (walletConfig, error) {
	cfg, err := loadWalletConfig(opts.keyFile, opts.home)
	if err != nil {
		return walletConfig{}, err
	}
	if cmd.Flags().Changed("network") {
		if cfg.Network, err = identity.ParseNetwork(opts.network); err != nil {
			return walletConfig{}, err
		}
	}
	if cmd.Flags().Changed("slot") {
		cfg.Slot = opts.slot
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// buildGate picks where decisions come from. prompts is non-nil only when
// they are answered through the control API.
func buildGate(opts *options) (g gate.Gate, prompts *gate.Pending) {
	switch {
	case opts.autoApprove && opts.bridgeURL == "":
		return gate.Fixed(gate.Approve), nil
	case opts.bridgeURL != "":
		return gate.NewRemote(opts.bridgeURL, opts.autoApprove), nil
	default:
		p := gate.NewPending()
		return p, p
	}
}

func runServe(cmd *cobra.Command, opts *options) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	logger.Info("Starting RSK Connect")

	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return fmt.Errorf("failed to load wallet identity: %w", err)
	}
	if cfg.Ephemeral() {
		logger.Warn("No wallet identity configured, using a generated mnemonic for this run only",
			"hint", "rskconnect mnemonic --save")
	}

	provider, err := identity.NewProviderFromMnemonic(cfg.Mnemonic, cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize wallet: %w", err)
	}
	registry, err := identity.NewRegistry(provider, cfg.Network, cfg.Slot)
	if err != nil {
		return fmt.Errorf("failed to initialize wallet: %w", err)
	}
	active := registry.Current().Active()
	logger.Info("Wallet initialized", "network", cfg.Network, "slot", cfg.Slot, "address", active.Address, "source", cfg.Source)

	m := metrics.New()
	g, prompts := buildGate(opts)
	if prompts != nil {
		prompts.OnPrompt(func(p gate.Prompt) {
			logger.Info("Awaiting decision", "id", p.ID, "type", p.Kind, "app", p.App, "message", p.Message)
		})
	}

	dispatcher := dispatch.New(dispatch.Config{
		Registry:      registry,
		Gate:          g,
		TokenValidity: opts.tokenTTL,
		Logger:        logger,
		Metrics:       m,
	})
	manager := session.NewManager(session.Config{
		Registry:   registry,
		Dialer:     &wc.RelayDialer{Logger: logger},
		Gate:       g,
		Dispatcher: dispatcher,
		Meta:       walletMeta,
		Logger:     logger,
		Metrics:    m,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.uri != "" {
		if err := manager.Open(ctx, opts.uri); err != nil {
			logger.Error("Failed to open session", "error", err)
		}
	}

	server := NewControlServer(logger, manager, prompts, m)
	logger.Info("RSK Connect running",
		"http", "http://"+opts.listen,
		"bridge", opts.bridgeURL,
		"autoApprove", opts.autoApprove,
	)
	if err := server.Start(ctx, opts.listen, opts.tlsListen, filepath.Join(opts.home, "certs")); err != nil {
		return err
	}

	logger.Info("Shutting down...")
	server.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Session did not close cleanly", "error", err)
	}
	logger.Info("Goodbye")
	return nil
}
