package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	swshare "github.com/seawire-net/seawire/share"
)

var shipCmd = &cobra.Command{
	Use:   "ship",
	Short: "Run the shipboard proxy daemon",
	Long: "Runs the local HTTP proxy that carries all requests over the\n" +
		"satellite link to a shore daemon. Configuration is resolved in\n" +
		"order: defaults, config file, environment, flags.",
	Args: cobra.NoArgs,
	RunE: runShip,
}

func init() {
	f := shipCmd.Flags()
	f.String("config", "", "path to a TOML config file")
	f.String("shore", "", "shore endpoint (host:port or tcp/tls/ws/wss URL)")
	f.String("listen", "", "local HTTP proxy listen address")
	f.String("socks5", "", "also run a SOCKS5 listener on this address")
	f.String("ledger", "", "record traffic to this SQLite database")
	f.String("log-level", "", "log level (error, warning, info, debug, trace)")
	rootCmd.AddCommand(shipCmd)
}

func runShip(cmd *cobra.Command, args []string) error {
	cfg := swshare.DefaultShipConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := swshare.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()
	if cmd.Flags().Changed("shore") {
		cfg.ShoreAddr, _ = cmd.Flags().GetString("shore")
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("socks5") {
		cfg.Socks5, _ = cmd.Flags().GetString("socks5")
	}
	if cmd.Flags().Changed("ledger") {
		cfg.LedgerPath, _ = cmd.Flags().GetString("ledger")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	ship, err := swshare.NewShip(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return ship.Run(ctx)
}
