package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	swshare "github.com/seawire-net/seawire/share"
)

var shoreCmd = &cobra.Command{
	Use:   "shore",
	Short: "Run the shore-side egress daemon",
	Long: "Runs the internet-side daemon that accepts ship transport\n" +
		"connections and performs outbound HTTP and tunnel I/O on their\n" +
		"behalf.",
	Args: cobra.NoArgs,
	RunE: runShore,
}

func init() {
	f := shoreCmd.Flags()
	f.String("config", "", "path to a TOML config file")
	f.String("listen", "", "transport listen address")
	f.String("mode", "", "transport flavor: tcp, tls or ws")
	f.String("cert", "", "TLS certificate file (tls mode)")
	f.String("key", "", "TLS key file (tls mode)")
	f.String("log-level", "", "log level (error, warning, info, debug, trace)")
	rootCmd.AddCommand(shoreCmd)
}

func runShore(cmd *cobra.Command, args []string) error {
	cfg := swshare.DefaultShoreConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := swshare.LoadFile(path, cfg); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode, _ = cmd.Flags().GetString("mode")
	}
	if cmd.Flags().Changed("cert") {
		cfg.CertFile, _ = cmd.Flags().GetString("cert")
	}
	if cmd.Flags().Changed("key") {
		cfg.KeyFile, _ = cmd.Flags().GetString("key")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	shore, err := swshare.NewShore(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return shore.Run(ctx)
}
