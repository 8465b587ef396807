// Package main provides the CLI entry point for the Hana host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Matthew-IE/Hana-Project/internal/app"
	"github.com/Matthew-IE/Hana-Project/internal/config"
	"github.com/Matthew-IE/Hana-Project/internal/logging"
	"github.com/Matthew-IE/Hana-Project/internal/settings"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string

	rootCmd := &cobra.Command{
		Use:   "hana",
		Short: "Hana desktop companion host",
		Long: `Hana host supervises the speech and TTS sidecars, bridges their events
to the avatar window and the dashboard over WebSocket, and owns the shared
configuration document.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), dataDir)
		},
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: per-user config dir)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), dataDir)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect host settings",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings.Load(dataDir)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings and config document paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings.Default(dataDir)
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(cfg.Data.Dir, settings.FileName))
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(cfg.ConfigDir(), config.FileName))
			return nil
		},
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hana %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

func serve(ctx context.Context, dataDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := settings.Load(dataDir)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logCfg := logging.DefaultConfig(cfg.Data.Dir)
	logCfg.Level = logging.Level(cfg.Log.Level)
	if !cfg.Log.Console {
		logCfg.Console = nil
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
