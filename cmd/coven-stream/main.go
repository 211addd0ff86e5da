// ABOUTME: Entry point for the coven-stream streaming session server
// ABOUTME: Cobra root command; subcommands live in cmd_*.go

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                              _
  ___ _____   _____ _ __        ___| |_ _ __ ___  __ _ _ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __| __| '__/ _ \/ _' | '_ ' _ \
| (_| (_) \ V /  __/ | | |_____\__ \ |_| | |  __/ (_| | | | | | |
 \___\___/ \_/ \___|_| |_|     |___/\__|_|  \___|\__,_|_| |_| |_|
`

// configFlag holds the persistent --config value.
var configFlag string

var rootCmd = &cobra.Command{
	Use:           "coven-stream",
	Short:         "Real-time streaming session server for agent queries",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"config file (default $"+config.EnvConfigPath+" or $XDG_CONFIG_HOME/coven/stream.yaml)")
}

// loadConfig resolves and loads the configuration. A missing file at the
// default location yields the defaults.
func loadConfig() (*config.Config, string, error) {
	path, explicit := config.ResolvePath(configFlag)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
