// ABOUTME: serve command: prints the startup banner and runs the gateway until signaled
// ABOUTME: Listener, runner, and ledger settings come from the resolved config file

package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/gateway"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Runner:    %s", cfg.Runner.Kind)
	if cfg.Runner.URL != "" {
		gray.Printf(" %s", cfg.Runner.URL)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Ledger:    ")
	if cfg.Database.Path == "" {
		yellow.Println("in memory")
	} else {
		fmt.Println(cfg.Database.Path)
	}
	fmt.Println()

	logger.Info("starting coven-stream",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"runner", cfg.Runner.Kind,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(cmd.Context())
}
