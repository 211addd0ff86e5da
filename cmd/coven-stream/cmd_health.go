// ABOUTME: health command probing a running server's /health endpoint
// ABOUTME: Derives the URL from the configured HTTP listen address

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that a running server is alive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return checkHealth(cmd.Context(), cmd.OutOrStdout(), baseURL(cfg.Server.HTTPAddr))
	},
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	addr = strings.Replace(addr, "0.0.0.0:", "localhost:", 1)
	return "http://" + addr
}

func checkHealth(ctx context.Context, out io.Writer, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "%s is healthy\n", base)
	return nil
}
