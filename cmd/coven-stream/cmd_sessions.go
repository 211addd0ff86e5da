// ABOUTME: sessions command showing live counters and recent ledger rows
// ABOUTME: Reads GET /api/sessions and renders a table with tabwriter

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-stream/internal/gateway"
)

var (
	sessionsLimit  int
	sessionsActive bool
)

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "number of recent sessions to show")
	sessionsCmd.Flags().BoolVar(&sessionsActive, "active", false, "only show sessions that have not ended")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show live session counters and recent sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		resp, err := fetchSessions(cmd.Context(), baseURL(cfg.Server.HTTPAddr), sessionsLimit, sessionsActive)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), resp)
	},
}

func fetchSessions(ctx context.Context, base string, limit int, active bool) (*gateway.SessionsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if active {
		q.Set("active", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/sessions?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetching sessions: status %d: %s", resp.StatusCode, body)
	}

	var out gateway.SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return &out, nil
}

func printSessions(out io.Writer, resp *gateway.SessionsResponse) error {
	fmt.Fprintf(out, "Active: %d  Ended: %d  Connections: %d  Streams: %d\n\n",
		resp.Active, resp.Ended, resp.Connections, resp.Streams)

	if len(resp.Recent) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tOUTCOME\tENVELOPES\tCREATED\tQUERY")
	for _, s := range resp.Recent {
		status := "ended"
		if s.EndedAt == nil {
			status = "active"
		}
		outcome := s.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			status,
			outcome,
			s.Envelopes,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(s.Query, 40),
		)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
