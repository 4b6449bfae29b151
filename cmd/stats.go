package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/room"
	"github.com/vihu/tandem/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show room and peer counts of a server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		stats, err := fetchStats(ctx, cfg.ServerURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.StatsView(cfg.ServerURL, stats.Rooms, stats.Peers))
		return nil
	},
}

// fetchStats reads /stats from the server behind a ws(s) base URL.
func fetchStats(ctx context.Context, serverURL string) (room.Stats, error) {
	var stats room.Stats

	u, err := url.Parse(serverURL)
	if err != nil {
		return stats, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/stats"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return stats, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats, fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("fetch stats: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
