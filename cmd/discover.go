package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/discovery"
	"github.com/vihu/tandem/internal/ui"
)

var flagBrowseTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find tandem servers on the local network",
	Long: `Browse mDNS for servers started with --mdns and list them.

Examples:
  tandem discover
  tandem discover --timeout 5s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), flagBrowseTimeout)
		defer cancel()

		spin := ui.NewWaitingSpinner("Looking for servers...")
		spin.Start()
		servers, err := discovery.Browse(ctx)
		spin.Stop()
		if err != nil {
			return err
		}

		rows := make([]ui.ServerRow, len(servers))
		for i, s := range servers {
			rows[i] = ui.ServerRow{Instance: s.Instance, URL: s.URL(), Version: s.Version}
		}
		ui.RenderServerTable(rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().DurationVarP(&flagBrowseTimeout, "timeout", "t", 3*time.Second, "How long to listen for announcements")
}
