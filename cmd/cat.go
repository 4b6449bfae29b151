package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat [room]",
	Short: "Print the current text of a room",
	Long: `Connect to a room, fetch its document and print the text to stdout.

Examples:
  tandem cat notes
  tandem cat --server ws://10.0.0.2:8080 notes > notes.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := Connect(cmd.Context(), roomArg(args))
		if err != nil {
			return err
		}
		defer conn.Close()

		text, err := conn.Sync(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
