package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/ui"
	"github.com/vihu/tandem/internal/version"
)

var (
	flagConfig       string
	flagServer       string
	flagName         string
	flagMaxFrameSize int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Real-time collaborative text editing over a websocket relay",
	Long: `Tandem keeps a shared text document in sync between any number of editors.

A relay server holds one authoritative document per room and fans out every
change to the other peers. Edits merge without conflicts, so peers can type
at the same time and still converge on the same text.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "Server URL (default ws://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "", "Name shown to other peers (default hostname)")
	rootCmd.PersistentFlags().IntVar(&flagMaxFrameSize, "max-frame-size", 0, "Largest frame accepted from the server in bytes (default 64MiB); must exceed the server's --max-doc-size")
}
