package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vihu/tandem/internal/config"
	"github.com/vihu/tandem/internal/discovery"
	"github.com/vihu/tandem/internal/logging"
	"github.com/vihu/tandem/internal/server"
	"github.com/vihu/tandem/internal/ui"
	"github.com/vihu/tandem/internal/version"
)

var (
	flagBind           string
	flagMaxPeers       int
	flagMaxRooms       int
	flagMaxDocSize     int
	flagMDNS           bool
	flagGenerateConfig string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the relay server that holds one document per room and relays
updates between the peers in it.

Examples:
  tandem serve
  tandem serve --bind 0.0.0.0:8080 --mdns
  tandem serve --generate-config tandem.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagGenerateConfig != "" {
			if err := config.SaveDefaultConfig(flagGenerateConfig); err != nil {
				return err
			}
			ui.PrintSuccessf("Wrote default config to %s", flagGenerateConfig)
			return nil
		}

		log := logging.Init(slog.LevelInfo)

		cfg, err := config.LoadServer(config.Options{
			ConfigFile: flagConfig,
			BindAddr:   flagBind,
			MaxPeers:   flagMaxPeers,
			MaxRooms:   flagMaxRooms,
			MaxDocSize: flagMaxDocSize,
			MDNS:       flagMDNS,
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if cfg.MDNS {
			adv, err := advertise(cfg.BindAddr, log)
			if err != nil {
				return err
			}
			defer adv.Shutdown()
		}

		return server.New(cfg, log).ListenAndServe(cmd.Context())
	},
}

func advertise(bindAddr string, log *slog.Logger) (*discovery.Advertisement, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", bindAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("mDNS needs a fixed port, got %q", bindAddr)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		log.Warn("advertising a loopback address, other hosts will not reach it", "addr", bindAddr)
	}

	adv, err := discovery.Advertise(port, version.Version)
	if err != nil {
		return nil, err
	}
	log.Info("advertising on the local network", "service", discovery.Service, "port", port)
	return adv, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagBind, "bind", "b", "", "Address to listen on (default 127.0.0.1:8080)")
	serveCmd.Flags().IntVar(&flagMaxPeers, "max-peers", 0, "Maximum peers per room (default 8)")
	serveCmd.Flags().IntVar(&flagMaxRooms, "max-rooms", 0, "Maximum number of rooms")
	serveCmd.Flags().IntVar(&flagMaxDocSize, "max-doc-size", 0, "Maximum document size in bytes (default 10MiB); above 64MiB clients need a matching --max-frame-size")
	serveCmd.Flags().BoolVar(&flagMDNS, "mdns", false, "Advertise the server on the local network")
	serveCmd.Flags().StringVar(&flagGenerateConfig, "generate-config", "", "Write a default config file to this path and exit")
}
