package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Default configuration values
const (
	DefaultBindAddr   = "127.0.0.1:8080"
	DefaultMaxPeers   = 8
	DefaultMaxRooms   = 1_000_000
	DefaultMaxDocSize = 10 * 1024 * 1024
	DefaultServerURL  = "ws://127.0.0.1:8080"

	// DefaultMaxFrameSize is the largest frame a client accepts. A sync
	// response carries the whole document, so it must stay above the
	// server's max doc size.
	DefaultMaxFrameSize = 64 << 20
)

// Environment variable names
const (
	EnvBindAddr   = "TANDEM_BIND_ADDR"
	EnvMaxPeers   = "TANDEM_MAX_PEERS"
	EnvMaxRooms   = "TANDEM_MAX_ROOMS"
	EnvMaxDocSize = "TANDEM_MAX_DOC_SIZE"
	EnvMDNS       = "TANDEM_MDNS"
	EnvServer     = "TANDEM_SERVER"
	EnvMaxFrame   = "TANDEM_MAX_FRAME_SIZE"
)

// Server holds the relay server configuration
type Server struct {
	BindAddr   string
	MaxPeers   int
	MaxRooms   int
	MaxDocSize int

	// MDNS advertises the server on the local network
	MDNS bool
}

// Client holds configuration shared by the client commands
type Client struct {
	ServerURL    string
	MaxFrameSize int
}

// Options carries CLI flag values. Zero values mean "not set".
type Options struct {
	ConfigFile string

	BindAddr   string
	MaxPeers   int
	MaxRooms   int
	MaxDocSize int
	MDNS       bool

	ServerURL    string
	MaxFrameSize int
}

// LoadServer reads server configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Config file
// 4. Hardcoded defaults - lowest priority
func LoadServer(opts Options) (*Server, error) {
	file, err := loadFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg := &Server{
		BindAddr:   firstString(opts.BindAddr, os.Getenv(EnvBindAddr), file.Server.BindAddr, DefaultBindAddr),
		MaxPeers:   firstInt(opts.MaxPeers, envInt(EnvMaxPeers), file.Server.MaxPeers, DefaultMaxPeers),
		MaxRooms:   firstInt(opts.MaxRooms, envInt(EnvMaxRooms), file.Server.MaxRooms, DefaultMaxRooms),
		MaxDocSize: firstInt(opts.MaxDocSize, envInt(EnvMaxDocSize), file.Server.MaxDocSize, DefaultMaxDocSize),
		MDNS:       opts.MDNS || envBool(EnvMDNS, file.Server.MDNS),
	}
	return cfg, nil
}

// LoadClient reads client configuration with the same priority as LoadServer.
func LoadClient(opts Options) (*Client, error) {
	file, err := loadFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	serverURL := firstString(opts.ServerURL, os.Getenv(EnvServer), file.Client.ServerURL, DefaultServerURL)
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server URL %q: scheme must be ws or wss", serverURL)
	}
	return &Client{
		ServerURL:    strings.TrimSuffix(u.String(), "/"),
		MaxFrameSize: firstInt(opts.MaxFrameSize, envInt(EnvMaxFrame), file.Client.MaxFrameSize, DefaultMaxFrameSize),
	}, nil
}

// RoomURL returns the websocket URL of a room.
func (c *Client) RoomURL(room string) string {
	return c.ServerURL + "/ws/" + url.PathEscape(room)
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// envInt returns 0 when the variable is unset or not a positive integer.
func envInt(name string) int {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid environment value", "var", name, "value", s)
		return 0
	}
	return n
}

func envBool(name string, fallback bool) bool {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("ignoring invalid environment value", "var", name, "value", s)
		return fallback
	}
	return b
}
