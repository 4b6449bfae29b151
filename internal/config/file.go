package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		BindAddr   string `yaml:"bind_addr"`
		MaxPeers   int    `yaml:"max_peers"`
		MaxRooms   int    `yaml:"max_rooms"`
		MaxDocSize int    `yaml:"max_doc_size"`
		MDNS       bool   `yaml:"mdns"`
	} `yaml:"server"`

	Client struct {
		ServerURL    string `yaml:"server_url"`
		MaxFrameSize int    `yaml:"max_frame_size"`
	} `yaml:"client"`
}

func loadFile(filePath string) (*FileConfig, error) {
	var fc FileConfig
	if filePath == "" {
		return &fc, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &fc, nil
}

// SaveDefaultConfig writes a configuration file holding the defaults
func SaveDefaultConfig(filePath string) error {
	var fc FileConfig
	fc.Server.BindAddr = DefaultBindAddr
	fc.Server.MaxPeers = DefaultMaxPeers
	fc.Server.MaxRooms = DefaultMaxRooms
	fc.Server.MaxDocSize = DefaultMaxDocSize
	fc.Server.MDNS = false
	fc.Client.ServerURL = DefaultServerURL
	fc.Client.MaxFrameSize = DefaultMaxFrameSize

	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	withComments := "# tandem configuration\n" +
		"# Command line flags and TANDEM_* environment variables override these values\n\n" +
		string(data)

	if err := os.WriteFile(filePath, []byte(withComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
