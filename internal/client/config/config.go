// Package config handles configuration for the client component,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the chat client.
//
// Fields:
//   - ServerAddr: host:port of the relay server.
//   - DataDir: directory holding per-account key files and sqlite databases.
//   - PollInterval: how long the background listener blocks between frames
//     before checking for cancellation.
type Config struct {
	ServerAddr   string
	DataDir      string
	PollInterval time.Duration
}

// LoadDefaults populates Config with development defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "127.0.0.1:5002"
	c.DataDir = "."
	c.PollInterval = 2 * time.Second
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
