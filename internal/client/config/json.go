package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/flagx"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It is an intermediate DTO used only for reading JSON
// configuration files.
type JsonConfig struct {
	ServerAddr          string `json:"server_addr"`
	DataDir             string `json:"data_dir"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; if neither is set, no JSON file is loaded.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	if c.ServerAddr != "" {
		config.ServerAddr = c.ServerAddr
	}
	if c.DataDir != "" {
		config.DataDir = c.DataDir
	}
	if c.PollIntervalSeconds > 0 {
		config.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
	}
}
