package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/flagx"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It is an intermediate DTO used only for reading JSON
// configuration files; after unmarshalling, its fields are copied into the
// runtime Config struct.
type JsonConfig struct {
	EndpointAddr       string `json:"endpoint_addr"`
	DatabaseDSN        string `json:"database_dsn"`
	Pepper             string `json:"pepper"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; if neither
// is set, no JSON file is loaded. If the file cannot be read or contains
// invalid JSON, the function panics.
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

	if c.EndpointAddr != "" {
		config.EndpointAddr = c.EndpointAddr
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.Pepper != "" {
		config.Pepper = c.Pepper
	}
	if c.IdleTimeoutSeconds > 0 {
		config.IdleTimeout = time.Duration(c.IdleTimeoutSeconds) * time.Second
	}
}
