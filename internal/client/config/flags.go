package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/flagx"
)

// parseFlags populates selected client Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   relay server address (host:port)
//	-o string   data directory for key files and local databases
//	-i int      listener poll interval, seconds
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-o", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ServerAddr, "a", config.ServerAddr, "relay server address")
	fs.StringVar(&config.DataDir, "o", config.DataDir, "data directory")

	pollInterval := fs.Int("i", int(config.PollInterval.Seconds()), "poll interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.PollInterval = time.Duration(*pollInterval) * time.Second
}
