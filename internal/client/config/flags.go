package config

import (
	"flag"
	"os"

	"github.com/packhub/packhub/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the packhub server (default from Config)
//	-u string   user name
//	-p string   password
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-u", "-p"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the packhub server")
	fs.StringVar(&cfg.Username, "u", cfg.Username, "user name")
	fs.StringVar(&cfg.Password, "p", cfg.Password, "password")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
