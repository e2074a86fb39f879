// Package config loads the CLI configuration from defaults, an optional
// JSON file and command-line flags, in that order of precedence.
package config

// Config holds runtime settings for the packhub CLI.
//
// Fields:
//   - ServerURL: base URL of the packhub HTTP API.
//   - Username, Password: credentials exchanged for a session token.
type Config struct {
	ServerURL string
	Username  string
	Password  string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.Username = "admin"
	c.Password = "admin"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
