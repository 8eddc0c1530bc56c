// Package config resolves the broker's CLI flags, falling back to
// environment variables and finally to hard-coded defaults, the same
// precedence the original broker's argument parser used.
package config

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

// Proxy mode selection, per the broker's selection policy.
const (
	ModeSticky    = 1
	ModeNonSticky = 2
)

// Config is the fully resolved, validated set of broker settings.
type Config struct {
	TransferAddr     string
	SocksAddr        string
	MetricsAddr      string
	ProxyMode        int
	AllowedLocations []string
	Verbosity        string
}

// Parse parses args (via pflag), falls back to environment variables,
// and finally to the defaults below, validating the result. A parse
// failure or invalid flag usage is a ConfigError: the caller should print
// usage and exit non-zero.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)

	transfer := fs.StringP("transfer", "t", "", "address to accept slave connections on")
	server := fs.StringP("server", "s", "", "address to listen for local SOCKS5 clients on")
	metricsAddr := fs.StringP("metrics", "m", "", "address to serve Prometheus metrics on")
	proxyMode := fs.StringP("proxy_mode", "p", "", "selection policy: stick or nonstick")
	allowedLocations := fs.StringP("allowed-locations", "l", "", "comma-separated list of allowed slave country codes")
	verbosity := fs.StringP("verbosity", "v", "", "log verbosity: trace, debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		TransferAddr: resolve(*transfer, "MASTER_ADDR", "0.0.0.0:8001"),
		SocksAddr:    resolve(*server, "SOCKS_ADDR", "0.0.0.0:1081"),
		MetricsAddr:  resolve(*metricsAddr, "METRICS_ADDR", "0.0.0.0:9091"),
		Verbosity:    resolve(*verbosity, "VERBOSITY", "info"),
	}

	modeStr := resolve(*proxyMode, "PROXY_MODE", "stick")
	switch modeStr {
	case "stick":
		cfg.ProxyMode = ModeSticky
	case "nonstick":
		cfg.ProxyMode = ModeNonSticky
	default:
		cfg.ProxyMode = ModeNonSticky
		fmt.Fprintf(os.Stderr, "config: invalid proxy mode %q, defaulting to nonstick\n", modeStr)
	}

	cfg.AllowedLocations = splitLocations(resolve(*allowedLocations, "ALLOWED_LOCATIONS", ""))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve applies the flag/env/default precedence: an explicit flag value
// always wins, then the named environment variable, then def.
func resolve(flagVal, envVar, def string) string {
	if flagVal != "" {
		return flagVal
	}
	if v, ok := os.LookupEnv(envVar); ok {
		return v
	}
	return def
}

func splitLocations(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.TransferAddr == "" {
		return fmt.Errorf("config: transfer address must not be empty")
	}
	if c.SocksAddr == "" {
		return fmt.Errorf("config: socks address must not be empty")
	}
	if c.MetricsAddr == "" {
		return fmt.Errorf("config: metrics address must not be empty")
	}
	switch c.Verbosity {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid verbosity %q", c.Verbosity)
	}
	return nil
}
