// Package config loads server configuration from an optional
// duplex.json file, with environment overrides for the settings that
// change between dev and deployed runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config is the duplexd server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr"`

	// CookieName is the session cookie name.
	CookieName string `json:"cookie_name"`

	// NoSecurity enables the development auth mode that assigns users
	// from the roster instead of requiring login. Overridden by the
	// DUPLEX_NO_SECURITY environment variable when set.
	NoSecurity bool `json:"no_security"`

	// NoSecurityUser pins no-security mode to a single username
	// instead of cycling through the roster.
	NoSecurityUser string `json:"no_security_user"`

	// AllowList holds path prefixes reachable without authentication.
	AllowList []string `json:"allow_list"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

// Default returns the configuration used when no duplex.json exists.
func Default() *Config {
	return &Config{
		Addr:       ":8420",
		CookieName: "duplex_session",
		LogLevel:   "info",
	}
}

// Load reads the configuration file at path, falling back to defaults
// when the file does not exist. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("DUPLEX_NO_SECURITY"); ok {
		// The flag mirrors the gate's semantics: a truthy value cycles
		// the roster, a falsy value disables the override, and any
		// other literal pins every session to that username.
		v = strings.TrimSpace(v)
		switch {
		case isTruthy(v):
			c.NoSecurity = true
			c.NoSecurityUser = ""
		case v == "" || isFalsy(v):
			c.NoSecurity = false
			c.NoSecurityUser = ""
		default:
			c.NoSecurity = true
			c.NoSecurityUser = v
		}
	}
	if v := os.Getenv("DUPLEX_ADDR"); v != "" {
		c.Addr = v
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.CookieName == "" {
		return fmt.Errorf("cookie_name must not be empty")
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func isFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}
