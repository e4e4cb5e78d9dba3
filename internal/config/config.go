// Package config holds the client configuration: backend endpoints, the
// session token, timeout knobs and the local history cache location.
// Values come from a JSON file with environment overrides (a .env file is
// honoured when present).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/syntex82/WordPress-Node-sub005/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Auth   Auth   `json:"auth"`
	Cache  Cache  `json:"cache"`
	Call   Call   `json:"call"`

	// LogLevel applies to all subsystem loggers: debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

type Server struct {
	// BaseURL is the backend root, e.g. https://wordpressnode.co.uk.
	BaseURL string `json:"base_url"`

	// ChannelPath is the websocket endpoint path on BaseURL.
	ChannelPath string `json:"channel_path"`

	// HTTPTimeoutSec bounds every REST call.
	HTTPTimeoutSec int `json:"http_timeout_seconds"`

	// AckTimeoutSec bounds channel request/response sends.
	AckTimeoutSec int `json:"ack_timeout_seconds"`
}

type Auth struct {
	// Token is the session token. Takes precedence over TokenFile.
	Token string `json:"token,omitempty"`

	// TokenFile is a file holding the session token; it is watched so a
	// rotated token is picked up without restarting the client.
	TokenFile string `json:"token_file,omitempty"`
}

type Cache struct {
	// Path to the sqlite history cache. Empty disables caching.
	Path string `json:"path,omitempty"`
}

type Call struct {
	// STUNURLs seed the ICE agent for call sessions.
	STUNURLs []string `json:"stun_urls"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		Server: Server{
			ChannelPath:    "/dm/channel",
			HTTPTimeoutSec: 10,
			AckTimeoutSec:  10,
		},
		Call: Call{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (if it exists), then applies
// environment overrides. A .env file in the working directory is loaded
// first, matching how the backend services configure themselves.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env + defaults
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // optional
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODEPRESS_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("NODEPRESS_CHANNEL_PATH"); v != "" {
		c.Server.ChannelPath = v
	}
	if v := os.Getenv("NODEPRESS_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("NODEPRESS_TOKEN_FILE"); v != "" {
		c.Auth.TokenFile = v
	}
	if v := os.Getenv("NODEPRESS_CACHE"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("NODEPRESS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NODEPRESS_ACK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.AckTimeoutSec = n
		}
	}
}

// Validate checks the fields every component depends on.
func (c *Config) Validate() error {
	c.Server.BaseURL = util.NormalizeURL(c.Server.BaseURL)
	if c.Server.BaseURL == "" {
		return errors.New("config: server base_url is required")
	}
	if c.Server.ChannelPath == "" {
		return errors.New("config: server channel_path is required")
	}
	if c.Server.HTTPTimeoutSec <= 0 {
		c.Server.HTTPTimeoutSec = 10
	}
	if c.Server.AckTimeoutSec <= 0 {
		c.Server.AckTimeoutSec = 10
	}
	if c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return errors.New("config: auth token or token_file is required")
	}
	return nil
}

// SessionToken resolves the current token, preferring the inline value.
func (c *Config) SessionToken() (string, error) {
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	b, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("token file is empty")
	}
	return tok, nil
}

// HTTPTimeout returns the REST timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Server.HTTPTimeoutSec) * time.Second
}

// AckTimeout returns the channel request/response timeout as a duration.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Server.AckTimeoutSec) * time.Second
}
