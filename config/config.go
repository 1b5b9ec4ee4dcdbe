// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of tether clients and servers.
//
// Settings are read, in increasing order of precedence, from built-in
// defaults, an optional YAML file, and environment variables. An
// environment variable is named by the prefix followed by the upper-case
// key, for example TETHER_REQUEST_TIMEOUT=500ms.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/creachadair/tether"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the default prefix of environment variables.
const DefaultEnvPrefix = "TETHER_"

// Config holds the settings of a client or server.
type Config struct {
	Address  string `koanf:"address"`   // dial (client) or listen (server) address
	LogLevel string `koanf:"log_level"` // trace, debug, info, warn, error

	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ReconnectDelay  time.Duration `koanf:"reconnect_delay"`
	ReconnectJitter time.Duration `koanf:"reconnect_jitter"` // 0 means a fixed delay
	PingInterval    time.Duration `koanf:"ping_interval"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`

	HandshakeInterval time.Duration `koanf:"handshake_interval"`
	HandshakeRetries  int           `koanf:"handshake_retries"`
	CloseTimeout      time.Duration `koanf:"close_timeout"`

	WriteQueueSize int `koanf:"write_queue_size"`
	MaxHandlers    int `koanf:"max_handlers"`

	ReadBufferSize  int           `koanf:"read_buffer_size"`
	WriteBufferSize int           `koanf:"write_buffer_size"`
	NoDelay         bool          `koanf:"no_delay"`
	KeepAlive       time.Duration `koanf:"keep_alive"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Address:  "localhost:9994",
		LogLevel: "info",

		ConnectTimeout: 5 * time.Second,
		ReconnectDelay: 3 * time.Second,
		PingInterval:   5 * time.Minute,
		RequestTimeout: tether.DefaultRequestTimeout,

		HandshakeInterval: tether.DefaultHandshakeInterval,
		HandshakeRetries:  tether.DefaultHandshakeRetries,
		CloseTimeout:      tether.DefaultCloseTimeout,

		WriteQueueSize: tether.DefaultWriteQueueSize,
		MaxHandlers:    tether.DefaultMaxHandlers,

		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		NoDelay:         true,
		KeepAlive:       30 * time.Second,
	}
}

func (c Config) defaultMap() map[string]any {
	return map[string]any{
		"address":            c.Address,
		"log_level":          c.LogLevel,
		"connect_timeout":    c.ConnectTimeout,
		"reconnect_delay":    c.ReconnectDelay,
		"reconnect_jitter":   c.ReconnectJitter,
		"ping_interval":      c.PingInterval,
		"request_timeout":    c.RequestTimeout,
		"handshake_interval": c.HandshakeInterval,
		"handshake_retries":  c.HandshakeRetries,
		"close_timeout":      c.CloseTimeout,
		"write_queue_size":   c.WriteQueueSize,
		"max_handlers":       c.MaxHandlers,
		"read_buffer_size":   c.ReadBufferSize,
		"write_buffer_size":  c.WriteBufferSize,
		"no_delay":           c.NoDelay,
		"keep_alive":         c.KeepAlive,
	}
}

// Load reads the configuration from the defaults, the YAML file at path if
// path != "", and environment variables with the given prefix. If prefix is
// empty, DefaultEnvPrefix is used. The result is validated.
func Load(path, prefix string) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Default().defaultMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TETHER_REQUEST_TIMEOUT -> request_timeout
	if err := k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every setting of c that is out of range.
func (c Config) Validate() error {
	var merr *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			merr = multierror.Append(merr, fmt.Errorf(format, args...))
		}
	}
	check(c.Address != "", "address is empty")
	check(c.ConnectTimeout > 0, "connect_timeout must be positive (got %v)", c.ConnectTimeout)
	check(c.ReconnectDelay > 0, "reconnect_delay must be positive (got %v)", c.ReconnectDelay)
	check(c.ReconnectJitter >= 0, "reconnect_jitter must not be negative (got %v)", c.ReconnectJitter)
	check(c.PingInterval > 0, "ping_interval must be positive (got %v)", c.PingInterval)
	check(c.RequestTimeout > 0, "request_timeout must be positive (got %v)", c.RequestTimeout)
	check(c.HandshakeInterval > 0, "handshake_interval must be positive (got %v)", c.HandshakeInterval)
	check(c.HandshakeRetries > 0, "handshake_retries must be positive (got %d)", c.HandshakeRetries)
	check(c.CloseTimeout > 0, "close_timeout must be positive (got %v)", c.CloseTimeout)
	check(c.WriteQueueSize > 0, "write_queue_size must be positive (got %d)", c.WriteQueueSize)
	check(c.MaxHandlers > 0, "max_handlers must be positive (got %d)", c.MaxHandlers)
	check(c.ReadBufferSize >= 0, "read_buffer_size must not be negative (got %d)", c.ReadBufferSize)
	check(c.WriteBufferSize >= 0, "write_buffer_size must not be negative (got %d)", c.WriteBufferSize)
	check(c.KeepAlive >= 0, "keep_alive must not be negative (got %v)", c.KeepAlive)
	check(hclog.LevelFromString(c.LogLevel) != hclog.NoLevel, "unknown log_level %q", c.LogLevel)
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options returns base updated with the connection settings of c.
func (c Config) Options(base tether.Options) tether.Options {
	base.RequestTimeout = c.RequestTimeout
	base.HandshakeInterval = c.HandshakeInterval
	base.HandshakeRetries = c.HandshakeRetries
	base.CloseTimeout = c.CloseTimeout
	base.WriteQueueSize = c.WriteQueueSize
	base.MaxHandlers = c.MaxHandlers
	return base
}

// Logger returns a logger named name at the configured level.
func (c Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(c.LogLevel),
	})
}
