// Package config loads tapstack's daemon configuration from a YAML file
// with environment variable overrides, using koanf/v2.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete tapstack configuration.
type Config struct {
	InterfaceName string        `koanf:"interface_name"`
	MACAddress    string        `koanf:"mac_address"`
	Addresses     []string      `koanf:"addresses"`
	DHCP          DHCPConfig    `koanf:"dhcp"`
	Log           LogConfig     `koanf:"log"`
	Metrics       MetricsConfig `koanf:"metrics"`
}

// DHCPConfig controls the DHCPv4 client started when no static Addresses
// are configured.
type DHCPConfig struct {
	// Hostname is sent to the server via OptHostName. Optional.
	Hostname string `koanf:"hostname"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
}

// MetricsConfig holds the Prometheus metrics HTTP endpoint configuration.
type MetricsConfig struct {
	// Addr is the listen address for the /metrics endpoint, e.g. ":9100".
	Addr string `koanf:"addr"`
	// Path is the HTTP path metrics are served on.
	Path string `koanf:"path"`
}

// DefaultConfig returns a Config populated with sensible defaults: a tap0
// interface with no static address (DHCP is expected to supply one),
// info-level logging, and a metrics endpoint on :9100.
func DefaultConfig() *Config {
	return &Config{
		InterfaceName: "tap0",
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// envPrefix is the environment variable prefix for tapstack configuration.
// Variables are named TAPSTACK_<key>, e.g., TAPSTACK_MAC_ADDRESS.
const envPrefix = "TAPSTACK_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TAPSTACK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips the
// file, so env vars and defaults alone form the configuration; a non-empty
// path whose file is missing or unreadable is returned as an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(confmapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}
	return cfg, nil
}

// envKeyMapper transforms TAPSTACK_MAC_ADDRESS -> mac_address.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ToLower(s)
}

func confmapProvider(defaults *Config) *mapProvider {
	return &mapProvider{m: map[string]any{
		"interface_name": defaults.InterfaceName,
		"log.level":      defaults.Log.Level,
		"metrics.addr":   defaults.Metrics.Addr,
		"metrics.path":   defaults.Metrics.Path,
	}}
}

// mapProvider is a trivial koanf.Provider adapter for an in-memory map,
// used to seed defaults before the file/env layers are merged on top.
type mapProvider struct{ m map[string]any }

func (p *mapProvider) ReadBytes() ([]byte, error) { return nil, errNotSupported }
func (p *mapProvider) Read() (map[string]any, error) { return p.m, nil }

var errNotSupported = errors.New("config: ReadBytes not supported by map provider")

// Validation errors.
var (
	ErrInvalidMAC     = errors.New("config: mac_address is not a valid 6-byte MAC")
	ErrInvalidAddress = errors.New("config: addresses entry is not a valid ipv4/netmask prefix")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.MACAddress != "" {
		if _, err := ParseMAC(cfg.MACAddress); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidMAC, cfg.MACAddress)
		}
	}
	for _, a := range cfg.Addresses {
		if _, err := netip.ParsePrefix(a); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, a)
		}
	}
	return nil
}

// ParseMAC parses a colon-separated hex MAC address string into a [6]byte.
func ParseMAC(s string) ([6]byte, error) {
	var hw [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return hw, fmt.Errorf("mac address %q: want 6 colon-separated octets", s)
	}
	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%x", &b); err != nil || b > 0xff {
			return hw, fmt.Errorf("mac address %q: bad octet %q", s, p)
		}
		hw[i] = byte(b)
	}
	return hw, nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
