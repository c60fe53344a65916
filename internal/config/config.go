// Package config loads client settings from an optional YAML file and KALIVE_* env vars.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config of the client process. File values are overridden by env.
type Config struct {
	DirectoryURL string `yaml:"directory_url"`
	Token        string `yaml:"token"`
	// ExitHost is matched fuzzily against published exit hostnames.
	ExitHost   string `yaml:"exit_host"`
	UseBridges bool   `yaml:"use_bridges"`
	VPN        bool   `yaml:"vpn"`
	// VPNDevice: "stdio" (frames on stdin/stdout) or "tun".
	VPNDevice string `yaml:"vpn_device"`
	TunName   string `yaml:"tun_name"`
	// ProxyURL routes directory requests (Tor/I2P), e.g. socks5://127.0.0.1:9050.
	ProxyURL      string        `yaml:"proxy_url"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	LogLevel      string        `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		VPNDevice:     "stdio",
		CacheTTL:      10 * time.Minute,
		StatsInterval: time.Minute,
		LogLevel:      "info",
	}
}

// Load reads path (empty = defaults only), applies env via lookup and validates.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"KALIVE_DIRECTORY_URL": &c.DirectoryURL,
		"KALIVE_TOKEN":         &c.Token,
		"KALIVE_EXIT_HOST":     &c.ExitHost,
		"KALIVE_VPN_DEVICE":    &c.VPNDevice,
		"KALIVE_TUN_NAME":      &c.TunName,
		"KALIVE_PROXY_URL":     &c.ProxyURL,
		"KALIVE_LOG_LEVEL":     &c.LogLevel,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	bools := map[string]*bool{
		"KALIVE_USE_BRIDGES": &c.UseBridges,
		"KALIVE_VPN":         &c.VPN,
	}
	for k, dst := range bools {
		if v, ok := lookup(k); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = b
		}
	}
	durs := map[string]*time.Duration{
		"KALIVE_CACHE_TTL":      &c.CacheTTL,
		"KALIVE_STATS_INTERVAL": &c.StatsInterval,
	}
	for k, dst := range durs {
		if v, ok := lookup(k); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks required fields and enums.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return errors.New("directory_url required")
	}
	switch c.VPNDevice {
	case "stdio", "tun":
	default:
		return fmt.Errorf("vpn_device must be stdio or tun, got %q", c.VPNDevice)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache_ttl must be positive")
	}
	if c.StatsInterval < 0 {
		return errors.New("stats_interval must not be negative")
	}
	return nil
}
