package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfig = "SCFDEV_CONFIG"

// Config represents the scfdev configuration file (~/.config/scfdev/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Devices
	Backend       string `yaml:"backend"`
	Devices       string `yaml:"devices"`
	HostDevices   *int   `yaml:"host_devices"`
	HostMemoryMiB *int64 `yaml:"host_memory_mib"`
	StreamDepth   *int   `yaml:"stream_depth"`
	Blas          string `yaml:"blas"`
	Tile          *int   `yaml:"tile"`

	// ERI cache
	Cache         *bool  `yaml:"cache"`
	CacheLimitMiB *int64 `yaml:"cache_limit_mib"`
	CacheSlack    *int   `yaml:"cache_slack"`
	VerifyCache   *bool  `yaml:"verify_cache"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scfdev", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig applies config file defaults to flag variables when the
// corresponding flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.Devices != "" && !c.IsSet("devices") {
		deviceIDs = cfg.Devices
	}
	if cfg.HostDevices != nil && !c.IsSet("host-devices") {
		hostDevices = *cfg.HostDevices
	}
	if cfg.HostMemoryMiB != nil && !c.IsSet("host-memory-mib") {
		hostMemoryMiB = *cfg.HostMemoryMiB
	}
	if cfg.StreamDepth != nil && !c.IsSet("stream-depth") {
		streamDepth = *cfg.StreamDepth
	}
	if cfg.Blas != "" && !c.IsSet("blas") {
		blasImpl = cfg.Blas
	}
	if cfg.Tile != nil && !c.IsSet("tile") {
		tile = *cfg.Tile
	}
	if cfg.Cache != nil && !c.IsSet("no-cache") {
		noCache = !*cfg.Cache
	}
	if cfg.CacheLimitMiB != nil && !c.IsSet("cache-limit-mib") {
		cacheLimitMiB = *cfg.CacheLimitMiB
	}
	if cfg.CacheSlack != nil && !c.IsSet("cache-slack") {
		cacheSlack = *cfg.CacheSlack
	}
	if cfg.VerifyCache != nil && !c.IsSet("verify-cache") {
		verifyCache = *cfg.VerifyCache
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
