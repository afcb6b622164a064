// Package config loads the optional blockbeam configuration file. Values
// merge under explicit flags: built-in defaults, then file values, then
// flags, in that precedence order, producing one immutable configuration
// before any component runs.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional blockbeam configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	SSH      SSHConfig      `toml:"ssh"`
	Notify   NotifyConfig   `toml:"notify"`
}

// DefaultsConfig holds persistent flag defaults. Pointer fields distinguish
// "unset" from an explicit false/zero.
type DefaultsConfig struct {
	Compress   *bool   `toml:"compress"`
	Encrypt    *bool   `toml:"encrypt"`
	Validate   *bool   `toml:"validate"`
	BWLimit    *string `toml:"bwlimit"`
	BlockSize  *string `toml:"block_size"`
	SampleSize *string `toml:"sample_size"`
	Port       *int    `toml:"port"`
}

// SSHConfig holds connection defaults for the destination host.
type SSHConfig struct {
	User    *string `toml:"user"`
	Port    *int    `toml:"port"`
	KeyFile *string `toml:"key_file"`
}

// NotifyConfig configures the best-effort notification sink.
type NotifyConfig struct {
	WebhookURL *string `toml:"webhook_url"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "blockbeam", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
