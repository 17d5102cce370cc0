// Package config loads the rewind daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deckrewind/rewind/pkg/types"
)

const (
	// DefaultConfigPath is relative to the user's home directory.
	DefaultConfigPath = "~/.config/deck-rewind/config.yaml"
	// DefaultStorageRoot is relative to the user's home directory.
	DefaultStorageRoot = "~/.local/share/deck-rewind/snapshots"
	// DefaultSocketPath is the control API socket.
	DefaultSocketPath = "/run/user/%d/deck-rewind.sock"

	ConfigPathEnv = "REWIND_CONFIG"

	gib = int64(1) << 30
)

// Default returns the built-in configuration.
func Default() *types.Config {
	cfg := &types.Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *types.Config) {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = types.Duration(30 * time.Second)
	}
	if cfg.MaxRollingCheckpoints == nil {
		n := 10
		cfg.MaxRollingCheckpoints = &n
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = DefaultStorageRoot
	}
	if cfg.Compression == "" {
		cfg.Compression = "zstd"
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 3
	}
	if cfg.PreferPrivilegedBackend == nil {
		v := true
		cfg.PreferPrivilegedBackend = &v
	}
	if cfg.AllowFallbackBackend == nil {
		v := true
		cfg.AllowFallbackBackend = &v
	}
	if cfg.MaxTotalStorageBytes == 0 {
		cfg.MaxTotalStorageBytes = 10 * gib
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = 2 * gib
	}
	if cfg.CaptureTimeout == 0 {
		cfg.CaptureTimeout = types.Duration(60 * time.Second)
	}
	if cfg.RestoreTimeout == 0 {
		cfg.RestoreTimeout = types.Duration(60 * time.Second)
	}
	if cfg.TerminationGrace == 0 {
		cfg.TerminationGrace = types.Duration(5 * time.Second)
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.CRIU.BinaryPath == "" {
		cfg.CRIU.BinaryPath = "criu"
	}
	if cfg.CRIU.LogLevel == 0 {
		cfg.CRIU.LogLevel = 4
	}
	// Subjects are always dumped as shell jobs.
	cfg.CRIU.ShellJob = true
	if cfg.Notifications.AppName == "" {
		cfg.Notifications.AppName = "Deck Rewind"
	}
	if cfg.Notifications.ExpireTime == 0 {
		cfg.Notifications.ExpireTime = 2000
	}
	if cfg.API.Socket == "" {
		cfg.API.Socket = fmt.Sprintf(DefaultSocketPath, os.Getuid())
	}
}

// ResolvePath returns the config path to use: explicit, then $REWIND_CONFIG,
// then the default under the home directory.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return ExpandHome(explicit)
	}
	if v := os.Getenv(ConfigPathEnv); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome(DefaultConfigPath)
}

// LoadConfig loads the configuration from a YAML file, fills in defaults and
// applies environment variable overrides.
func LoadConfig(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &types.Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	finish(cfg)
	return cfg, nil
}

// LoadConfigOrDefault loads configuration from a file, falling back to the
// defaults if the file doesn't exist. A file that exists but cannot be parsed
// is an error.
func LoadConfigOrDefault(path string) (*types.Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = &types.Config{}
			finish(cfg)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *types.Config) {
	applyDefaults(cfg)
	cfg.LoadEnvOverrides()
	cfg.StorageRoot = ExpandHome(cfg.StorageRoot)
}

// Save writes cfg as YAML to path, creating the parent directory.
func Save(path string, cfg *types.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
