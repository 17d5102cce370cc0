package types

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the full daemon configuration. Zero values are replaced by
// defaults in the config package before validation.
type Config struct {
	CheckpointInterval      Duration             `yaml:"checkpoint_interval"`
	MaxRollingCheckpoints   *int                 `yaml:"max_rolling_checkpoints"`
	StorageRoot             string               `yaml:"storage_root"`
	Compression             string               `yaml:"compression"`
	CompressionLevel        int                  `yaml:"compression_level"`
	PreferPrivilegedBackend *bool                `yaml:"prefer_privileged_backend"`
	AllowFallbackBackend    *bool                `yaml:"allow_fallback_backend"`
	MaxTotalStorageBytes    int64                `yaml:"max_total_storage_bytes"`
	MinFreeBytes            int64                `yaml:"min_free_bytes"`
	SubjectBlacklist        []string             `yaml:"subject_blacklist"`
	SubjectWhitelist        []string             `yaml:"subject_whitelist"`
	CaptureTimeout          Duration             `yaml:"capture_timeout"`
	RestoreTimeout          Duration             `yaml:"restore_timeout"`
	TerminationGrace        Duration             `yaml:"termination_grace"`
	ProcRoot                string               `yaml:"proc_root"`
	CRIU                    CRIUSettings         `yaml:"criu"`
	Notifications           NotificationSettings `yaml:"notifications"`
	API                     APISettings          `yaml:"api"`
	Metrics                 MetricsSettings      `yaml:"metrics"`
}

// RollingLimit returns the configured rolling window size.
func (c *Config) RollingLimit() int {
	if c.MaxRollingCheckpoints == nil {
		return 0
	}
	return *c.MaxRollingCheckpoints
}

// PrivilegedEnabled reports whether the privileged backend should be tried first.
func (c *Config) PrivilegedEnabled() bool {
	return c.PreferPrivilegedBackend != nil && *c.PreferPrivilegedBackend
}

// FallbackEnabled reports whether the fallback backend may be used.
func (c *Config) FallbackEnabled() bool {
	return c.AllowFallbackBackend != nil && *c.AllowFallbackBackend
}

// LoadEnvOverrides applies environment variable overrides.
func (c *Config) LoadEnvOverrides() {
	if v := os.Getenv("REWIND_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("REWIND_SOCKET"); v != "" {
		c.API.Socket = v
	}
	if v := os.Getenv("REWIND_PROC_ROOT"); v != "" {
		c.ProcRoot = v
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return &ConfigError{Field: "storage_root", Message: "storage_root is required"}
	}
	if c.CheckpointInterval.Duration() <= 0 {
		return &ConfigError{Field: "checkpoint_interval", Message: "must be positive"}
	}
	if c.RollingLimit() < 0 {
		return &ConfigError{Field: "max_rolling_checkpoints", Message: "must not be negative"}
	}
	switch c.Compression {
	case "zstd", "none":
	default:
		return &ConfigError{Field: "compression", Message: fmt.Sprintf("unsupported compression %q (want zstd or none)", c.Compression)}
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 22 {
		return &ConfigError{Field: "compression_level", Message: "must be between 1 and 22"}
	}
	if c.MaxTotalStorageBytes < 0 {
		return &ConfigError{Field: "max_total_storage_bytes", Message: "must not be negative"}
	}
	if c.MinFreeBytes < 0 {
		return &ConfigError{Field: "min_free_bytes", Message: "must not be negative"}
	}
	if c.CaptureTimeout.Duration() <= 0 {
		return &ConfigError{Field: "capture_timeout", Message: "must be positive"}
	}
	if c.RestoreTimeout.Duration() <= 0 {
		return &ConfigError{Field: "restore_timeout", Message: "must be positive"}
	}
	if !c.PrivilegedEnabled() && !c.FallbackEnabled() {
		return &ConfigError{Field: "prefer_privileged_backend", Message: "at least one capture backend must be enabled"}
	}
	return c.CRIU.Validate()
}

// CRIUSettings holds CRIU-specific configuration options.
type CRIUSettings struct {
	BinaryPath        string `yaml:"binaryPath"`
	MinVersion        int    `yaml:"minVersion"`
	LogLevel          int32  `yaml:"logLevel"`
	ShellJob          bool   `yaml:"shellJob"`
	TcpEstablished    bool   `yaml:"tcpEstablished"`
	TcpClose          bool   `yaml:"tcpClose"`
	FileLocks         bool   `yaml:"fileLocks"`
	ExtUnixSk         bool   `yaml:"extUnixSk"`
	LinkRemap         bool   `yaml:"linkRemap"`
	GhostLimit        uint32 `yaml:"ghostLimit"`
	ManageCgroupsMode string `yaml:"manageCgroupsMode"`
	RstSibling        bool   `yaml:"rstSibling"`
	LibDir            string `yaml:"libDir"`
	AllowUprobes      bool   `yaml:"allowUprobes"`
	SkipInFlight      bool   `yaml:"skipInFlight"`
}

func (c *CRIUSettings) Validate() error {
	if c.LogLevel < 0 || c.LogLevel > 4 {
		return &ConfigError{Field: "criu.logLevel", Message: "must be between 0 and 4"}
	}
	switch strings.ToLower(strings.TrimSpace(c.ManageCgroupsMode)) {
	case "", "ignore", "soft", "full", "strict":
	default:
		return &ConfigError{Field: "criu.manageCgroupsMode", Message: fmt.Sprintf("invalid mode %q", c.ManageCgroupsMode)}
	}
	return nil
}

// NotificationSettings selects the notification sinks.
type NotificationSettings struct {
	Desktop    bool   `yaml:"desktop"`
	AppName    string `yaml:"appName"`
	ExpireTime int    `yaml:"expireTimeMs"`
}

// APISettings configures the unix-socket control API.
type APISettings struct {
	Socket string `yaml:"socket"`
}

// MetricsSettings configures the Prometheus listener. Empty Listen disables it.
type MetricsSettings struct {
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration that reads "30s" style strings or bare
// seconds from YAML.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if _, err := fmt.Sscanf(raw, "%g", &seconds); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}
