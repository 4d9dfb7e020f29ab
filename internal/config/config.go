// Package config loads the daemon configuration from a TOML file and environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"bootmaker/internal/planner"
)

// Duration is a time.Duration written as "5s" or "1m30s" in the config file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"`
	Insecure bool              `toml:"insecure"`
	Headers  map[string]string `toml:"headers"`
}

// ToolsConfig overrides the paths of the external programs stages run. Empty entries
// keep the stock macOS location.
type ToolsConfig struct {
	Diskutil string `toml:"diskutil"`
	ASR      string `toml:"asr"`
	Hdiutil  string `toml:"hdiutil"`
	Rm       string `toml:"rm"`
	Cp       string `toml:"cp"`
	Xattr    string `toml:"xattr"`
	Mkdir    string `toml:"mkdir"`
}

// PlannerTools converts the overrides for the planner.
func (t ToolsConfig) PlannerTools() planner.Tools {
	return planner.Tools{
		Diskutil: t.Diskutil,
		ASR:      t.ASR,
		Hdiutil:  t.Hdiutil,
		Rm:       t.Rm,
		Cp:       t.Cp,
		Xattr:    t.Xattr,
		Mkdir:    t.Mkdir,
	}
}

// Config holds all configuration settings for the daemon
type Config struct {
	// Listen is a Unix socket path (optionally prefixed with unix://) or tcp://host:port
	Listen string `toml:"listen"`

	// SocketMode is applied to the Unix socket file
	SocketMode uint32 `toml:"socket_mode"`

	// MountRoot is where source images are attached
	MountRoot string `toml:"mount_root"`

	LogDir            string `toml:"log_dir"`
	LogLevel          string `toml:"log_level"`
	LogRotateSchedule string `toml:"log_rotate_schedule"`

	// GracePeriod is how long a terminated tool gets before it is killed
	GracePeriod Duration `toml:"grace_period"`

	// HeartbeatInterval is how often the event stream carries a heartbeat
	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	// AuthTokenHash is a bcrypt hash of the bearer token clients must present. Empty
	// disables token checks and leaves access control to the socket mode.
	AuthTokenHash string `toml:"auth_token_hash"`

	// Env lists extra KEY=VALUE entries added to the pinned tool environment
	Env []string `toml:"env"`

	Telemetry TelemetryConfig `toml:"telemetry"`
	Tools     ToolsConfig     `toml:"tools"`
}

// defaultConfig returns the default configuration
func defaultConfig() *Config {
	return &Config{
		Listen:            DefaultSocketPath,
		SocketMode:        DefaultSocketMode,
		MountRoot:         DefaultMountRoot,
		LogDir:            DefaultLogDir,
		LogLevel:          "info",
		LogRotateSchedule: DefaultLogRotateSchedule,
		GracePeriod:       Duration{DefaultGracePeriod},
		HeartbeatInterval: Duration{DefaultHeartbeatInterval},
	}
}

// Load loads the configuration from path and environment variables. An empty path reads
// DefaultConfigPath if it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, target *string) {
		if value := os.Getenv(EnvPrefix + key); value != "" {
			*target = value
		}
	}
	setDuration := func(key string, target *Duration) error {
		value := os.Getenv(EnvPrefix + key)
		if value == "" {
			return nil
		}
		if err := target.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		return nil
	}

	setString("LISTEN", &c.Listen)
	setString("LOG_DIR", &c.LogDir)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("MOUNT_ROOT", &c.MountRoot)
	setString("AUTH_TOKEN_HASH", &c.AuthTokenHash)

	if err := setDuration("GRACE_PERIOD", &c.GracePeriod); err != nil {
		return err
	}
	if err := setDuration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval); err != nil {
		return err
	}

	if value := os.Getenv(EnvPrefix + "SOCKET_MODE"); value != "" {
		mode, err := strconv.ParseUint(value, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid %sSOCKET_MODE: %w", EnvPrefix, err)
		}
		c.SocketMode = uint32(mode)
	}

	if endpoint := os.Getenv(EnvPrefix + "TELEMETRY_ENDPOINT"); endpoint != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.GracePeriod.Duration <= 0 {
		return fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod)
	}
	if c.HeartbeatInterval.Duration < time.Second {
		return fmt.Errorf("heartbeat_interval must be at least 1s, got %s", c.HeartbeatInterval)
	}
	if c.SocketMode > 0o777 {
		return fmt.Errorf("socket_mode %o is not a permission mode", c.SocketMode)
	}
	if !filepath.IsAbs(c.MountRoot) {
		return fmt.Errorf("mount_root must be absolute, got %q", c.MountRoot)
	}
	for _, entry := range c.Env {
		if !strings.Contains(entry, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", entry)
		}
	}
	return nil
}

// Network splits Listen into a net.Listen network and address.
func (c *Config) Network() (network, address string) {
	switch {
	case strings.HasPrefix(c.Listen, "tcp://"):
		return "tcp", strings.TrimPrefix(c.Listen, "tcp://")
	case strings.HasPrefix(c.Listen, "unix://"):
		return "unix", strings.TrimPrefix(c.Listen, "unix://")
	default:
		return "unix", c.Listen
	}
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Listen: %s", c.Listen))
	parts = append(parts, fmt.Sprintf("SocketMode: %#o", c.SocketMode))
	parts = append(parts, fmt.Sprintf("MountRoot: %s", c.MountRoot))
	parts = append(parts, fmt.Sprintf("LogDir: %s", c.LogDir))
	parts = append(parts, fmt.Sprintf("LogLevel: %s", c.LogLevel))
	parts = append(parts, fmt.Sprintf("GracePeriod: %s", c.GracePeriod))
	parts = append(parts, fmt.Sprintf("HeartbeatInterval: %s", c.HeartbeatInterval))
	parts = append(parts, fmt.Sprintf("AuthToken: %t", c.AuthTokenHash != ""))
	parts = append(parts, fmt.Sprintf("Telemetry: %t", c.Telemetry.Enabled))
	return strings.Join(parts, ", ")
}
