package config

import "time"

// Default locations and timings for the daemon
const (
	// DefaultConfigPath is read when no -config flag is given. A missing file is not an error.
	DefaultConfigPath = "/etc/bootmaker/bootmakerd.toml"

	// DefaultSocketPath is where the daemon listens and the client connects
	DefaultSocketPath = "/var/run/bootmakerd.sock"

	// DefaultSocketMode lets the owning group reach the socket
	DefaultSocketMode = 0o660

	DefaultLogDir            = "/var/log/bootmaker"
	DefaultMountRoot         = "/private/var/run/bootmaker"
	DefaultLogRotateSchedule = "@daily"

	DefaultGracePeriod       = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second

	// EnvPrefix prefixes every environment override
	EnvPrefix = "BOOTMAKER_"
)
