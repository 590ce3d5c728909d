// Package config holds the daemon configuration. Values are populated from
// CLI flags with environment-variable fallback in cmd/urd; every field has a
// default so a bare `urd --robot-host <ip>` is a working invocation.
package config

import (
	"os"

	"github.com/martyn-saronic/urd/internal/urerr"
)

// Default ports for the four robot-facing TCP interfaces.
const (
	DefaultPrimaryPort     = 30001
	DefaultDashboardPort   = 29999
	DefaultInterpreterPort = 30020
	DefaultRTDEPort        = 30004
)

// Config is the full daemon configuration.
type Config struct {
	Robot       RobotConfig
	Publishing  PublishingConfig
	Command     CommandConfig
	Interpreter InterpreterConfig

	// HTTPAddr is the listen address for the HTTP/WebSocket edge.
	HTTPAddr string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// RobotConfig identifies the robot controller on the network.
type RobotConfig struct {
	Host  string
	Ports PortConfig
}

// PortConfig carries the four controller TCP ports.
type PortConfig struct {
	Primary     int
	Dashboard   int
	Interpreter int
	RTDE        int
}

// PublishingConfig controls the telemetry output gate.
type PublishingConfig struct {
	// PubRateHz caps pose emissions: at most one per 1000/PubRateHz ms.
	PubRateHz uint32
	// DecimalPlaces rounds every published float before emission.
	DecimalPlaces uint32
}

// CommandConfig controls command execution behavior.
type CommandConfig struct {
	// MonitorExecution enables the RTDE monitor task.
	MonitorExecution bool
	// StreamRobotState is "dynamic" (emit on change) or anything else
	// (emit every sample, pose still rate-limited).
	StreamRobotState string
}

// InterpreterConfig tunes the interpreter-buffer housekeeping.
type InterpreterConfig struct {
	// ClearBufferLimit is the number of URScript submissions between
	// automatic buffer clears.
	ClearBufferLimit uint32
	// InitializationTimeoutSeconds bounds the interpreter connect retry
	// loop during startup and reconnect.
	InitializationTimeoutSeconds uint64
}

// Default returns a Config with every field at its documented default.
// Robot.Host is intentionally empty — it has no sensible default and
// Validate rejects it when unset.
func Default() *Config {
	return &Config{
		Robot: RobotConfig{
			Ports: PortConfig{
				Primary:     DefaultPrimaryPort,
				Dashboard:   DefaultDashboardPort,
				Interpreter: DefaultInterpreterPort,
				RTDE:        DefaultRTDEPort,
			},
		},
		Publishing: PublishingConfig{
			PubRateHz:     10,
			DecimalPlaces: 4,
		},
		Command: CommandConfig{
			MonitorExecution: true,
			StreamRobotState: "dynamic",
		},
		Interpreter: InterpreterConfig{
			ClearBufferLimit:             500,
			InitializationTimeoutSeconds: 30,
		},
		HTTPAddr: ":8080",
		LogLevel: "info",
	}
}

// DynamicMode reports whether change-gated streaming is enabled.
func (c *Config) DynamicMode() bool {
	return c.Command.StreamRobotState == "dynamic"
}

// Validate checks the configuration for values the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Robot.Host == "" {
		return urerr.Wrap(urerr.ErrConfig, "robot host is required — set --robot-host or URD_ROBOT_HOST")
	}
	if c.Publishing.PubRateHz == 0 {
		return urerr.Wrap(urerr.ErrConfig, "publishing rate must be at least 1 Hz")
	}
	if c.Interpreter.ClearBufferLimit == 0 {
		return urerr.Wrap(urerr.ErrConfig, "clear buffer limit must be positive")
	}
	return nil
}

// EnvOrDefault returns the environment variable value if set, otherwise the
// given default. Used by cmd/urd when binding flags.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
