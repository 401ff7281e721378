package config

import (
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global Cradle configuration.
type Config struct {
	// RootDir is the base directory for persistent data (index, swap artifacts).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds per-sandbox runtime state (sockets, PID files).
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir holds per-sandbox VMM logs.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`

	// VMMBinary is the hypervisor binary launched per sandbox.
	VMMBinary string `json:"vmm_binary" mapstructure:"vmm_binary"`

	// CNIConfDir holds CNI .conflist files; CNIBinDir holds the plugin
	// binaries.
	CNIConfDir string `json:"cni_conf_dir" mapstructure:"cni_conf_dir"`
	CNIBinDir  string `json:"cni_bin_dir" mapstructure:"cni_bin_dir"`

	// DefaultRootPassword, when set, is injected into firmware-booted guests
	// via the cloud-init seed disk.
	DefaultRootPassword string `json:"default_root_password" mapstructure:"default_root_password"`

	// PoolSize is the goroutine pool size for concurrent operations.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// StartTimeoutSeconds bounds control-channel establishment and guest boot.
	StartTimeoutSeconds int `json:"start_timeout_seconds" mapstructure:"start_timeout_seconds"`
	// StopTimeoutSeconds bounds graceful VMM shutdown before escalation.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:             "/var/lib/cradle",
		RunDir:              "/run/cradle",
		LogDir:              "/var/log/cradle",
		VMMBinary:           "cloud-hypervisor",
		CNIConfDir:          "/etc/cni/net.d",
		CNIBinDir:           "/opt/cni/bin",
		PoolSize:            runtime.NumCPU(),
		StartTimeoutSeconds: 10,
		StopTimeoutSeconds:  30,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Normalize backfills zero-valued fields after unmarshalling.
func (c *Config) Normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.StartTimeoutSeconds <= 0 {
		c.StartTimeoutSeconds = 10
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = 30
	}
}
