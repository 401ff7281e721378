package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	if c.RootDir == "" || c.RunDir == "" || c.LogDir == "" {
		t.Error("default dirs must be set")
	}
	if c.VMMBinary != "cloud-hypervisor" {
		t.Errorf("default VMM binary %q", c.VMMBinary)
	}
	if c.StartTimeoutSeconds <= 0 || c.StopTimeoutSeconds <= 0 {
		t.Error("default timeouts must be positive")
	}
}

func TestNormalizeBackfillsZeroes(t *testing.T) {
	t.Parallel()

	c := &Config{}
	c.Normalize()
	if c.PoolSize <= 0 {
		t.Error("PoolSize not backfilled")
	}
	if c.StartTimeoutSeconds != 10 {
		t.Errorf("StartTimeoutSeconds = %d, want 10", c.StartTimeoutSeconds)
	}
	if c.StopTimeoutSeconds != 30 {
		t.Errorf("StopTimeoutSeconds = %d, want 30", c.StopTimeoutSeconds)
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	c := &Config{PoolSize: 4, StartTimeoutSeconds: 20, StopTimeoutSeconds: 60}
	c.Normalize()
	if c.PoolSize != 4 || c.StartTimeoutSeconds != 20 || c.StopTimeoutSeconds != 60 {
		t.Errorf("Normalize clobbered explicit values: %+v", c)
	}
}

func TestSandboxPaths(t *testing.T) {
	t.Parallel()

	c := &Config{RootDir: "/var/lib/cradle", RunDir: "/run/cradle", LogDir: "/var/log/cradle"}
	const id = "deadbeef00000000"

	tests := []struct {
		got  string
		want string
	}{
		{c.SandboxRunDir(id), "/run/cradle/" + id},
		{c.SandboxSocketPath(id), "/run/cradle/" + id + "/api.sock"},
		{c.SandboxVsockPath(id), "/run/cradle/" + id + "/vsock.sock"},
		{c.SandboxCidataPath(id), "/run/cradle/" + id + "/cidata.img"},
		{c.SandboxPIDFile(id), "/run/cradle/" + id + "/vmm.pid"},
		{c.SandboxSwapDir(id), "/var/lib/cradle/swap/" + id},
		{c.SandboxLogDir(id), "/var/log/cradle/" + id},
		{c.IndexFile(), "/var/lib/cradle/db/sandboxes.json"},
		{c.CNINetnsPath(id), filepath.Join("/run/netns", "cradle-"+id)},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("path = %q, want %q", tc.got, tc.want)
		}
	}
}
