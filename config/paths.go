package config

import (
	"path/filepath"

	"github.com/projecteru2/cradle/utils"
)

// EnsureDirs creates all static directories required by the runtime.
// Per-sandbox runtime and log directories are created on demand via
// EnsureSandboxDirs.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.dbDir(),
		c.RunDir,
		c.LogDir,
	)
}

// EnsureSandboxDirs creates per-sandbox runtime and log directories.
// Called when a sandbox is created or started.
func (c *Config) EnsureSandboxDirs(id string) error {
	return utils.EnsureDirs(
		c.SandboxRunDir(id),
		c.SandboxLogDir(id),
	)
}

func (c *Config) dbDir() string { return filepath.Join(c.RootDir, "db") }

// IndexFile and IndexLock are the sandbox index store paths.
func (c *Config) IndexFile() string { return filepath.Join(c.dbDir(), "sandboxes.json") }
func (c *Config) IndexLock() string { return filepath.Join(c.dbDir(), "sandboxes.lock") }

// SandboxRunDir holds the per-sandbox sockets and PID file.
func (c *Config) SandboxRunDir(id string) string {
	return filepath.Join(c.RunDir, id)
}

// SandboxSocketPath is the VMM control API unix socket.
func (c *Config) SandboxSocketPath(id string) string {
	return filepath.Join(c.SandboxRunDir(id), "api.sock")
}

// SandboxVsockPath is the unix socket backing the hybrid vsock transport.
func (c *Config) SandboxVsockPath(id string) string {
	return filepath.Join(c.SandboxRunDir(id), "vsock.sock")
}

// SandboxCidataPath is the cloud-init seed disk for firmware boots.
func (c *Config) SandboxCidataPath(id string) string {
	return filepath.Join(c.SandboxRunDir(id), "cidata.img")
}

// SandboxPIDFile holds the VMM process PID.
func (c *Config) SandboxPIDFile(id string) string {
	return filepath.Join(c.SandboxRunDir(id), "vmm.pid")
}

// SandboxSwapDir holds the swap artifact files (swap0, swap1, …).
func (c *Config) SandboxSwapDir(id string) string {
	return filepath.Join(c.RootDir, "swap", id)
}

// SandboxLogDir holds the forwarded VMM output.
func (c *Config) SandboxLogDir(id string) string {
	return filepath.Join(c.LogDir, id)
}

// EnsureCNIDirs creates the directories the CNI provider needs at runtime.
// Conf and bin dirs are operator-managed and not created here.
func (c *Config) EnsureCNIDirs() error {
	return utils.EnsureDirs(c.cniDir(), c.CNICacheDir())
}

func (c *Config) cniDir() string { return filepath.Join(c.RootDir, "cni") }

// CNIIndexFile and CNIIndexLock are the network index store paths.
func (c *Config) CNIIndexFile() string { return filepath.Join(c.cniDir(), "networks.json") }
func (c *Config) CNIIndexLock() string { return filepath.Join(c.cniDir(), "networks.lock") }

// CNICacheDir is where libcni caches ADD results for DEL replay.
func (c *Config) CNICacheDir() string { return filepath.Join(c.cniDir(), "cache") }

// CNINetnsName is the named netns for a sandbox; CNINetnsPath is where the
// kernel mounts it.
func (c *Config) CNINetnsName(id string) string { return "cradle-" + id }
func (c *Config) CNINetnsPath(id string) string {
	return filepath.Join("/run/netns", c.CNINetnsName(id))
}
