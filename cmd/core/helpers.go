package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/cradle/agent"
	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/sandbox"
	"github.com/projecteru2/cradle/types"
	"github.com/projecteru2/cradle/utils"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitEngine initializes the sandbox engine.
func InitEngine(conf *config.Config) (*sandbox.Engine, error) {
	eng, err := sandbox.New(conf, agent.Noop{})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return eng, nil
}

// SandboxConfigFromFlags builds a SandboxConfig for the create/run commands.
func SandboxConfigFromFlags(cmd *cobra.Command) (*types.SandboxConfig, error) {
	name, _ := cmd.Flags().GetString("name")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	swapPct, _ := cmd.Flags().GetInt64("swap-percent")
	nics, _ := cmd.Flags().GetInt("nics")
	netns, _ := cmd.Flags().GetString("netns")

	kernel, _ := cmd.Flags().GetString("kernel")
	initrd, _ := cmd.Flags().GetString("initrd")
	cmdline, _ := cmd.Flags().GetString("cmdline")
	firmware, _ := cmd.Flags().GetString("firmware")
	rootfs, _ := cmd.Flags().GetString("rootfs")

	if name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}
	if swapPct < 0 {
		return nil, fmt.Errorf("invalid --swap-percent %d", swapPct)
	}
	if nics < 0 {
		return nil, fmt.Errorf("invalid --nics %d", nics)
	}
	if nics > 0 && netns != "" {
		return nil, fmt.Errorf("--nics and --netns are mutually exclusive")
	}
	if kernel == "" && firmware == "" {
		return nil, fmt.Errorf("either --kernel or --firmware is required")
	}

	boot := types.BootConfig{
		KernelPath:   kernel,
		InitrdPath:   initrd,
		Cmdline:      cmdline,
		FirmwarePath: firmware,
		RootfsPath:   rootfs,
	}
	return &types.SandboxConfig{
		Name:        name,
		CPU:         cpu,
		Memory:      memBytes,
		SwapPercent: swapPct,
		NICs:        nics,
		NetNS:       netns,
		Boot:        boot,
	}, nil
}

// ReconcileState checks actual process liveness to detect stale "running"
// records left by a crashed VMM or host reboot.
func ReconcileState(info *types.SandboxInfo) string {
	if info.State == types.SandboxStateRunning && !utils.IsProcessAlive(info.PID) {
		return "stopped (stale)"
	}
	return string(info.State)
}

func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
