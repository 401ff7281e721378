package sandbox

import "github.com/spf13/cobra"

// Actions defines sandbox lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Pause(cmd *cobra.Command, args []string) error
	Resume(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Console(cmd *cobra.Command, args []string) error
	Attach(cmd *cobra.Command, args []string) error
	Detach(cmd *cobra.Command, args []string) error
	Devices(cmd *cobra.Command, args []string) error
	GC(cmd *cobra.Command, args []string) error
}

// Command builds the "sandbox" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	sbCmd := &cobra.Command{
		Use:     "sandbox",
		Aliases: []string{"sb"},
		Short:   "Manage sandboxes",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags]",
		Short: "Create a sandbox record",
		Args:  cobra.NoArgs,
		RunE:  h.Create,
	}
	addSandboxFlags(createCmd)

	runCmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Create and start a sandbox",
		Args:  cobra.NoArgs,
		RunE:  h.Run,
	}
	addSandboxFlags(runCmd)

	startCmd := &cobra.Command{
		Use:   "start SANDBOX [SANDBOX...]",
		Short: "Start created sandbox(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop SANDBOX [SANDBOX...]",
		Short: "Stop running sandbox(es)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	pauseCmd := &cobra.Command{
		Use:   "pause SANDBOX",
		Short: "Pause a running sandbox's vCPUs",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Pause,
	}

	resumeCmd := &cobra.Command{
		Use:   "resume SANDBOX",
		Short: "Resume a paused sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Resume,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sandboxes with status",
		RunE:    h.List,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect SANDBOX",
		Short: "Show detailed sandbox info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	rmCmd := &cobra.Command{
		Use:   "rm [flags] SANDBOX [SANDBOX...]",
		Short: "Delete sandbox(es) (--force to stop running sandboxes first)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}
	rmCmd.Flags().Bool("force", false, "force delete running sandboxes")

	consoleCmd := &cobra.Command{
		Use:   "console SANDBOX",
		Short: "Attach interactive console to a running sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Console,
	}
	consoleCmd.Flags().String("escape-char", "^]", "escape character (single char or ^X caret notation)")
	consoleCmd.Flags().Uint32("port", 1026, "guest vsock port of the debug console") //nolint:mnd

	attachCmd := &cobra.Command{
		Use:   "attach [flags] SANDBOX",
		Short: "Hot-plug a device into a running sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Attach,
	}
	attachCmd.Flags().String("disk", "", "block device backing file path")
	attachCmd.Flags().Bool("readonly", false, "attach disk read-only")
	attachCmd.Flags().String("tap", "", "tap interface name for a net device")
	attachCmd.Flags().String("mac", "", "MAC address for a net device")
	attachCmd.Flags().String("fs-tag", "", "mount tag for a shared filesystem")
	attachCmd.Flags().String("fs-socket", "", "virtiofsd socket for a shared filesystem")

	detachCmd := &cobra.Command{
		Use:   "detach SANDBOX DEVICE",
		Short: "Hot-unplug a device",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.Detach,
	}

	devicesCmd := &cobra.Command{
		Use:   "devices SANDBOX",
		Short: "List attached devices",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Devices,
	}

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove orphaned sandbox directories",
		Args:  cobra.NoArgs,
		RunE:  h.GC,
	}

	sbCmd.AddCommand(
		createCmd,
		runCmd,
		startCmd,
		stopCmd,
		pauseCmd,
		resumeCmd,
		listCmd,
		inspectCmd,
		rmCmd,
		consoleCmd,
		attachCmd,
		detachCmd,
		devicesCmd,
		gcCmd,
	)
	return sbCmd
}

func addSandboxFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "sandbox name")
	cmd.Flags().Int("cpu", 2, "boot CPUs")                               //nolint:mnd
	cmd.Flags().String("memory", "1G", "memory size")                    //nolint:mnd
	cmd.Flags().Int64("swap-percent", 0, "swap size as % of memory (0 = no swap)")
	cmd.Flags().Int("nics", 0, "number of managed network interfaces (0 = no network)")
	cmd.Flags().String("netns", "", "pre-existing network namespace path")
	cmd.Flags().String("kernel", "", "kernel image for direct boot")
	cmd.Flags().String("initrd", "", "initramfs for direct boot")
	cmd.Flags().String("cmdline", "", "kernel command line")
	cmd.Flags().String("firmware", "", "firmware image for UEFI boot")
	cmd.Flags().String("rootfs", "", "root filesystem disk image")
}
