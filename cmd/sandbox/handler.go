package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/projecteru2/cradle/cmd/core"
	"github.com/projecteru2/cradle/console"
	"github.com/projecteru2/cradle/sandbox"
	"github.com/projecteru2/cradle/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initEngine is the shared init for all handler methods.
func (h Handler) initEngine(cmd *cobra.Command) (context.Context, *sandbox.Engine, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	eng, err := cmdcore.InitEngine(conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, eng, nil
}

func (h Handler) Create(cmd *cobra.Command, _ []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	cfg, err := cmdcore.SandboxConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	info, err := eng.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "sandbox created: %s (name: %s, state: %s)", info.ID, info.Config.Name, info.State)
	logger.Infof(ctx, "start with: cradle sandbox start %s", info.ID)
	return nil
}

func (h Handler) Run(cmd *cobra.Command, _ []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	cfg, err := cmdcore.SandboxConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	info, err := eng.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	logger := log.WithFunc("cmd.run")
	logger.Infof(ctx, "sandbox created: %s (name: %s)", info.ID, info.Config.Name)

	s, err := eng.Start(ctx, info.ID)
	if err != nil {
		return fmt.Errorf("start sandbox %s: %w", info.ID, err)
	}
	logger.Infof(ctx, "started: %s (agent: %s)", s.ID(), s.AgentURI())
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.start")
	var firstErr error
	for _, ref := range args {
		s, err := eng.Start(ctx, ref)
		if err != nil {
			logger.Warnf(ctx, "start %s: %v", ref, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof(ctx, "started: %s", s.ID())
	}
	return firstErr
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.stop")
	var firstErr error
	for _, ref := range args {
		if err := eng.Stop(ctx, ref); err != nil {
			logger.Warnf(ctx, "stop %s: %v", ref, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof(ctx, "stopped: %s", ref)
	}
	return firstErr
}

func (h Handler) Pause(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	if err := eng.Pause(ctx, args[0]); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	log.WithFunc("cmd.pause").Infof(ctx, "paused: %s", args[0])
	return nil
}

func (h Handler) Resume(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	if err := eng.Resume(ctx, args[0]); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	log.WithFunc("cmd.resume").Infof(ctx, "resumed: %s", args[0])
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	sandboxes, err := eng.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(sandboxes) == 0 {
		fmt.Println("No sandboxes found.")
		return nil
	}

	sort.Slice(sandboxes, func(i, j int) bool { return sandboxes[i].CreatedAt.Before(sandboxes[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tCPU\tMEMORY\tPID\tCREATED")
	for _, info := range sandboxes {
		state := cmdcore.ReconcileState(info)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			info.ID,
			info.Config.Name,
			state,
			info.Config.CPU,
			cmdcore.FormatSize(info.Config.Memory),
			info.PID,
			info.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	info, err := eng.Inspect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// RM deletes sandboxes. eng.Delete uses best-effort semantics: it returns the
// successfully deleted IDs even when later deletions fail, so the partial
// results are always reported before checking the error.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.rm")

	force, _ := cmd.Flags().GetBool("force")

	deleted, err := eng.Delete(ctx, args, force)
	for _, id := range deleted {
		logger.Infof(ctx, "deleted sandbox: %s", id)
	}
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	if len(deleted) == 0 {
		logger.Info(ctx, "no sandboxes deleted")
	}
	return nil
}

func (h Handler) Console(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	ref := args[0]

	s, err := eng.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	port, _ := cmd.Flags().GetUint32("port")
	conn, err := s.ConsoleConn(ctx, port)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected from %s.\r\n", ref)
	}()

	fmt.Fprintf(os.Stderr, "Connected to %s (escape sequence: %s.)\r\n", ref, console.FormatEscapeChar(escapeChar))

	if err := console.Relay(ctx, conn, escapeChar); err != nil {
		fmt.Fprintf(os.Stderr, "\r\nrelay error: %v\r\n", err)
	}
	return nil
}

func (h Handler) Attach(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	cfg, err := deviceConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	handle, err := eng.AttachDevice(ctx, args[0], cfg)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	log.WithFunc("cmd.attach").Infof(ctx, "attached %s device %s (pci=%q virt=%q)",
		handle.Kind, handle.ID, handle.PCIPath, handle.VirtPath)
	return nil
}

func (h Handler) Detach(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	if err := eng.DetachDevice(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	log.WithFunc("cmd.detach").Infof(ctx, "detached device %s", args[1])
	return nil
}

func (h Handler) Devices(cmd *cobra.Command, args []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	handles, err := eng.ListDevices(ctx, args[0])
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if len(handles) == 0 {
		fmt.Println("No devices attached.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tPCI\tVIRT")
	for _, hd := range handles {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", hd.ID, hd.Kind, hd.PCIPath, hd.VirtPath)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, eng, err := h.initEngine(cmd)
	if err != nil {
		return err
	}
	if err := eng.GC(ctx); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	fmt.Println("GC completed.")
	return nil
}

// deviceConfigFromFlags maps the attach flags to a DeviceConfig. Exactly one
// device kind may be requested per invocation.
func deviceConfigFromFlags(cmd *cobra.Command) (types.DeviceConfig, error) {
	disk, _ := cmd.Flags().GetString("disk")
	readonly, _ := cmd.Flags().GetBool("readonly")
	tap, _ := cmd.Flags().GetString("tap")
	mac, _ := cmd.Flags().GetString("mac")
	fsTag, _ := cmd.Flags().GetString("fs-tag")
	fsSocket, _ := cmd.Flags().GetString("fs-socket")

	kinds := 0
	var cfg types.DeviceConfig
	if disk != "" {
		kinds++
		cfg = types.DeviceConfig{
			Kind:  types.DeviceBlock,
			Block: &types.BlockDeviceConfig{Path: disk, ReadOnly: readonly, Direct: true},
		}
	}
	if tap != "" {
		kinds++
		cfg = types.DeviceConfig{
			Kind: types.DeviceNet,
			Net:  &types.NetDeviceConfig{TapName: tap, MacAddr: mac},
		}
	}
	if fsTag != "" {
		kinds++
		if fsSocket == "" {
			return cfg, fmt.Errorf("--fs-socket is required with --fs-tag")
		}
		cfg = types.DeviceConfig{
			Kind:    types.DeviceFsShare,
			FsShare: &types.FsShareConfig{Tag: fsTag, SocketPath: fsSocket},
		}
	}
	if kinds != 1 {
		return cfg, fmt.Errorf("specify exactly one of --disk, --tap, --fs-tag")
	}
	return cfg, nil
}
