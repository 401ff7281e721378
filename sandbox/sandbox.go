package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/agent"
	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/device"
	"github.com/projecteru2/cradle/hypervisor"
	"github.com/projecteru2/cradle/metadata"
	"github.com/projecteru2/cradle/swap"
	"github.com/projecteru2/cradle/types"
	"github.com/projecteru2/cradle/vsock"
)

// Sandbox is one live VM instance: the supervisor owning its VMM process,
// the device registry, the vsock transport reaching its guest agent, and
// (when enabled) the swap scaling task.
type Sandbox struct {
	id   string
	conf *config.Config
	cfg  types.SandboxConfig

	sup       *hypervisor.Supervisor
	devices   *device.Manager
	transport *vsock.Transport
	swap      *swap.Manager
	agent     agent.Client
	nets      []*types.NetworkConfig
}

func newSandbox(conf *config.Config, id string, cfg types.SandboxConfig, agentClient agent.Client) *Sandbox {
	sup := hypervisor.New(conf, &cfg)
	return &Sandbox{
		id:        id,
		conf:      conf,
		cfg:       cfg,
		sup:       sup,
		devices:   device.New(sup),
		transport: vsock.NewTransport(conf.SandboxVsockPath(id)),
		agent:     agentClient,
	}
}

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.id }

// SetNetworks registers the boot-time net devices with the supervisor.
func (s *Sandbox) SetNetworks(nets []*types.NetworkConfig) {
	s.nets = nets
	s.sup.SetNetworks(nets)
}

// State returns the supervisor's lifecycle state.
func (s *Sandbox) State() types.SandboxState { return s.sup.State() }

// Devices returns the device registry.
func (s *Sandbox) Devices() *device.Manager { return s.devices }

// AgentURI is the transport locator handed to guest-agent clients.
func (s *Sandbox) AgentURI() string { return s.transport.URI() }

// ConsoleConn dials the guest debug console on the given vsock port.
func (s *Sandbox) ConsoleConn(ctx context.Context, port uint32) (net.Conn, error) {
	return s.transport.Connect(ctx, port)
}

// Adopt reattaches to a VMM started by a previous process: the supervisor
// connects to the existing control socket and the device registry is seeded
// from the persisted handles. The swap task is not restarted - an adopting
// process only manages the guest through the control API.
func (s *Sandbox) Adopt(ctx context.Context, state types.SandboxState, handles []types.DeviceHandle) error {
	if err := s.sup.Adopt(ctx, s.id, state); err != nil {
		return err
	}
	s.devices.Restore(handles)
	return nil
}

// Start brings the sandbox up: spawn + control channel + guest boot, then
// the swap scaling task. A failure at any step tears down everything spawned
// so far - no orphaned process, socket or task survives a failed start.
func (s *Sandbox) Start(ctx context.Context) error {
	if err := s.sup.Prepare(ctx, s.id, s.cfg.NetNS); err != nil {
		return err
	}

	// Firmware boots get a cloud-init seed so the guest picks up hostname,
	// credentials and NIC addressing.
	if !s.cfg.Boot.DirectBoot() && s.cfg.Boot.FirmwarePath != "" {
		if err := s.writeCidata(); err != nil {
			_ = s.sup.StopVM(ctx)
			return err
		}
		s.sup.SetCloudInit(s.conf.SandboxCidataPath(s.id))
	}

	timeout := time.Duration(s.conf.StartTimeoutSeconds) * time.Second
	if err := s.sup.StartVM(ctx, timeout); err != nil {
		return err
	}

	if s.cfg.SwapPercent > 0 {
		s.swap = swap.New(
			s.conf.SandboxSwapDir(s.id),
			s.cfg.Memory, s.cfg.SwapPercent,
			s.devices, s.agent,
		)
		if err := s.swap.Run(ctx); err != nil {
			_ = s.sup.StopVM(ctx)
			return err
		}
		// Initial evaluation so swap reaches its target without waiting
		// for external pressure signals.
		s.swap.Update()
	}
	return nil
}

// writeCidata renders the cloud-init NoCloud seed disk for this sandbox.
func (s *Sandbox) writeCidata() error {
	metaCfg := &metadata.Config{
		InstanceID:   s.id,
		Hostname:     s.cfg.Name,
		RootPassword: s.conf.DefaultRootPassword,
	}
	for i, n := range s.nets {
		if n.Network == nil {
			continue
		}
		metaCfg.Networks = append(metaCfg.Networks, metadata.NetworkInfo{
			IP:      n.Network.IP,
			Prefix:  n.Network.Prefix,
			Gateway: n.Network.Gateway,
			Device:  fmt.Sprintf("eth%d", i),
			Mac:     n.Mac,
		})
	}

	path := s.conf.SandboxCidataPath(s.id)
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create cidata: %w", err)
	}
	if err := metadata.Generate(f, metaCfg); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("generate cidata: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close cidata: %w", err)
	}
	return nil
}

// SwapUpdate asks the swap task to re-evaluate now. No-op when swap is
// disabled.
func (s *Sandbox) SwapUpdate() {
	if s.swap != nil {
		s.swap.Update()
	}
}

// SwapBytes returns the provisioned swap capacity.
func (s *Sandbox) SwapBytes() int64 {
	if s.swap == nil {
		return 0
	}
	return s.swap.CurrentBytes()
}

// Pause pauses the guest vCPUs.
func (s *Sandbox) Pause(ctx context.Context) error { return s.sup.PauseVM(ctx) }

// Resume resumes paused guest vCPUs.
func (s *Sandbox) Resume(ctx context.Context) error { return s.sup.ResumeVM(ctx) }

// Stop tears the sandbox down in dependency order: swap task first (it owns
// on-disk artifacts and may be mid-cycle), then device bookkeeping, then the
// VMM itself, then the vsock socket. Best-effort throughout - a broken
// control channel must not leave the teardown stuck.
func (s *Sandbox) Stop(ctx context.Context) error {
	logger := log.WithFunc("sandbox.Stop")
	var errs []error

	if s.swap != nil {
		if err := s.swap.Clean(ctx); err != nil {
			logger.Warnf(ctx, "clean swap %s: %v", s.id, err)
			errs = append(errs, err)
		}
	}

	// The guest is going down with the VMM; failed detaches only matter
	// for bookkeeping.
	if s.sup.State().CanAttachDevice() {
		if err := s.devices.DetachAll(ctx); err != nil {
			logger.Warnf(ctx, "detach devices %s: %v", s.id, err)
		}
	}

	if err := s.sup.StopVM(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.transport.Close(); err != nil {
		logger.Warnf(ctx, "close vsock %s: %v", s.id, err)
	}
	return errors.Join(errs...)
}
