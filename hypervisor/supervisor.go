package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/controlplane"
	"github.com/projecteru2/cradle/types"
	"github.com/projecteru2/cradle/utils"
)

// ErrInvalidState is returned when a lifecycle or device operation is
// attempted outside its required sandbox state.
var ErrInvalidState = errors.New("invalid sandbox state")

// Supervisor owns the full lifecycle of one sandbox's VMM process:
// spawn, control-channel establishment, boot, pause/resume, shutdown.
// Lifecycle transitions are totally ordered - each operation holds the
// lifecycle mutex end to end, and no operation after StopVM can restart the
// same instance.
type Supervisor struct {
	id   string
	conf *config.Config
	sbox *types.SandboxConfig

	client *controlplane.Client
	nets   []*types.NetworkConfig
	cidata string

	// lifecycle serializes Prepare/StartVM/PauseVM/ResumeVM/StopVM.
	lifecycle sync.Mutex
	// mu guards state for concurrent readers (device manager, CLI).
	mu    sync.RWMutex
	state types.SandboxState

	proc *vmmProcess
	// adoptedPID is set instead of proc when this supervisor reattached to a
	// VMM spawned by a previous process.
	adoptedPID int
}

// New creates a Supervisor in the not-ready state. Nothing is spawned until
// Prepare.
func New(conf *config.Config, sbox *types.SandboxConfig) *Supervisor {
	return &Supervisor{
		conf:  conf,
		sbox:  sbox,
		state: types.SandboxStateNotReady,
	}
}

// ID returns the sandbox id. Empty before Prepare.
func (s *Supervisor) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Supervisor) State() types.SandboxState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Client returns the control-plane client. Nil before Prepare.
func (s *Supervisor) Client() *controlplane.Client { return s.client }

// PID returns the VMM process id, or 0 if not running.
func (s *Supervisor) PID() int {
	if s.proc != nil {
		return s.proc.pid
	}
	return s.adoptedPID
}

// SetNetworks registers the boot-time net devices. Must be called before
// StartVM.
func (s *Supervisor) SetNetworks(nets []*types.NetworkConfig) { s.nets = nets }

// SetCloudInit registers a cloud-init seed disk to attach at boot.
func (s *Supervisor) SetCloudInit(path string) { s.cidata = path }

// GuardAttach returns ErrInvalidState unless device hot-plug is currently
// permitted.
func (s *Supervisor) GuardAttach() error {
	if st := s.State(); !st.CanAttachDevice() {
		return fmt.Errorf("hot-plug requires running sandbox, state is %s: %w", st, ErrInvalidState)
	}
	return nil
}

func (s *Supervisor) setState(st types.SandboxState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Prepare spawns the VMM process and establishes the control channel:
// launch → connect-with-retry → ping-until-ready. On success the state is
// channel-ready. Spawn failure is fatal and not retried; a connect or ping
// timeout kills the partially-spawned process before the error is returned.
func (s *Supervisor) Prepare(ctx context.Context, id, netns string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != types.SandboxStateNotReady {
		return fmt.Errorf("prepare in state %s: %w", st, ErrInvalidState)
	}
	if s.proc != nil {
		return fmt.Errorf("VMM already running with PID %d", s.proc.pid)
	}
	s.id = id

	if err := s.conf.EnsureSandboxDirs(id); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	socketPath := s.conf.SandboxSocketPath(id)
	// Stale socket from a previous run would make connect succeed against
	// nothing.
	_ = os.Remove(socketPath)

	proc, err := s.launch(ctx, socketPath, netns)
	if err != nil {
		return fmt.Errorf("spawn VMM: %w", err)
	}
	s.proc = proc
	s.client = controlplane.NewClient(socketPath)

	timeout := time.Duration(s.conf.StartTimeoutSeconds) * time.Second
	if err := s.client.ConnectWithRetry(ctx, timeout); err != nil {
		s.teardownProcess(ctx)
		return err
	}
	if err := s.client.PingUntilReady(ctx, timeout); err != nil {
		s.teardownProcess(ctx)
		return err
	}

	s.setState(types.SandboxStateChannelReady)
	return nil
}

// Adopt reattaches to a VMM spawned by a previous process: instead of
// launching a child, it connects to the existing control socket and verifies
// the VMM answers pings. On success the supervisor is in the given state
// (running or paused, as recorded by whoever started the guest). The adopted
// VMM is controlled through the API and, on stop, by PID.
func (s *Supervisor) Adopt(ctx context.Context, id string, state types.SandboxState) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != types.SandboxStateNotReady {
		return fmt.Errorf("adopt in state %s: %w", st, ErrInvalidState)
	}
	if state != types.SandboxStateRunning && state != types.SandboxStatePaused {
		return fmt.Errorf("adopt into state %s: %w", state, ErrInvalidState)
	}
	s.id = id

	socketPath := s.conf.SandboxSocketPath(id)
	client := controlplane.NewClient(socketPath)
	if err := client.CheckSocket(); err != nil {
		return fmt.Errorf("adopt %s: %w", id, err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return fmt.Errorf("adopt %s: ping: %w", id, err)
	}
	s.client = client
	s.adoptedPID, _ = utils.ReadPIDFile(s.conf.SandboxPIDFile(id))

	s.setState(state)
	return nil
}

// StartVM builds the guest boot configuration and boots the VM.
// On success the state is running; a failed RPC kills the VMM process and
// leaves the supervisor stopped - no orphaned process or socket remains.
func (s *Supervisor) StartVM(ctx context.Context, timeout time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != types.SandboxStateChannelReady {
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := s.buildGuestConfig()
	if err := controlplane.DoWithRetry(ctx, func() error {
		return s.client.CreateVM(ctx, cfg)
	}); err != nil {
		s.teardownProcess(ctx)
		s.setState(types.SandboxStateStopped)
		return fmt.Errorf("vm.create: %w", err)
	}
	if err := controlplane.DoWithRetry(ctx, func() error {
		return s.client.BootVM(ctx)
	}); err != nil {
		s.teardownProcess(ctx)
		s.setState(types.SandboxStateStopped)
		return fmt.Errorf("vm.boot: %w", err)
	}

	s.setState(types.SandboxStateRunning)
	return nil
}

// PauseVM pauses the guest vCPUs. A backend without pause support answers
// with a non-retryable API error; that is tolerated as a no-op and the state
// is left unchanged.
func (s *Supervisor) PauseVM(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != types.SandboxStateRunning {
		return fmt.Errorf("pause in state %s: %w", st, ErrInvalidState)
	}
	if err := s.client.PauseVM(ctx); err != nil {
		if unsupported(err) {
			log.WithFunc("hypervisor.PauseVM").Warnf(ctx, "sandbox %s: pause unsupported by backend: %v", s.id, err)
			return nil
		}
		return fmt.Errorf("vm.pause: %w", err)
	}
	s.setState(types.SandboxStatePaused)
	return nil
}

// ResumeVM resumes paused guest vCPUs.
func (s *Supervisor) ResumeVM(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != types.SandboxStatePaused {
		return fmt.Errorf("resume in state %s: %w", st, ErrInvalidState)
	}
	if err := s.client.ResumeVM(ctx); err != nil {
		if unsupported(err) {
			log.WithFunc("hypervisor.ResumeVM").Warnf(ctx, "sandbox %s: resume unsupported by backend: %v", s.id, err)
			return nil
		}
		return fmt.Errorf("vm.resume: %w", err)
	}
	s.setState(types.SandboxStateRunning)
	return nil
}

// StopVM shuts the sandbox down: best-effort vm.shutdown, then the log
// forwarder is signalled, the child force-killed and reaped, and runtime
// files removed. The state always ends up stopped - a broken control channel
// must not leave the supervisor stuck. Idempotent.
func (s *Supervisor) StopVM(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == types.SandboxStateStopped {
		return nil
	}
	logger := log.WithFunc("hypervisor.StopVM")

	if s.client != nil {
		if err := controlplane.DoWithRetry(ctx, func() error {
			return s.client.ShutdownVM(ctx)
		}); err != nil {
			logger.Warnf(ctx, "vm.shutdown %s: %v - escalating to kill", s.id, err)
		}
	}

	if s.proc != nil {
		s.teardownProcess(ctx)
	} else if s.adoptedPID != 0 {
		s.teardownAdopted(ctx)
	}
	s.setState(types.SandboxStateStopped)
	return nil
}

// teardownAdopted terminates an adopted VMM by PID (the shutdown RPC usually
// already stopped it) and removes the runtime files.
func (s *Supervisor) teardownAdopted(ctx context.Context) {
	if utils.IsProcessAlive(s.adoptedPID) {
		grace := time.Duration(s.conf.StopTimeoutSeconds) * time.Second
		if err := utils.TerminateProcess(ctx, s.adoptedPID, grace); err != nil {
			log.WithFunc("hypervisor.teardownAdopted").Warnf(ctx, "sandbox %s: terminate VMM %d: %v", s.id, s.adoptedPID, err)
		}
	}
	_ = os.Remove(s.conf.SandboxSocketPath(s.id))
	_ = os.Remove(s.conf.SandboxPIDFile(s.id))
	s.adoptedPID = 0
}

// unsupported reports whether the API said "this backend cannot do that"
// rather than "that failed".
func unsupported(err error) bool {
	var ae *controlplane.APIError
	if errors.As(err, &ae) {
		return ae.Code == 404 || ae.Code == 405 || ae.Code == 501
	}
	return false
}
