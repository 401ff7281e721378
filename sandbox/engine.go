package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/agent"
	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/lock"
	"github.com/projecteru2/cradle/lock/flock"
	"github.com/projecteru2/cradle/network"
	"github.com/projecteru2/cradle/network/cni"
	storejson "github.com/projecteru2/cradle/storage/json"
	"github.com/projecteru2/cradle/types"
	"github.com/projecteru2/cradle/utils"
)

// Engine manages the sandboxes on this host: a flock-guarded JSON index for
// persistence plus the in-process map of live Sandbox instances.
type Engine struct {
	conf    *config.Config
	store   *storejson.Store[Index]
	locker  lock.Locker
	agent   agent.Client
	network network.Provider

	mu   sync.Mutex
	live map[string]*Sandbox
}

// New creates an Engine. agentClient is the guest-agent collaborator used by
// swap scaling; pass agent.Noop{} when no agent is deployed.
func New(conf *config.Config, agentClient agent.Client) (*Engine, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	netProvider, err := cni.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init network provider: %w", err)
	}
	locker := flock.New(conf.IndexLock())
	return &Engine{
		conf:    conf,
		store:   storejson.New[Index](conf.IndexFile(), locker),
		locker:  locker,
		agent:   agentClient,
		network: netProvider,
		live:    make(map[string]*Sandbox),
	}, nil
}

// Create registers a new sandbox record. Nothing is spawned - call Start.
//
// The record is written before directories are created so GC (which scans
// directories and removes those not in the index) never races a fresh
// sandbox.
func (e *Engine) Create(ctx context.Context, cfg *types.SandboxConfig) (*types.SandboxInfo, error) {
	id := GenerateID()
	now := time.Now()

	info := types.SandboxInfo{
		ID: id, State: types.SandboxStateNotReady,
		Config: *cfg, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.Update(ctx, func(idx *Index) error {
		if idx.Sandboxes[id] != nil {
			return fmt.Errorf("ID collision %q (retry)", id)
		}
		if dup, ok := idx.Names[cfg.Name]; ok {
			return fmt.Errorf("sandbox name %q already exists (id: %s)", cfg.Name, dup)
		}
		idx.Sandboxes[id] = &Record{SandboxInfo: info}
		idx.Names[cfg.Name] = id
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reserve sandbox record: %w", err)
	}

	if err := e.conf.EnsureSandboxDirs(id); err != nil {
		e.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &info, nil
}

// Start boots the sandbox referenced by ref and returns the live instance.
// The index reflects the outcome either way: running on success, stopped
// (with no orphaned process) on failure.
func (e *Engine) Start(ctx context.Context, ref string) (*Sandbox, error) {
	id, rec, err := e.loadRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.State.Terminal() {
		return nil, fmt.Errorf("sandbox %s is stopped (terminal)", id)
	}
	if rec.State == types.SandboxStateRunning {
		if pid, _ := utils.ReadPIDFile(e.conf.SandboxPIDFile(id)); utils.IsProcessAlive(pid) {
			return nil, fmt.Errorf("sandbox %s already running (pid %d)", id, pid)
		}
	}

	cfg := rec.Config
	var nets []*types.NetworkConfig
	if cfg.NICs > 0 && cfg.NetNS == "" {
		nets, err = e.network.Setup(ctx, id, cfg.NICs, cfg.CPU)
		if err != nil {
			return nil, fmt.Errorf("setup network: %w", err)
		}
		cfg.NetNS = e.conf.CNINetnsPath(id)
	}

	s := newSandbox(e.conf, id, cfg, e.agent)
	s.SetNetworks(nets)
	if err := s.Start(ctx); err != nil {
		if len(nets) > 0 {
			if _, delErr := e.network.Delete(ctx, []string{id}); delErr != nil {
				log.WithFunc("sandbox.Start").Warnf(ctx, "rollback network %s: %v", id, delErr)
			}
		}
		_ = e.updateState(ctx, id, types.SandboxStateStopped)
		return nil, err
	}

	e.mu.Lock()
	e.live[id] = s
	e.mu.Unlock()

	now := time.Now()
	if err := e.store.Update(ctx, func(idx *Index) error {
		r := idx.Sandboxes[id]
		if r == nil {
			return fmt.Errorf("sandbox %s disappeared from index", id)
		}
		r.State = types.SandboxStateRunning
		r.PID = s.sup.PID()
		r.SocketPath = e.conf.SandboxSocketPath(id)
		r.VsockURI = s.AgentURI()
		r.StartedAt = &now
		r.UpdatedAt = now
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Stop shuts the sandbox down. When the instance is live in this process,
// the full teardown runs (swap clean, detach, VMM stop); otherwise the
// stale VMM process from a previous run is terminated by PID.
func (e *Engine) Stop(ctx context.Context, ref string) error {
	id, rec, err := e.loadRecord(ctx, ref)
	if err != nil {
		return err
	}

	e.mu.Lock()
	s := e.live[id]
	delete(e.live, id)
	e.mu.Unlock()

	if s == nil {
		// Sandbox belongs to a previous process; try a graceful shutdown
		// through the control API before falling back to the PID.
		adopted := newSandbox(e.conf, id, rec.Config, e.agent)
		if err := adopted.Adopt(ctx, rec.State, rec.Devices); err == nil {
			s = adopted
		}
	}

	var devices []types.DeviceHandle
	var swapBytes int64
	if s != nil {
		stopErr := s.Stop(ctx)
		devices = s.devices.List()
		swapBytes = s.SwapBytes()
		if stopErr != nil {
			log.WithFunc("sandbox.Stop").Warnf(ctx, "stop %s: %v", id, stopErr)
		}
	} else {
		e.stopStale(ctx, id, rec)
	}

	if rec.Config.NICs > 0 {
		if _, err := e.network.Delete(ctx, []string{id}); err != nil {
			log.WithFunc("sandbox.Stop").Warnf(ctx, "teardown network %s: %v", id, err)
		}
	}

	now := time.Now()
	return e.store.Update(ctx, func(idx *Index) error {
		r := idx.Sandboxes[id]
		if r == nil {
			return nil
		}
		r.State = types.SandboxStateStopped
		r.PID = 0
		r.Devices = devices
		r.SwapBytes = swapBytes
		r.StoppedAt = &now
		r.UpdatedAt = now
		return nil
	})
}

// stopStale terminates a VMM left over from a previous control-plane
// process: no live supervisor exists, so the PID file is the only handle.
func (e *Engine) stopStale(ctx context.Context, id string, _ Record) {
	pid, _ := utils.ReadPIDFile(e.conf.SandboxPIDFile(id))
	if utils.IsProcessAlive(pid) {
		grace := time.Duration(e.conf.StopTimeoutSeconds) * time.Second
		if err := utils.TerminateProcess(ctx, pid, grace); err != nil {
			log.WithFunc("sandbox.stopStale").Warnf(ctx, "terminate stale VMM %d: %v", pid, err)
		}
	}
	_ = os.Remove(e.conf.SandboxSocketPath(id))
	_ = os.Remove(e.conf.SandboxPIDFile(id))
}

// Pause pauses a running sandbox.
func (e *Engine) Pause(ctx context.Context, ref string) error {
	s, err := e.liveOrAdopt(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.Pause(ctx); err != nil {
		return err
	}
	return e.updateState(ctx, s.id, s.State())
}

// Resume resumes a paused sandbox.
func (e *Engine) Resume(ctx context.Context, ref string) error {
	s, err := e.liveOrAdopt(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.Resume(ctx); err != nil {
		return err
	}
	return e.updateState(ctx, s.id, s.State())
}

// Get returns the Sandbox for ref, reattaching to it if it was started by a
// previous process.
func (e *Engine) Get(ctx context.Context, ref string) (*Sandbox, error) {
	return e.liveOrAdopt(ctx, ref)
}

// AttachDevice hot-plugs a device into a running sandbox and persists the
// updated handle set.
func (e *Engine) AttachDevice(ctx context.Context, ref string, cfg types.DeviceConfig) (types.DeviceHandle, error) {
	s, err := e.liveOrAdopt(ctx, ref)
	if err != nil {
		return types.DeviceHandle{}, err
	}
	handle, err := s.devices.Attach(ctx, cfg)
	if err != nil {
		return types.DeviceHandle{}, err
	}
	return handle, e.updateDevices(ctx, s.id, s.devices.List())
}

// DetachDevice hot-unplugs a device and persists the updated handle set.
func (e *Engine) DetachDevice(ctx context.Context, ref, deviceID string) error {
	s, err := e.liveOrAdopt(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.devices.Detach(ctx, deviceID); err != nil {
		return err
	}
	return e.updateDevices(ctx, s.id, s.devices.List())
}

// ListDevices returns the attached device handles of a sandbox. For sandboxes
// that are not running, the persisted handles from the last update are
// returned.
func (e *Engine) ListDevices(ctx context.Context, ref string) ([]types.DeviceHandle, error) {
	if s, err := e.liveOrAdopt(ctx, ref); err == nil {
		return s.devices.List(), nil
	}
	_, rec, err := e.loadRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	return rec.Devices, nil
}

// Inspect returns the SandboxInfo for a single sandbox by ref.
// Runtime fields are populated from the PID file and config.
func (e *Engine) Inspect(ctx context.Context, ref string) (*types.SandboxInfo, error) {
	var result *types.SandboxInfo
	return result, e.store.With(ctx, func(idx *Index) error {
		id, err := ResolveRef(idx, ref)
		if err != nil {
			return err
		}
		info := idx.Sandboxes[id].SandboxInfo // value copy - detached from the DB record
		e.enrichRuntime(&info)
		result = &info
		return nil
	})
}

// List returns SandboxInfo for all known sandboxes.
func (e *Engine) List(ctx context.Context) ([]*types.SandboxInfo, error) {
	var result []*types.SandboxInfo
	return result, e.store.With(ctx, func(idx *Index) error {
		for _, rec := range idx.Sandboxes {
			if rec == nil {
				continue
			}
			info := rec.SandboxInfo
			e.enrichRuntime(&info)
			result = append(result, &info)
		}
		return nil
	})
}

// Delete removes sandbox records and their on-disk state. Running sandboxes
// are rejected unless force is true, in which case they are stopped first.
// Returns the IDs that were deleted.
func (e *Engine) Delete(ctx context.Context, refs []string, force bool) ([]string, error) {
	var deleted []string
	for _, ref := range refs {
		id, rec, err := e.loadRecord(ctx, ref)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", ref, err)
		}
		pid, _ := utils.ReadPIDFile(e.conf.SandboxPIDFile(id))
		if utils.IsProcessAlive(pid) || e.isLive(id) {
			if !force {
				return deleted, fmt.Errorf("delete %s: running (force required)", ref)
			}
			if err := e.Stop(ctx, id); err != nil {
				return deleted, fmt.Errorf("stop before delete %s: %w", ref, err)
			}
		}
		if err := e.store.Update(ctx, func(idx *Index) error {
			if _, ok := idx.Sandboxes[id]; !ok {
				return ErrNotFound
			}
			delete(idx.Names, rec.Config.Name)
			delete(idx.Sandboxes, id)
			return nil
		}); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", ref, err)
		}
		e.removeSandboxDirs(id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (e *Engine) isLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[id] != nil
}

// liveOrAdopt returns the in-process Sandbox for ref, reattaching to the
// running VMM first if another process started it. The adopted instance is
// cached in the live map so repeated operations share one control client.
func (e *Engine) liveOrAdopt(ctx context.Context, ref string) (*Sandbox, error) {
	id, rec, err := e.loadRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	s := e.live[id]
	e.mu.Unlock()
	if s != nil {
		return s, nil
	}
	if rec.State != types.SandboxStateRunning && rec.State != types.SandboxStatePaused {
		return nil, fmt.Errorf("sandbox %s is not running (state %s)", id, rec.State)
	}
	s = newSandbox(e.conf, id, rec.Config, e.agent)
	if err := s.Adopt(ctx, rec.State, rec.Devices); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if cached := e.live[id]; cached != nil {
		s = cached
	} else {
		e.live[id] = s
	}
	e.mu.Unlock()
	return s, nil
}

// loadRecord resolves ref and reads a detached copy of its record.
func (e *Engine) loadRecord(ctx context.Context, ref string) (string, Record, error) {
	var id string
	var rec Record
	err := e.store.With(ctx, func(idx *Index) error {
		resolved, err := ResolveRef(idx, ref)
		if err != nil {
			return err
		}
		id = resolved
		var lookupErr error
		rec, lookupErr = utils.LookupCopy(idx.Sandboxes, id)
		return lookupErr
	})
	return id, rec, err
}

// enrichRuntime populates runtime-only fields from live sources:
// SocketPath is deterministic from config; PID comes from the PID file and
// is zeroed when the process is gone.
func (e *Engine) enrichRuntime(info *types.SandboxInfo) {
	info.SocketPath = e.conf.SandboxSocketPath(info.ID)
	pid, _ := utils.ReadPIDFile(e.conf.SandboxPIDFile(info.ID))
	if utils.IsProcessAlive(pid) {
		info.PID = pid
	} else {
		info.PID = 0
	}
}

// updateDevices persists the current device handle set for a sandbox.
func (e *Engine) updateDevices(ctx context.Context, id string, handles []types.DeviceHandle) error {
	return e.store.Update(ctx, func(idx *Index) error {
		r := idx.Sandboxes[id]
		if r == nil {
			return nil
		}
		r.Devices = handles
		r.UpdatedAt = time.Now()
		return nil
	})
}

// updateState atomically transitions a sandbox's recorded state.
func (e *Engine) updateState(ctx context.Context, id string, state types.SandboxState) error {
	now := time.Now()
	return e.store.Update(ctx, func(idx *Index) error {
		r := idx.Sandboxes[id]
		if r == nil {
			return nil
		}
		r.State = state
		r.UpdatedAt = now
		switch state {
		case types.SandboxStateRunning:
			r.StartedAt = &now
		case types.SandboxStateStopped:
			r.StoppedAt = &now
		}
		return nil
	})
}

// rollbackCreate removes a reserved record after a failed create. Best-effort:
// the caller already has a primary error to return.
func (e *Engine) rollbackCreate(ctx context.Context, id, name string) {
	_ = e.store.Update(ctx, func(idx *Index) error {
		delete(idx.Sandboxes, id)
		delete(idx.Names, name)
		return nil
	})
}

// removeSandboxDirs clears all per-sandbox on-disk state.
func (e *Engine) removeSandboxDirs(id string) {
	_ = os.RemoveAll(e.conf.SandboxRunDir(id))
	_ = os.RemoveAll(e.conf.SandboxLogDir(id))
	_ = os.RemoveAll(e.conf.SandboxSwapDir(id))
}
