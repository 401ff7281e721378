package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/cradle/controlplane"
	"github.com/projecteru2/cradle/hypervisor"
	"github.com/projecteru2/cradle/types"
)

// ErrNotFound is returned when a device id is not in the registry.
var ErrNotFound = errors.New("device not found")

// Manager is the registry of devices attached to one running sandbox. It
// mediates hot-plug/hot-unplug against the supervisor and keeps registry
// membership transactionally consistent with VMM-side attachment: a handle
// exists in the registry iff the device is attached to the live VMM.
//
// The registry lock is never held across an RPC - concurrent operations on
// distinct devices are not serialized behind a slow VMM call. Operations on
// the same id are serialized by the lock plus a presence re-check under it.
type Manager struct {
	sup *hypervisor.Supervisor

	mu      sync.RWMutex
	devices map[string]types.DeviceHandle
}

// New creates an empty Manager for the given supervisor.
func New(sup *hypervisor.Supervisor) *Manager {
	return &Manager{
		sup:     sup,
		devices: make(map[string]types.DeviceHandle),
	}
}

// Restore seeds the registry from persisted handles, used when reattaching
// to a sandbox started by a previous process. Only valid on an empty registry.
func (m *Manager) Restore(handles []types.DeviceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		m.devices[h.ID] = h
	}
}

// Attach hot-plugs a device into the running guest. All-or-nothing: the
// handle is inserted into the registry only after the VMM accepted the
// device; a failed RPC leaves the registry untouched.
// Fails with hypervisor.ErrInvalidState unless the sandbox is running.
func (m *Manager) Attach(ctx context.Context, cfg types.DeviceConfig) (types.DeviceHandle, error) {
	if err := m.sup.GuardAttach(); err != nil {
		return types.DeviceHandle{}, err
	}

	id := allocateID(cfg.Kind)
	handle, err := m.attachRPC(ctx, id, cfg)
	if err != nil {
		return types.DeviceHandle{}, fmt.Errorf("attach %s device %s: %w", cfg.Kind, id, err)
	}

	m.mu.Lock()
	m.devices[id] = handle
	m.mu.Unlock()

	log.WithFunc("device.Attach").Infof(ctx, "attached %s device %s (pci=%q virt=%q)",
		handle.Kind, handle.ID, handle.PCIPath, handle.VirtPath)
	return handle, nil
}

// Detach hot-unplugs a device. Fail-safe: the registry entry is removed only
// after the VMM confirmed the removal - a failed detach never silently drops
// bookkeeping for a device that might still be live, so callers can retry.
func (m *Manager) Detach(ctx context.Context, id string) error {
	m.mu.RLock()
	_, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detach %s: %w", id, ErrNotFound)
	}

	if err := m.sup.Client().RemoveDevice(ctx, id); err != nil {
		return fmt.Errorf("detach device %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()

	log.WithFunc("device.Detach").Infof(ctx, "detached device %s", id)
	return nil
}

// Get returns the handle for id, if attached.
func (m *Manager) Get(id string) (types.DeviceHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.devices[id]
	return h, ok
}

// List returns a snapshot of all attached device handles.
func (m *Manager) List() []types.DeviceHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.DeviceHandle, 0, len(m.devices))
	for _, h := range m.devices {
		out = append(out, h)
	}
	return out
}

// Count returns the number of attached devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// DetachAll detaches every registered device concurrently. Used during
// sandbox teardown; errors are joined, and devices whose detach failed stay
// registered.
func (m *Manager) DetachAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return m.Detach(ctx, id)
		})
	}
	return g.Wait()
}

// attachRPC issues the kind-appropriate hot-plug call and builds the handle.
// Exactly one locator is populated: BDF for PCI-attached kinds, the share
// tag for virtio-fs.
func (m *Manager) attachRPC(ctx context.Context, id string, cfg types.DeviceConfig) (types.DeviceHandle, error) {
	client := m.sup.Client()
	handle := types.DeviceHandle{ID: id, Kind: cfg.Kind}

	var info *controlplane.PCIDeviceInfo
	var err error

	switch cfg.Kind {
	case types.DeviceBlock:
		if cfg.Block == nil {
			return handle, fmt.Errorf("block config missing")
		}
		info, err = client.AddDisk(ctx, controlplane.Disk{
			ID:        id,
			Path:      cfg.Block.Path,
			ReadOnly:  cfg.Block.ReadOnly,
			Direct:    cfg.Block.Direct,
			NumQueues: cfg.Block.NumQueues,
			QueueSize: cfg.Block.QueueSize,
			Serial:    cfg.Block.Serial,
		})
	case types.DeviceNet:
		if cfg.Net == nil {
			return handle, fmt.Errorf("net config missing")
		}
		info, err = client.AddNet(ctx, controlplane.Net{
			ID:  id,
			Tap: cfg.Net.TapName,
			Mac: cfg.Net.MacAddr,
		})
	case types.DeviceVsock:
		if cfg.Vsock == nil {
			return handle, fmt.Errorf("vsock config missing")
		}
		info, err = client.AddVsock(ctx, controlplane.Vsock{
			ID:     id,
			CID:    cfg.Vsock.GuestCID,
			Socket: cfg.Vsock.SocketPath,
		})
	case types.DeviceFsShare:
		if cfg.FsShare == nil {
			return handle, fmt.Errorf("fs-share config missing")
		}
		_, err = client.AddFs(ctx, controlplane.Fs{
			ID:     id,
			Tag:    cfg.FsShare.Tag,
			Socket: cfg.FsShare.SocketPath,
		})
		handle.VirtPath = cfg.FsShare.Tag
	default:
		return handle, fmt.Errorf("unknown device kind %q", cfg.Kind)
	}
	if err != nil {
		return handle, err
	}
	if info != nil {
		handle.PCIPath = info.BDF
	}
	return handle, nil
}

// allocateID returns a device id unique within the sandbox, prefixed by kind
// so VMM logs stay readable.
func allocateID(kind types.DeviceKind) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
}
