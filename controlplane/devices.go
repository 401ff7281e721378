package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
)

// Hot-plug RPCs. Each returns the VMM's PCI placement for the new device
// when the endpoint answers 200; a 204 means the backend attached the device
// without a PCI identity (e.g. MMIO transport) and the caller falls back to
// its own locator.

// AddDisk hot-plugs a block device into the running guest.
func (c *Client) AddDisk(ctx context.Context, disk Disk) (*PCIDeviceInfo, error) {
	return c.addDevice(ctx, "vm.add-disk", disk)
}

// AddNet hot-plugs a network device into the running guest.
func (c *Client) AddNet(ctx context.Context, net Net) (*PCIDeviceInfo, error) {
	return c.addDevice(ctx, "vm.add-net", net)
}

// AddFs hot-plugs a virtio-fs share into the running guest.
func (c *Client) AddFs(ctx context.Context, fs Fs) (*PCIDeviceInfo, error) {
	return c.addDevice(ctx, "vm.add-fs", fs)
}

// AddVsock hot-plugs a vsock device into the running guest.
func (c *Client) AddVsock(ctx context.Context, vsock Vsock) (*PCIDeviceInfo, error) {
	return c.addDevice(ctx, "vm.add-vsock", vsock)
}

// RemoveDevice hot-unplugs a device by its VMM-side ID.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	data, err := json.Marshal(RemoveDeviceRequest{ID: id})
	if err != nil {
		return fmt.Errorf("marshal remove-device: %w", err)
	}
	_, err = c.doPUT(ctx, "vm.remove-device", data)
	return err
}

func (c *Client) addDevice(ctx context.Context, op string, payload any) (*PCIDeviceInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op, err)
	}
	body, err := c.doPUT(ctx, op, data)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var info PCIDeviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", op, err)
	}
	return &info, nil
}
