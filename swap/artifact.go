package swap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/types"
)

// cycle runs one provisioning attempt: pre-flight disk check → create
// artifact → mkswap → hot-plug → notify guest → commit. Every step from
// artifact creation onward rolls back everything created so far in this
// cycle before the error propagates - no partial file and no device the
// guest was never told about survives a failed cycle.
func (m *Manager) cycle(ctx context.Context, need int64) error {
	free, err := m.statfs(m.dir)
	if err != nil {
		return err
	}
	if free < need+m.margin {
		return fmt.Errorf("%d bytes free, need %d plus %d margin: %w",
			free, need, m.margin, ErrInsufficientDiskSpace)
	}

	m.mu.Lock()
	name := fmt.Sprintf("swap%d", m.nextID)
	m.mu.Unlock()
	path := filepath.Join(m.dir, name)

	if err := m.createArtifact(path, need); err != nil {
		return err
	}

	if err := m.format(ctx, path); err != nil {
		_ = os.Remove(path)
		return err
	}

	handle, err := m.devices.Attach(ctx, types.DeviceConfig{
		Kind: types.DeviceBlock,
		Block: &types.BlockDeviceConfig{
			Path:   path,
			Serial: name,
			Swap:   true,
		},
	})
	if err != nil {
		_ = os.Remove(path)
		return err
	}

	if err := m.notifyGuest(ctx, handle); err != nil {
		// The guest never learned about the device; undo the attach so
		// registry and guest stay in agreement.
		if detachErr := m.devices.Detach(ctx, handle.ID); detachErr != nil {
			log.WithFunc("swap.cycle").Warnf(ctx, "rollback detach %s: %v", handle.ID, detachErr)
		}
		_ = os.Remove(path)
		return err
	}

	m.mu.Lock()
	m.currentBytes += need
	m.nextID++
	m.mu.Unlock()
	return nil
}

// createArtifact streams zeroes to path in fixed-size chunks, checking for a
// stop request after every chunk so Stop is honoured within one chunk's
// latency. On any failure (or stop) the partial file is removed.
func (m *Manager) createArtifact(path string, size int64) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create swap artifact %s: %w", path, err)
	}
	defer func() {
		f.Close() //nolint:errcheck,gosec
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	chunk := make([]byte, chunkSize)
	for written := int64(0); written < size; {
		select {
		case <-m.stopCh:
			return ErrStopped
		default:
		}
		n := int64(len(chunk))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		if _, err = f.Write(chunk[:n]); err != nil {
			return fmt.Errorf("write swap artifact %s: %w", path, err)
		}
		written += n
	}

	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync swap artifact %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close swap artifact %s: %w", path, err)
	}
	return nil
}

// notifyGuest tells the agent to swapon the new device, selecting the call
// by which locator the attach populated.
func (m *Manager) notifyGuest(ctx context.Context, handle types.DeviceHandle) error {
	if handle.PCIPath != "" {
		return m.agent.AddSwap(ctx, handle.PCIPath)
	}
	return m.agent.AddSwapPath(ctx, handle.VirtPath)
}

// runMkswap formats the fully-written artifact. A non-zero exit is a hard
// failure for the cycle - the whole cycle restarts from artifact creation.
func runMkswap(ctx context.Context, path string) error {
	var outbuf, errbuf bytes.Buffer
	cmd := exec.CommandContext(ctx, mkswapPath, path) //nolint:gosec
	cmd.Stdout = &outbuf
	cmd.Stderr = &errbuf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mkswap %s: stdout %q stderr %q: %w",
			path, outbuf.String(), errbuf.String(), err)
	}
	return nil
}
