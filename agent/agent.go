package agent

import (
	"context"

	"github.com/projecteru2/core/log"
)

// Client is the in-guest agent collaborator, reached over the sandbox vsock
// transport. Only the operations the control plane invokes are modelled
// here; the agent's container/exec surface lives elsewhere.
type Client interface {
	// AddSwap tells the guest to swapon the block device at the given
	// PCI path.
	AddSwap(ctx context.Context, pciPath string) error
	// AddSwapPath tells the guest to swapon the file at the given
	// virtio-fs path.
	AddSwapPath(ctx context.Context, virtPath string) error
}

// Noop is a Client that logs and succeeds. Used when no guest agent is
// deployed in the image, and by tests.
type Noop struct{}

var _ Client = Noop{}

func (Noop) AddSwap(ctx context.Context, pciPath string) error {
	log.WithFunc("agent.AddSwap").Infof(ctx, "noop agent: swapon pci %s", pciPath)
	return nil
}

func (Noop) AddSwapPath(ctx context.Context, virtPath string) error {
	log.WithFunc("agent.AddSwapPath").Infof(ctx, "noop agent: swapon path %s", virtPath)
	return nil
}
