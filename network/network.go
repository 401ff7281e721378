package network

import (
	"context"
	"errors"

	"github.com/projecteru2/cradle/types"
)

// ErrNotConfigured is returned when networking is requested but the provider
// has no usable configuration on this host.
var ErrNotConfigured = errors.New("network provider not configured")

// Provider provisions guest networking: a network namespace per sandbox plus
// one tap device per NIC, wired to the host fabric.
type Provider interface {
	Type() string

	// Setup creates the sandbox's netns and NICs and returns the boot-time
	// net device configurations. All-or-nothing per sandbox.
	Setup(ctx context.Context, sandboxID string, numNICs, queues int) ([]*types.NetworkConfig, error)
	// Delete tears down all network resources of the given sandboxes.
	// Best-effort: one failed sandbox does not block the others. Returns the
	// IDs that were fully cleaned.
	Delete(ctx context.Context, sandboxIDs []string) ([]string, error)
	Inspect(ctx context.Context, id string) (*types.Network, error)
	List(ctx context.Context) ([]*types.Network, error)
}
