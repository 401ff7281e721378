package cni

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containernetworking/cni/libcni"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/lock"
	"github.com/projecteru2/cradle/lock/flock"
	"github.com/projecteru2/cradle/storage"
	storejson "github.com/projecteru2/cradle/storage/json"
	"github.com/projecteru2/cradle/types"
)

const typ = "cni"

// CNI provisions sandbox networking with CNI plugins: a named netns per
// sandbox, one veth NIC per requested interface, and a tap device wired to
// each NIC for the VMM.
type CNI struct {
	conf            *config.Config
	store           storage.Store[networkIndex]
	locker          lock.Locker
	networkConfList *libcni.NetworkConfigList
	cniConf         *libcni.CNIConfig
}

// New creates a CNI network provider.
// Conflist loading is best-effort at creation time; with no conflist present
// (e.g. sandboxes without networking), Delete/Inspect/List still work.
// Setup will fail with ErrNotConfigured.
func New(conf *config.Config) (*CNI, error) {
	if err := conf.EnsureCNIDirs(); err != nil {
		return nil, fmt.Errorf("ensure cni dirs: %w", err)
	}

	locker := flock.New(conf.CNIIndexLock())
	store := storejson.New[networkIndex](conf.CNIIndexFile(), locker)

	c := &CNI{
		conf:   conf,
		store:  store,
		locker: locker,
	}

	if confList, loadErr := loadFirstConfList(conf.CNIConfDir); loadErr == nil {
		c.networkConfList = confList
		c.cniConf = libcni.NewCNIConfigWithCacheDir(
			[]string{conf.CNIBinDir},
			conf.CNICacheDir(),
			nil,
		)
	}

	return c, nil
}

func (c *CNI) Type() string { return typ }

// Inspect returns the network record for a single network ID.
// Returns (nil, nil) if not found.
func (c *CNI) Inspect(ctx context.Context, id string) (*types.Network, error) {
	var result *types.Network
	return result, c.store.With(ctx, func(idx *networkIndex) error {
		rec := idx.Networks[id]
		if rec == nil {
			return nil
		}
		net := rec.Network // value copy
		result = &net
		return nil
	})
}

// List returns all known network records.
func (c *CNI) List(ctx context.Context) ([]*types.Network, error) {
	var result []*types.Network
	return result, c.store.With(ctx, func(idx *networkIndex) error {
		for _, rec := range idx.Networks {
			if rec == nil {
				continue
			}
			net := rec.Network
			result = append(result, &net)
		}
		return nil
	})
}

// Delete removes all network resources for the given sandbox IDs:
//  1. CNI DEL for each NIC (releases IP from IPAM, removes veth pair).
//  2. Remove the named netns (kernel cleans up the tap automatically).
//  3. Remove network records from the DB.
//
// Best-effort: failing to clean one sandbox does not block others.
// Returns the sandbox IDs that were fully cleaned.
func (c *CNI) Delete(ctx context.Context, sandboxIDs []string) ([]string, error) {
	var deleted []string
	var errs []error
	for _, id := range sandboxIDs {
		if err := c.deleteSandbox(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("sandbox %s: %w", id, err))
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, errors.Join(errs...)
}

// deleteSandbox cleans up all network resources for a single sandbox.
func (c *CNI) deleteSandbox(ctx context.Context, sandboxID string) error {
	logger := log.WithFunc("cni.deleteSandbox")

	// Collect value-copies of records for this sandbox.
	var records []networkRecord
	if err := c.store.With(ctx, func(idx *networkIndex) error {
		records = idx.bySandboxID(sandboxID)
		return nil
	}); err != nil {
		return fmt.Errorf("read network index: %w", err)
	}

	// Nothing to clean - sandbox had no network or was already cleaned.
	if len(records) == 0 {
		return nil
	}

	nsPath := c.conf.CNINetnsPath(sandboxID)

	// CNI DEL for each NIC - releases IPs from IPAM and removes veth pairs.
	// Best-effort: log failures but continue. Netns deletion cleans up
	// devices anyway; CNI DEL is primarily for IPAM bookkeeping.
	if c.cniConf != nil && c.networkConfList != nil {
		for _, rec := range records {
			rt := &libcni.RuntimeConf{
				ContainerID: sandboxID,
				NetNS:       nsPath,
				IfName:      rec.IfName,
			}
			if err := c.cniConf.DelNetworkList(ctx, c.networkConfList, rt); err != nil {
				logger.Warnf(ctx, "CNI DEL %s/%s: %v (continuing)", sandboxID, rec.IfName, err)
			}
		}
	}

	// Remove the named netns (unmount bind-mount + remove file).
	// deleteNetns retries briefly to handle async fd cleanup after process kill.
	nsName := c.conf.CNINetnsName(sandboxID)
	if err := deleteNetns(nsName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove netns %s: %w", nsPath, err)
	}

	// Remove records from DB.
	return c.store.Update(ctx, func(idx *networkIndex) error {
		for id, rec := range idx.Networks {
			if rec != nil && rec.SandboxID == sandboxID {
				delete(idx.Networks, id)
			}
		}
		return nil
	})
}

func loadFirstConfList(dir string) (*libcni.NetworkConfigList, error) {
	files, err := libcni.ConfFiles(dir, []string{".conflist"})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .conflist files in %s", dir)
	}
	// files are already sorted by ConfFiles.
	return libcni.ConfListFromFile(files[0])
}
