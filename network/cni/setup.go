package cni

import (
	"context"
	"fmt"

	"github.com/containernetworking/cni/libcni"
	cnitypes "github.com/containernetworking/cni/pkg/types"
	current "github.com/containernetworking/cni/pkg/types/100"
	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/network"
	"github.com/projecteru2/cradle/types"
)

const defaultQueueSize = 256

// Setup creates the network namespace, runs CNI ADD for each NIC, wires a
// tap to each NIC inside the netns, and returns NetworkConfigs ready for the
// VMM's boot-time net devices.
//
// Flow per NIC:
//  1. Create named netns cradle-{sandboxID}
//  2. CNI ADD (containerID=sandboxID, netns path, ifName=eth{i})
//  3. Inside netns: flush eth{i} IP, create tap{i}, redirect via TC mirred
//  4. Return NetworkConfig{Tap: "tap{i}", Mac: eth{i}'s MAC, Network: CNI result}
func (c *CNI) Setup(ctx context.Context, sandboxID string, numNICs, queues int) (configs []*types.NetworkConfig, retErr error) {
	if c.networkConfList == nil || c.cniConf == nil {
		return nil, fmt.Errorf("%w: no conflist found in %s", network.ErrNotConfigured, c.conf.CNIConfDir)
	}
	logger := log.WithFunc("cni.Setup")

	nsName := c.conf.CNINetnsName(sandboxID)
	nsPath := c.conf.CNINetnsPath(sandboxID)

	// Step 1: create named network namespace (platform-specific).
	if err := createNetns(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	// Track successfully added CNI interfaces for rollback.
	var addedIFs []string
	defer func() {
		if retErr == nil {
			return
		}
		// Rollback: CNI DEL for each successfully added NIC to release IPAM.
		for _, ifn := range addedIFs {
			rt := &libcni.RuntimeConf{
				ContainerID: sandboxID,
				NetNS:       nsPath,
				IfName:      ifn,
			}
			if delErr := c.cniConf.DelNetworkList(ctx, c.networkConfList, rt); delErr != nil {
				logger.Warnf(ctx, "rollback CNI DEL %s/%s: %v", sandboxID, ifn, delErr)
			}
		}
		_ = deleteNetns(nsName)
	}()

	for i := range numNICs {
		ifName := fmt.Sprintf("eth%d", i)
		tapName := fmt.Sprintf("tap%d", i)

		// Step 2: CNI ADD - creates veth pair, assigns IP via IPAM.
		rt := &libcni.RuntimeConf{
			ContainerID: sandboxID,
			NetNS:       nsPath,
			IfName:      ifName,
		}
		cniResult, err := c.cniConf.AddNetworkList(ctx, c.networkConfList, rt)
		if err != nil {
			return nil, fmt.Errorf("CNI ADD %s/%s: %w", sandboxID, ifName, err)
		}
		addedIFs = append(addedIFs, ifName)

		netInfo, err := extractNetworkInfo(cniResult, sandboxID, i)
		if err != nil {
			return nil, fmt.Errorf("parse CNI result: %w", err)
		}

		// Step 3: inside netns - flush IP, create tap, wire via TC redirect
		// (platform-specific). Returns eth{i}'s MAC so the guest virtio-net
		// uses the same address, required for anti-spoofing CNI plugins
		// (Cilium, Calico eBPF, VPC ENI).
		mac, setupErr := setupTCRedirect(nsPath, ifName, tapName)
		if setupErr != nil {
			return nil, fmt.Errorf("setup tc-redirect %s: %w", sandboxID, setupErr)
		}

		configs = append(configs, &types.NetworkConfig{
			Tap:       tapName,
			Mac:       mac,
			Queues:    queues,
			QueueSize: defaultQueueSize,
			Network:   netInfo,
		})

		logger.Infof(ctx, "NIC %d: %s ip=%s gw=%s tap=%s mac=%s",
			i, ifName, netInfo.IP, netInfo.Gateway, tapName, mac)
	}

	// Step 4: persist network records to DB.
	return configs, c.store.Update(ctx, func(idx *networkIndex) error {
		for i, cfg := range configs {
			netID := fmt.Sprintf("net-%s", uuid.NewString()[:8])
			cfg.Network.ID = netID
			cfg.Network.Type = c.networkConfList.Name
			idx.Networks[netID] = &networkRecord{
				Network:   *cfg.Network,
				SandboxID: sandboxID,
				IfName:    fmt.Sprintf("eth%d", i),
			}
		}
		return nil
	})
}

// extractNetworkInfo parses the CNI ADD result into types.Network.
func extractNetworkInfo(result cnitypes.Result, sandboxID string, nicIdx int) (*types.Network, error) {
	newResult, err := current.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}
	if len(newResult.IPs) == 0 {
		return nil, fmt.Errorf("CNI returned no IPs for %s NIC %d", sandboxID, nicIdx)
	}

	ip := newResult.IPs[0]
	ones, _ := ip.Address.Mask.Size()

	info := &types.Network{
		IP:     ip.Address.IP.String(),
		Prefix: ones,
	}
	if ip.Gateway != nil {
		info.Gateway = ip.Gateway.String()
	}
	return info, nil
}
