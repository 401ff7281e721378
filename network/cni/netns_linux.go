package cni

import (
	"fmt"
	"runtime"
	"time"

	cns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// createNetns creates a named network namespace at /run/netns/{name}.
// netns.NewNamed is NOT thread-safe (no LockOSThread, no netns restore),
// so we handle that here.
func createNetns(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Save current netns to restore after NewNamed pollutes the thread.
	origNS, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origNS.Close() //nolint:errcheck

	ns, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("create netns %s: %w", name, err)
	}
	_ = ns.Close()

	// Restore: NewNamed leaves the thread in the new netns.
	if err := netns.Set(origNS); err != nil {
		return fmt.Errorf("restore netns: %w", err)
	}
	return nil
}

// deleteNetns removes a named network namespace.
// Retries briefly because the kernel may still hold a reference to the netns
// right after the VMM process is killed (fd cleanup is asynchronous).
func deleteNetns(name string) error {
	for range 10 {
		if err := netns.DeleteNamed(name); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond) //nolint:mnd
	}
	return netns.DeleteNamed(name)
}

// setupTCRedirect enters the target netns via the CNI plugins/pkg/ns closure
// and wires ifName to a fresh tap with TC mirred redirects in both
// directions. Returns ifName's MAC address.
func setupTCRedirect(nsPath, ifName, tapName string) (string, error) {
	var mac string
	err := cns.WithNetNSPath(nsPath, func(_ cns.NetNS) error {
		m, redirErr := tcRedirectInNS(ifName, tapName)
		mac = m
		return redirErr
	})
	return mac, err
}

// tcRedirectInNS runs inside the target netns.
//  1. Flush IP from ifName (the guest owns the address, not the netns).
//  2. Create the tap and bring both links up.
//  3. Add ingress qdiscs and mirror traffic eth↔tap via TC mirred redirect.
func tcRedirectInNS(ifName, tapName string) (string, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", ifName, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return "", fmt.Errorf("list addrs on %s: %w", ifName, err)
	}
	for _, addr := range addrs {
		if delErr := netlink.AddrDel(link, &addr); delErr != nil {
			return "", fmt.Errorf("flush addr %s on %s: %w", addr.IPNet, ifName, delErr)
		}
	}
	mac := link.Attrs().HardwareAddr.String()

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
	}
	if addErr := netlink.LinkAdd(tap); addErr != nil {
		return "", fmt.Errorf("add tap %s: %w", tapName, addErr)
	}
	tapLink, err := netlink.LinkByName(tapName)
	if err != nil {
		return "", fmt.Errorf("find tap %s: %w", tapName, err)
	}

	for _, l := range []netlink.Link{link, tapLink} {
		if upErr := netlink.LinkSetUp(l); upErr != nil {
			return "", fmt.Errorf("set %s up: %w", l.Attrs().Name, upErr)
		}
		if qdiscErr := addIngressQdisc(l); qdiscErr != nil {
			return "", fmt.Errorf("add ingress qdisc on %s: %w", l.Attrs().Name, qdiscErr)
		}
	}

	if err := addRedirectFilter(link, tapLink); err != nil {
		return "", fmt.Errorf("redirect %s → %s: %w", ifName, tapName, err)
	}
	if err := addRedirectFilter(tapLink, link); err != nil {
		return "", fmt.Errorf("redirect %s → %s: %w", tapName, ifName, err)
	}
	return mac, nil
}

func addIngressQdisc(l netlink.Link) error {
	return netlink.QdiscAdd(&netlink.Ingress{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: l.Attrs().Index,
			Parent:    netlink.HANDLE_INGRESS,
		},
	})
}

// addRedirectFilter steals everything arriving on from's ingress and emits
// it on to's egress.
func addRedirectFilter(from, to netlink.Link) error {
	return netlink.FilterAdd(&netlink.U32{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: from.Attrs().Index,
			Parent:    netlink.MakeHandle(0xffff, 0), //nolint:mnd
			Protocol:  unix.ETH_P_ALL,
		},
		Actions: []netlink.Action{
			&netlink.MirredAction{
				ActionAttrs:  netlink.ActionAttrs{Action: netlink.TC_ACT_STOLEN},
				MirredAction: netlink.TCA_EGRESS_REDIR,
				Ifindex:      to.Attrs().Index,
			},
		},
	})
}
