//go:build linux

package platform

import (
	"fmt"
	"net"

	"github.com/coreos/go-iptables/iptables"
)

const redirectChain = "VEILD_DNS"

// dnsRedirect forces locally originated port-53 traffic toward the
// first tunnel resolver, so split-tunnel mode still captures resolvers
// hardcoded by applications.
type dnsRedirect struct {
	ipt    *iptables.IPTables
	target string
}

func newDNSRedirect(resolvers []net.IP) (*dnsRedirect, error) {
	var target net.IP
	for _, ip := range resolvers {
		if v4 := ip.To4(); v4 != nil {
			target = v4
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no IPv4 resolver to redirect to")
	}

	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, err
	}
	r := &dnsRedirect{ipt: ipt, target: target.String()}

	exists, err := ipt.ChainExists("nat", redirectChain)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := ipt.NewChain("nat", redirectChain); err != nil {
			return nil, err
		}
	} else if err := ipt.ClearChain("nat", redirectChain); err != nil {
		return nil, err
	}
	if err := ipt.AppendUnique("nat", redirectChain,
		"-p", "udp", "--dport", "53",
		"!", "-d", r.target,
		"-j", "DNAT", "--to-destination", r.target); err != nil {
		return nil, err
	}
	if err := ipt.AppendUnique("nat", "OUTPUT", "-p", "udp", "--dport", "53", "-j", redirectChain); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *dnsRedirect) remove() error {
	if err := r.ipt.DeleteIfExists("nat", "OUTPUT", "-p", "udp", "--dport", "53", "-j", redirectChain); err != nil {
		return err
	}
	if err := r.ipt.ClearChain("nat", redirectChain); err != nil {
		return err
	}
	return r.ipt.DeleteChain("nat", redirectChain)
}
