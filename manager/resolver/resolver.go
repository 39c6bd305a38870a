// Package resolver computes router host membership: which hosts must run a
// given router's distributed function, and which routers a given host needs.
// Membership is derived from live port placement, so the answers are
// read-only snapshots that the next lifecycle event re-derives.
package resolver

import (
	"sort"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state/store"
)

// Config tunes the DVR-serviceable predicate.
type Config struct {
	// ExtraServiceableOwners lists device owners beyond the compute
	// prefix whose ports pin a router to their host, for example the
	// loadbalancer owner or the DHCP owner when DHCP runs distributed.
	ExtraServiceableOwners []string
}

// DefaultConfig returns the stock serviceable-owner set.
func DefaultConfig() Config {
	return Config{
		ExtraServiceableOwners: []string{api.DeviceOwnerLoadbalancer},
	}
}

// Resolver answers host-membership queries for distributed routers.
type Resolver struct {
	extraOwners map[string]struct{}
}

// New creates a resolver with the given predicate configuration.
func New(cfg Config) *Resolver {
	extra := make(map[string]struct{}, len(cfg.ExtraServiceableOwners))
	for _, owner := range cfg.ExtraServiceableOwners {
		extra[owner] = struct{}{}
	}
	return &Resolver{extraOwners: extra}
}

// IsServiceable reports whether a port requires local routing on its bound
// host. Router-owned ports are never serviceable themselves.
func (r *Resolver) IsServiceable(p *api.Port) bool {
	if p.IsRouterOwned() {
		return false
	}
	if api.IsComputeOwner(p.DeviceOwner) {
		return true
	}
	_, ok := r.extraOwners[p.DeviceOwner]
	return ok
}

// SubnetIDsOnRouter returns the subnets of all interface ports attached to
// the router, distributed or centralized.
func (r *Resolver) SubnetIDsOnRouter(tx store.ReadTx, routerID string) []string {
	rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, rp := range rps {
		if rp.PortType != api.PortTypeRouterIntf && rp.PortType != api.PortTypeDVRIntf {
			continue
		}
		p := store.GetPort(tx, rp.PortID)
		if p == nil {
			continue
		}
		for _, id := range p.SubnetIDs() {
			seen[id] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// DVRRoutersBySubnetIDs returns the routers owning a distributed interface
// port on any of the given subnets.
func (r *Resolver) DVRRoutersBySubnetIDs(tx store.ReadTx, subnetIDs []string) []string {
	routers := make(map[string]struct{})
	for _, subnetID := range subnetIDs {
		ports, err := store.FindPorts(tx, store.BySubnetID(subnetID))
		if err != nil {
			continue
		}
		for _, p := range ports {
			if p.DeviceOwner != api.DeviceOwnerDVRIntf {
				continue
			}
			rp := store.GetRouterPort(tx, p.ID)
			if rp == nil {
				continue
			}
			routers[rp.RouterID] = struct{}{}
		}
	}
	return sortedKeys(routers)
}

// DVRHostsForRouter returns the hosts that must run the router: every host
// where a DVR-serviceable port is currently bound on one of the router's
// subnets. An in-flight migration target counts as a member host before the
// binding commits, so the destination agent is warmed in time.
func (r *Resolver) DVRHostsForRouter(tx store.ReadTx, routerID string) []string {
	subnetIDs := r.SubnetIDsOnRouter(tx, routerID)
	hosts := make(map[string]struct{})
	for _, subnetID := range subnetIDs {
		ports, err := store.FindPorts(tx, store.BySubnetID(subnetID))
		if err != nil {
			continue
		}
		for _, p := range ports {
			if !r.IsServiceable(p) {
				continue
			}
			if p.Binding.Host != "" {
				hosts[p.Binding.Host] = struct{}{}
			}
			if target := p.MigratingTo(); target != "" {
				hosts[target] = struct{}{}
			}
		}
	}
	return sortedKeys(hosts)
}

// DVRRouterIDsForHost is the inverse join: the routers that need a routing
// instance on the given host, derived from the serviceable ports bound (or
// migrating) there.
func (r *Resolver) DVRRouterIDsForHost(tx store.ReadTx, host string) []string {
	ports, err := store.FindPorts(tx, store.ByHost(host))
	if err != nil {
		return nil
	}
	subnets := make(map[string]struct{})
	for _, p := range ports {
		if !r.IsServiceable(p) {
			continue
		}
		for _, id := range p.SubnetIDs() {
			subnets[id] = struct{}{}
		}
	}
	if len(subnets) == 0 {
		return nil
	}
	return r.DVRRoutersBySubnetIDs(tx, sortedKeys(subnets))
}

// HasServiceablePortsOnHost reports whether any DVR-serviceable port is
// bound on the host within the given subnets. An empty subnet set matches
// nothing; it must not degenerate into an unfiltered query.
func (r *Resolver) HasServiceablePortsOnHost(tx store.ReadTx, host string, subnetIDs []string) bool {
	if len(subnetIDs) == 0 || host == "" {
		return false
	}
	wanted := make(map[string]struct{}, len(subnetIDs))
	for _, id := range subnetIDs {
		wanted[id] = struct{}{}
	}

	ports, err := store.FindPorts(tx, store.ByHost(host))
	if err != nil {
		return false
	}
	for _, p := range ports {
		if !r.IsServiceable(p) {
			continue
		}
		for _, fip := range p.FixedIPs {
			if _, ok := wanted[fip.SubnetID]; ok {
				return true
			}
		}
	}
	return false
}

// DVRInterfaceOnSubnet returns the distributed router interface port on a
// subnet, or nil when no distributed router is present there.
func (r *Resolver) DVRInterfaceOnSubnet(tx store.ReadTx, subnetID string) *api.Port {
	ports, err := store.FindPorts(tx, store.BySubnetID(subnetID))
	if err != nil {
		return nil
	}
	for _, p := range ports {
		if p.DeviceOwner == api.DeviceOwnerDVRIntf {
			return p
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
