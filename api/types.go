package api

import (
	"strings"
	"time"
)

// Version tracks the last modification to an object. An update with a stale
// version is rejected with a sequence conflict, which callers are expected
// to retry in a fresh transaction.
type Version struct {
	Index uint64
}

// Meta carries bookkeeping common to all stored objects.
type Meta struct {
	Version   Version
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FixedIP is a single IP assignment of a port on a subnet.
type FixedIP struct {
	SubnetID  string
	IPAddress string
}

// AddressPair is an additional address a port is allowed to send from
// (VRRP-style address sharing).
type AddressPair struct {
	IPAddress  string
	MACAddress string
}

// PortBinding is the single-valued binding of a port to a host. It is owned
// exclusively by the port; distributed (multi-valued) bindings live in
// DistributedBinding rows instead.
type PortBinding struct {
	Host     string
	VIFType  string
	VNICType string
	Profile  map[string]string
}

// BorrowedOwner records that a port's identity has been temporarily
// inherited from a service port through an allowed-address-pair
// association, so the original identity can be restored on revert.
type BorrowedOwner struct {
	DeviceOwner string
}

// Port is a virtual network attachment point.
type Port struct {
	ID string
	Meta
	NetworkID    string
	TenantID     string
	Name         string
	DeviceOwner  string
	DeviceID     string
	MACAddress   string
	AdminStateUp bool
	Status       BindingStatus
	FixedIPs     []FixedIP
	AllowedPairs []AddressPair
	Binding      PortBinding

	// Borrowed is set while the port's device owner and host are
	// inherited from an allowed-address-pair service port.
	Borrowed *BorrowedOwner
}

// SubnetIDs returns the set of subnets the port has an address on, in
// fixed-IP order, without duplicates.
func (p *Port) SubnetIDs() []string {
	seen := make(map[string]struct{}, len(p.FixedIPs))
	var ids []string
	for _, fip := range p.FixedIPs {
		if _, ok := seen[fip.SubnetID]; ok {
			continue
		}
		seen[fip.SubnetID] = struct{}{}
		ids = append(ids, fip.SubnetID)
	}
	return ids
}

// MigratingTo returns the live-migration target host, if any.
func (p *Port) MigratingTo() string {
	if p.Binding.Profile == nil {
		return ""
	}
	return p.Binding.Profile[ProfileMigratingTo]
}

// IsRouterOwned reports whether the port belongs to a router function.
func (p *Port) IsRouterOwned() bool {
	for _, owner := range RouterOwners {
		if p.DeviceOwner == owner {
			return true
		}
	}
	return false
}

// Copy returns a deep copy of the port.
func (p *Port) Copy() *Port {
	if p == nil {
		return nil
	}
	c := *p
	c.FixedIPs = append([]FixedIP(nil), p.FixedIPs...)
	c.AllowedPairs = append([]AddressPair(nil), p.AllowedPairs...)
	if p.Binding.Profile != nil {
		c.Binding.Profile = make(map[string]string, len(p.Binding.Profile))
		for k, v := range p.Binding.Profile {
			c.Binding.Profile[k] = v
		}
	}
	if p.Borrowed != nil {
		b := *p.Borrowed
		c.Borrowed = &b
	}
	return &c
}

// BindingLevel is one step of a hierarchical port binding, recorded per
// (port, host) by the mechanism drivers that completed it.
type BindingLevel struct {
	Level     int
	Driver    string
	SegmentID string
}

// DistributedBinding is the per-(port, host) binding row for DVR interface
// ports. A DVR interface port has at most one row per host.
type DistributedBinding struct {
	ID string
	Meta
	PortID   string
	Host     string
	RouterID string
	Status   BindingStatus
	VIFType  string
	Levels   []BindingLevel
}

// Stale reports whether the binding carries no router and is down, meaning
// it can be reaped.
func (b *DistributedBinding) Stale() bool {
	return b.RouterID == "" && b.Status == BindingStatusDown
}

// Copy returns a deep copy of the binding.
func (b *DistributedBinding) Copy() *DistributedBinding {
	if b == nil {
		return nil
	}
	c := *b
	c.Levels = append([]BindingLevel(nil), b.Levels...)
	return &c
}

// Subnet is an address block on a network.
type Subnet struct {
	ID string
	Meta
	NetworkID string
	TenantID  string
	Name      string
	CIDR      string
	GatewayIP string
	IPVersion int
}

// Copy returns a copy of the subnet.
func (s *Subnet) Copy() *Subnet {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Router is a virtual router. Distributed routers forward East/West and
// floating-IP traffic on every member host, with SNAT centralized on a
// designated gateway host.
type Router struct {
	ID string
	Meta
	TenantID     string
	Name         string
	Distributed  bool
	HA           bool
	AdminStateUp bool
	GWPortID     string
	GWNetworkID  string
}

// Copy returns a copy of the router.
func (r *Router) Copy() *Router {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// RouterPort associates a port with the router owning it. A port belongs to
// at most one router, so the association is keyed by port ID.
type RouterPort struct {
	PortID string
	Meta
	RouterID string
	PortType string
}

// Copy returns a copy of the association.
func (rp *RouterPort) Copy() *RouterPort {
	if rp == nil {
		return nil
	}
	c := *rp
	return &c
}

// Agent is a per-host dataplane agent registered with the control plane.
type Agent struct {
	ID string
	Meta
	AgentType        AgentType
	Host             string
	Mode             AgentMode
	AdminStateUp     bool
	HeartbeatAt      time.Time
	AvailabilityZone string
}

// Copy returns a copy of the agent.
func (a *Agent) Copy() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// AgentBinding records that an L3 agent hosts a router's centralized
// function. For a DVR router at most one such binding exists (the SNAT
// host); a legacy or HA router may have several.
type AgentBinding struct {
	ID string
	Meta
	RouterID string
	AgentID  string
}

// AgentBindingID builds the natural key of a router-agent binding.
func AgentBindingID(routerID, agentID string) string {
	return routerID + "/" + agentID
}

// Copy returns a copy of the binding.
func (ab *AgentBinding) Copy() *AgentBinding {
	if ab == nil {
		return nil
	}
	c := *ab
	return &c
}

// FloatingIP is an external address mapped onto an internal fixed IP.
type FloatingIP struct {
	ID string
	Meta
	TenantID          string
	FloatingNetworkID string
	FloatingIPAddress string
	RouterID          string
	FixedPortID       string
	FixedIPAddress    string
}

// Copy returns a copy of the floating IP.
func (f *FloatingIP) Copy() *FloatingIP {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// IsComputeOwner reports whether a device owner denotes an instance port.
func IsComputeOwner(owner string) bool {
	return strings.HasPrefix(owner, DeviceOwnerComputePrefix)
}
