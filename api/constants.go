package api

// Device owners tag the functional role of a port. They are the primary
// dispatch key for DVR serviceability and binding decisions.
const (
	// DeviceOwnerComputePrefix prefixes all hypervisor-created instance
	// ports (for example "compute:az1").
	DeviceOwnerComputePrefix = "compute:"

	DeviceOwnerDHCP         = "network:dhcp"
	DeviceOwnerLoadbalancer = "service:loadbalancer"

	DeviceOwnerRouterIntf = "network:router_interface"
	DeviceOwnerDVRIntf    = "network:router_interface_distributed"
	DeviceOwnerRouterGW   = "network:router_gateway"
	DeviceOwnerRouterSNAT = "network:router_centralized_snat"
	DeviceOwnerAgentGW    = "network:floatingip_agent_gateway"
)

// RouterOwners lists every device owner reserved for router-owned ports.
// Ports with these owners are never DVR-serviceable themselves.
var RouterOwners = []string{
	DeviceOwnerRouterIntf,
	DeviceOwnerDVRIntf,
	DeviceOwnerRouterGW,
	DeviceOwnerRouterSNAT,
	DeviceOwnerAgentGW,
}

// VIF types describe how a port binding is realized on a host.
const (
	VIFTypeUnbound     = "unbound"
	VIFTypeOVS         = "ovs"
	VIFTypeDistributed = "distributed"
)

// BindingStatus is the lifecycle status of a distributed port binding.
type BindingStatus string

const (
	BindingStatusBuild  BindingStatus = "BUILD"
	BindingStatusDown   BindingStatus = "DOWN"
	BindingStatusActive BindingStatus = "ACTIVE"
)

// AgentType distinguishes the dataplane agents registered with the core.
type AgentType string

const (
	AgentTypeL3   AgentType = "l3"
	AgentTypeDHCP AgentType = "dhcp"
	AgentTypeOVS  AgentType = "ovs"
)

// AgentMode is the operating mode of an L3 agent.
type AgentMode string

const (
	AgentModeLegacy  AgentMode = "legacy"
	AgentModeDVR     AgentMode = "dvr"
	AgentModeDVRSNAT AgentMode = "dvr_snat"
)

// RouterPort association types. These mirror the device owner of the
// associated port.
const (
	PortTypeRouterIntf = DeviceOwnerRouterIntf
	PortTypeDVRIntf    = DeviceOwnerDVRIntf
	PortTypeRouterGW   = DeviceOwnerRouterGW
	PortTypeRouterSNAT = DeviceOwnerRouterSNAT
)

// ProfileMigratingTo is the binding profile key carrying the live-migration
// target host while the hop is in flight.
const ProfileMigratingTo = "migrating_to"
