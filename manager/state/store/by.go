package store

import "github.com/netplane/dvrkit/api"

// By is an interface type passed to Find methods. Implementations must be
// defined in this package.
type By interface {
	// isBy allows this interface to only be satisfied by certain internal
	// types.
	isBy()
}

type byAll struct{}

func (a byAll) isBy() {
}

// All is an argument that can be passed to find to list all items in the
// set.
var All byAll

type byNetworkID string

func (b byNetworkID) isBy() {
}

// ByNetworkID creates an object to pass to Find to select by network.
func ByNetworkID(networkID string) By {
	return byNetworkID(networkID)
}

type byHost string

func (b byHost) isBy() {
}

// ByHost creates an object to pass to Find to select by bound host. For
// ports this also matches an in-flight migration target host, so a
// destination agent is already considered a member before the binding
// commits.
func ByHost(host string) By {
	return byHost(host)
}

type byDeviceOwner string

func (b byDeviceOwner) isBy() {
}

// ByDeviceOwner creates an object to pass to Find to select ports by exact
// device owner.
func ByDeviceOwner(owner string) By {
	return byDeviceOwner(owner)
}

type byDeviceOwnerPrefix string

func (b byDeviceOwnerPrefix) isBy() {
}

// ByDeviceOwnerPrefix creates an object to pass to Find to select ports
// whose device owner starts with the given prefix.
func ByDeviceOwnerPrefix(ownerPrefix string) By {
	return byDeviceOwnerPrefix(ownerPrefix)
}

type bySubnetID string

func (b bySubnetID) isBy() {
}

// BySubnetID creates an object to pass to Find to select ports with a fixed
// IP on the given subnet.
func BySubnetID(subnetID string) By {
	return bySubnetID(subnetID)
}

type byPortID string

func (b byPortID) isBy() {
}

// ByPortID creates an object to pass to Find to select by associated port.
func ByPortID(portID string) By {
	return byPortID(portID)
}

type byRouterID string

func (b byRouterID) isBy() {
}

// ByRouterID creates an object to pass to Find to select by owning router.
func ByRouterID(routerID string) By {
	return byRouterID(routerID)
}

type byAgentID string

func (b byAgentID) isBy() {
}

// ByAgentID creates an object to pass to Find to select by agent.
func ByAgentID(agentID string) By {
	return byAgentID(agentID)
}

type byAgentType api.AgentType

func (b byAgentType) isBy() {
}

// ByAgentType creates an object to pass to Find to select agents by type.
func ByAgentType(agentType api.AgentType) By {
	return byAgentType(agentType)
}
