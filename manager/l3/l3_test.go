package l3

import (
	"context"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/errdefs"
	"github.com/netplane/dvrkit/manager/drivers"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/resolver"
	"github.com/netplane/dvrkit/manager/scheduler"
	"github.com/netplane/dvrkit/manager/state/store"
)

type recordingCaster struct {
	mu    sync.Mutex
	casts []string
}

func (c *recordingCaster) Cast(subject string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.casts = append(c.casts, subject)
	return nil
}

func newTestService(t *testing.T) (*store.MemoryStore, *Service) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(s.Close)
	disp := notifier.New(s, &recordingCaster{})
	reg := drivers.NewRegistry()
	bindings := scheduler.New(s, resolver.New(resolver.DefaultConfig()), disp,
		reg, fakeclock.NewFakeClock(time.Now()), scheduler.DefaultConfig())
	return s, New(s, bindings, disp, reg)
}

func createSubnet(t *testing.T, s *store.MemoryStore, subnet *api.Subnet) {
	t.Helper()
	require.NoError(t, s.Update(func(tx store.Tx) error {
		return store.CreateSubnet(tx, subnet)
	}))
}

func TestAddRouterInterface(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})

	port, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	assert.Equal(t, api.DeviceOwnerDVRIntf, port.DeviceOwner)
	assert.Equal(t, "router1", port.DeviceID)
	require.Len(t, port.FixedIPs, 1)
	assert.Equal(t, "10.0.0.1", port.FixedIPs[0].IPAddress)

	s.View(func(tx store.ReadTx) {
		rp := store.GetRouterPort(tx, port.ID)
		require.NotNil(t, rp)
		assert.Equal(t, api.PortTypeDVRIntf, rp.PortType)
	})

	// The subnet is taken.
	_, err = svc.AddRouterInterface(ctx, "router1", "subnet1")
	assert.True(t, errdefs.IsConflict(err))

	_, err = svc.AddRouterInterface(ctx, "missing", "subnet1")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = svc.AddRouterInterface(ctx, "router1", "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAddRouterInterfaceCentralized(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1"}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})

	port, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	assert.Equal(t, api.DeviceOwnerRouterIntf, port.DeviceOwner)
}

func TestGatewayCreatesSnatInterfaces(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})
	createSubnet(t, s, &api.Subnet{
		ID: "subnet2", NetworkID: "net1", CIDR: "10.0.1.0/24", GatewayIP: "10.0.1.1", IPVersion: 4,
	})

	// Interfaces first, gateway second: the gateway sync materializes one
	// SNAT interface per attached subnet.
	_, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	_, err = svc.AddRouterInterface(ctx, "router1", "subnet2")
	require.NoError(t, err)

	s.View(func(tx store.ReadTx) {
		assert.Empty(t, SnatSyncInterfaces(tx, "router1"))
	})

	require.NoError(t, svc.SetRouterGateway(ctx, "router1", "extnet"))

	s.View(func(tx store.ReadTx) {
		snats := SnatSyncInterfaces(tx, "router1")
		require.Len(t, snats, 2)
		subnets := map[string]struct{}{}
		for _, snat := range snats {
			assert.Equal(t, api.DeviceOwnerRouterSNAT, snat.DeviceOwner)
			require.Len(t, snat.FixedIPs, 1)
			subnets[snat.FixedIPs[0].SubnetID] = struct{}{}
		}
		assert.Len(t, subnets, 2)

		router := store.GetRouter(tx, "router1")
		assert.NotEmpty(t, router.GWPortID)
		assert.Equal(t, "extnet", router.GWNetworkID)
	})

	// With the gateway in place, a later interface add brings its SNAT
	// interface along immediately.
	createSubnet(t, s, &api.Subnet{
		ID: "subnet3", NetworkID: "net1", CIDR: "10.0.2.0/24", GatewayIP: "10.0.2.1", IPVersion: 4,
	})
	_, err = svc.AddRouterInterface(ctx, "router1", "subnet3")
	require.NoError(t, err)
	s.View(func(tx store.ReadTx) {
		assert.Len(t, SnatSyncInterfaces(tx, "router1"), 3)
	})
}

func TestSharedIPv6SnatPortTrimsBeforeDelete(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	require.NoError(t, svc.SetRouterGateway(ctx, "router1", "extnet"))
	createSubnet(t, s, &api.Subnet{
		ID: "v6a", NetworkID: "net1", CIDR: "2001:db8:a::/64", GatewayIP: "2001:db8:a::1", IPVersion: 6,
	})
	createSubnet(t, s, &api.Subnet{
		ID: "v6b", NetworkID: "net1", CIDR: "2001:db8:b::/64", GatewayIP: "2001:db8:b::1", IPVersion: 6,
	})

	_, err := svc.AddRouterInterface(ctx, "router1", "v6a")
	require.NoError(t, err)
	_, err = svc.AddRouterInterface(ctx, "router1", "v6b")
	require.NoError(t, err)

	// Both subnets share one SNAT port on the network.
	var snatID string
	s.View(func(tx store.ReadTx) {
		snats := SnatSyncInterfaces(tx, "router1")
		require.Len(t, snats, 1)
		assert.Len(t, snats[0].FixedIPs, 2)
		snatID = snats[0].ID
	})

	// Removing one subnet trims the port instead of deleting it.
	require.NoError(t, svc.RemoveRouterInterface(ctx, "router1", "v6a"))
	s.View(func(tx store.ReadTx) {
		snats := SnatSyncInterfaces(tx, "router1")
		require.Len(t, snats, 1)
		assert.Equal(t, snatID, snats[0].ID)
		require.Len(t, snats[0].FixedIPs, 1)
		assert.Equal(t, "v6b", snats[0].FixedIPs[0].SubnetID)
	})

	// Removing the last subnet deletes the port.
	require.NoError(t, svc.RemoveRouterInterface(ctx, "router1", "v6b"))
	s.View(func(tx store.ReadTx) {
		assert.Empty(t, SnatSyncInterfaces(tx, "router1"))
		assert.Nil(t, store.GetPort(tx, snatID))
	})
}

func TestRemoveRouterInterface(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})
	port, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveRouterInterface(ctx, "router1", "subnet1"))
	s.View(func(tx store.ReadTx) {
		assert.Nil(t, store.GetPort(tx, port.ID))
		assert.Nil(t, store.GetRouterPort(tx, port.ID))
	})

	err = svc.RemoveRouterInterface(ctx, "router1", "subnet1")
	assert.True(t, errdefs.IsNotFound(err))
	err = svc.RemoveRouterInterface(ctx, "missing", "subnet1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteRouterGuards(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})
	_, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	require.NoError(t, svc.SetRouterGateway(ctx, "router1", "extnet"))

	// Gateway first, then interfaces, then the router itself.
	assert.True(t, errdefs.IsConflict(svc.DeleteRouter(ctx, "router1")))
	require.NoError(t, svc.ClearRouterGateway(ctx, "router1"))
	assert.True(t, errdefs.IsConflict(svc.DeleteRouter(ctx, "router1")))
	require.NoError(t, svc.RemoveRouterInterface(ctx, "router1", "subnet1"))
	require.NoError(t, svc.DeleteRouter(ctx, "router1"))

	s.View(func(tx store.ReadTx) {
		assert.Nil(t, store.GetRouter(tx, "router1"))
	})
	assert.True(t, errdefs.IsNotFound(svc.DeleteRouter(ctx, "router1")))
}

func TestClearRouterGatewayTearsDownSnat(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})
	_, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	require.NoError(t, svc.SetRouterGateway(ctx, "router1", "extnet"))

	var gwPortID string
	s.View(func(tx store.ReadTx) {
		gwPortID = store.GetRouter(tx, "router1").GWPortID
		assert.Len(t, SnatSyncInterfaces(tx, "router1"), 1)
	})

	require.NoError(t, svc.ClearRouterGateway(ctx, "router1"))
	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		assert.Empty(t, router.GWPortID)
		assert.Empty(t, router.GWNetworkID)
		assert.Nil(t, store.GetPort(tx, gwPortID))
		assert.Empty(t, SnatSyncInterfaces(tx, "router1"))
	})

	// Clearing an absent gateway is a no-op.
	require.NoError(t, svc.ClearRouterGateway(ctx, "router1"))
}

func TestFloatingIPAssociation(t *testing.T) {
	s, svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateRouter(ctx, &api.Router{ID: "router1", Distributed: true}))
	createSubnet(t, s, &api.Subnet{
		ID: "subnet1", NetworkID: "net1", CIDR: "10.0.0.0/24", GatewayIP: "10.0.0.1", IPVersion: 4,
	})
	_, err := svc.AddRouterInterface(ctx, "router1", "subnet1")
	require.NoError(t, err)
	require.NoError(t, svc.SetRouterGateway(ctx, "router1", "extnet"))

	require.NoError(t, s.Update(func(tx store.Tx) error {
		return store.CreatePort(tx, &api.Port{
			ID: "vm1", NetworkID: "net1", DeviceOwner: "compute:az1", AdminStateUp: true,
			FixedIPs: []api.FixedIP{{SubnetID: "subnet1", IPAddress: "10.0.0.10"}},
			Binding:  api.PortBinding{Host: "host1"},
		})
	}))
	require.NoError(t, svc.CreateFloatingIP(ctx, &api.FloatingIP{
		ID: "fip1", FloatingNetworkID: "extnet", FloatingIPAddress: "203.0.113.10",
	}))

	require.NoError(t, svc.AssociateFloatingIP(ctx, "fip1", "vm1"))

	s.View(func(tx store.ReadTx) {
		fip := store.GetFloatingIP(tx, "fip1")
		assert.Equal(t, "router1", fip.RouterID)
		assert.Equal(t, "vm1", fip.FixedPortID)
		assert.Equal(t, "10.0.0.10", fip.FixedIPAddress)

		// The bound host got its agent gateway port on the external net.
		ports, err := store.FindPorts(tx, store.ByNetworkID("extnet"))
		require.NoError(t, err)
		var agentGWs int
		for _, p := range ports {
			if p.DeviceOwner == api.DeviceOwnerAgentGW && p.Binding.Host == "host1" {
				agentGWs++
			}
		}
		assert.Equal(t, 1, agentGWs)
	})

	// Re-associating does not duplicate the agent gateway port.
	require.NoError(t, svc.DisassociateFloatingIP(ctx, "fip1"))
	require.NoError(t, svc.AssociateFloatingIP(ctx, "fip1", "vm1"))
	s.View(func(tx store.ReadTx) {
		ports, err := store.FindPorts(tx, store.ByNetworkID("extnet"))
		require.NoError(t, err)
		var agentGWs int
		for _, p := range ports {
			if p.DeviceOwner == api.DeviceOwnerAgentGW {
				agentGWs++
			}
		}
		assert.Equal(t, 1, agentGWs)
	})

	s.View(func(tx store.ReadTx) {
		fip := store.GetFloatingIP(tx, "fip1")
		assert.Equal(t, "vm1", fip.FixedPortID)
	})

	require.NoError(t, svc.DisassociateFloatingIP(ctx, "fip1"))
	s.View(func(tx store.ReadTx) {
		fip := store.GetFloatingIP(tx, "fip1")
		assert.Empty(t, fip.RouterID)
		assert.Empty(t, fip.FixedPortID)
	})
	// Disassociating twice is a no-op.
	require.NoError(t, svc.DisassociateFloatingIP(ctx, "fip1"))

	assert.True(t, errdefs.IsNotFound(svc.AssociateFloatingIP(ctx, "missing", "vm1")))
	assert.True(t, errdefs.IsNotFound(svc.AssociateFloatingIP(ctx, "fip1", "missing")))
}
