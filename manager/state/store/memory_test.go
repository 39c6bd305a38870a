package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
)

func portFixture(id, host string) *api.Port {
	return &api.Port{
		ID:           id,
		NetworkID:    "net1",
		DeviceOwner:  "compute:az1",
		MACAddress:   "fa:16:3e:00:00:01",
		AdminStateUp: true,
		FixedIPs: []api.FixedIP{
			{SubnetID: "subnet1", IPAddress: "10.0.0.10"},
		},
		Binding: api.PortBinding{Host: host, VIFType: api.VIFTypeOVS},
	}
}

func TestStorePortCRUD(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	p := portFixture("port1", "host1")
	require.NoError(t, s.Update(func(tx Tx) error {
		return CreatePort(tx, p)
	}))
	assert.NotZero(t, p.Meta.Version.Index)

	err := s.Update(func(tx Tx) error {
		return CreatePort(tx, portFixture("port1", "host2"))
	})
	assert.Equal(t, ErrExist, err)

	s.View(func(tx ReadTx) {
		got := GetPort(tx, "port1")
		require.NotNil(t, got)
		assert.Equal(t, "host1", got.Binding.Host)
		assert.Nil(t, GetPort(tx, "missing"))
	})

	require.NoError(t, s.Update(func(tx Tx) error {
		got := GetPort(tx, "port1")
		got.Binding.Host = "host2"
		return UpdatePort(tx, got)
	}))
	s.View(func(tx ReadTx) {
		assert.Equal(t, "host2", GetPortBindingHost(tx, "port1"))
	})

	require.NoError(t, s.Update(func(tx Tx) error {
		return DeletePort(tx, "port1")
	}))
	err = s.Update(func(tx Tx) error {
		return DeletePort(tx, "port1")
	})
	assert.Equal(t, ErrNotExist, err)
}

func TestStoreSequenceConflict(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		return CreatePort(tx, portFixture("port1", "host1"))
	}))

	var stale *api.Port
	s.View(func(tx ReadTx) {
		stale = GetPort(tx, "port1")
	})

	// Another writer bumps the version.
	require.NoError(t, s.Update(func(tx Tx) error {
		p := GetPort(tx, "port1")
		p.Binding.Host = "host2"
		return UpdatePort(tx, p)
	}))

	stale.Binding.Host = "host3"
	err := s.Update(func(tx Tx) error {
		return UpdatePort(tx, stale)
	})
	assert.Equal(t, ErrSequenceConflict, err)
}

func TestStoreFindPorts(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	migrating := portFixture("port2", "host1")
	migrating.Binding.Profile = map[string]string{api.ProfileMigratingTo: "host9"}
	migrating.FixedIPs = []api.FixedIP{
		{SubnetID: "subnet1", IPAddress: "10.0.0.11"},
		{SubnetID: "subnet2", IPAddress: "10.1.0.11"},
	}
	dhcp := portFixture("port3", "host2")
	dhcp.DeviceOwner = api.DeviceOwnerDHCP

	require.NoError(t, s.Update(func(tx Tx) error {
		if err := CreatePort(tx, portFixture("port1", "host1")); err != nil {
			return err
		}
		if err := CreatePort(tx, migrating); err != nil {
			return err
		}
		return CreatePort(tx, dhcp)
	}))

	s.View(func(tx ReadTx) {
		all, err := FindPorts(tx, All)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		onHost1, err := FindPorts(tx, ByHost("host1"))
		require.NoError(t, err)
		assert.Len(t, onHost1, 2)

		// The migration target already sees the port.
		onTarget, err := FindPorts(tx, ByHost("host9"))
		require.NoError(t, err)
		require.Len(t, onTarget, 1)
		assert.Equal(t, "port2", onTarget[0].ID)

		compute, err := FindPorts(tx, ByDeviceOwnerPrefix(api.DeviceOwnerComputePrefix))
		require.NoError(t, err)
		assert.Len(t, compute, 2)

		onSubnet2, err := FindPorts(tx, BySubnetID("subnet2"))
		require.NoError(t, err)
		require.Len(t, onSubnet2, 1)
		assert.Equal(t, "port2", onSubnet2[0].ID)

		_, err = FindPorts(tx, ByAgentID("nope"))
		assert.Equal(t, ErrInvalidFindBy, err)
	})
}

func TestStoreWatchEventsAfterCommit(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	watchCh, cancel, err := ViewAndWatch(s, func(ReadTx) error { return nil },
		state.EventCreatePort{}, state.EventUpdatePort{}, state.EventCommit{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Update(func(tx Tx) error {
		return CreatePort(tx, portFixture("port1", "host1"))
	}))

	event := <-watchCh
	created, ok := event.Payload.(state.EventCreatePort)
	require.True(t, ok)
	assert.Equal(t, "port1", created.Port.ID)

	event = <-watchCh
	_, ok = event.Payload.(state.EventCommit)
	assert.True(t, ok)

	require.NoError(t, s.Update(func(tx Tx) error {
		p := GetPort(tx, "port1")
		p.Binding.Host = "host2"
		return UpdatePort(tx, p)
	}))

	event = <-watchCh
	updated, ok := event.Payload.(state.EventUpdatePort)
	require.True(t, ok)
	assert.Equal(t, "host2", updated.Port.Binding.Host)
	require.NotNil(t, updated.OldPort)
	assert.Equal(t, "host1", updated.OldPort.Binding.Host)
}

func TestStoreFailedTransactionPublishesNothing(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	watchCh, cancel, err := ViewAndWatch(s, func(ReadTx) error { return nil })
	require.NoError(t, err)
	defer cancel()

	err = s.Update(func(tx Tx) error {
		if err := CreatePort(tx, portFixture("port1", "host1")); err != nil {
			return err
		}
		return ErrExist // any error aborts
	})
	assert.Error(t, err)

	require.NoError(t, s.Update(func(tx Tx) error {
		return CreatePort(tx, portFixture("port2", "host1"))
	}))

	event := <-watchCh
	created, ok := event.Payload.(state.EventCreatePort)
	require.True(t, ok)
	assert.Equal(t, "port2", created.Port.ID)
}

func TestEnsureDistributedBindingIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		first, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		require.NoError(t, err)
		assert.Equal(t, DistributedBindingID("dvrport", "host1"), first.ID)
		assert.Equal(t, api.BindingStatusDown, first.Status)
		assert.Equal(t, api.VIFTypeDistributed, first.VIFType)

		second, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		bindings, err := FindDistributedBindings(tx, ByPortID("dvrport"))
		require.NoError(t, err)
		assert.Len(t, bindings, 1)
		return nil
	}))
}

func TestDeleteDistributedBindingIfStale(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		b, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		require.NoError(t, err)

		// Carries a router: not stale.
		deleted, err := DeleteDistributedBindingIfStale(tx, b)
		require.NoError(t, err)
		assert.False(t, deleted)

		b.RouterID = ""
		require.NoError(t, UpdateDistributedBinding(tx, b))
		deleted, err = DeleteDistributedBindingIfStale(tx, b)
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Nil(t, GetDistributedBinding(tx, "dvrport", "host1"))
		return nil
	}))
}

func TestAggregatePortStatus(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		status, err := AggregatePortStatus(tx, "dvrport")
		require.NoError(t, err)
		assert.Equal(t, api.BindingStatusBuild, status)

		b1, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		require.NoError(t, err)
		if _, err := EnsureDistributedBinding(tx, "dvrport", "host2", "router1"); err != nil {
			return err
		}

		status, err = AggregatePortStatus(tx, "dvrport")
		require.NoError(t, err)
		assert.Equal(t, api.BindingStatusDown, status)

		b1.Status = api.BindingStatusActive
		require.NoError(t, UpdateDistributedBinding(tx, b1))
		status, err = AggregatePortStatus(tx, "dvrport")
		require.NoError(t, err)
		assert.Equal(t, api.BindingStatusActive, status)
		return nil
	}))
}

func TestBindingLevels(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		assert.Equal(t, ErrNotExist, SetBindingLevels(tx, "dvrport", "host1", nil))
		// Clearing levels on a missing binding is a no-op.
		assert.NoError(t, ClearBindingLevels(tx, "dvrport", "host1"))

		if _, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1"); err != nil {
			return err
		}
		levels := []api.BindingLevel{
			{Level: 0, Driver: "ovs", SegmentID: "seg1"},
			{Level: 1, Driver: "sriov", SegmentID: "seg2"},
		}
		require.NoError(t, SetBindingLevels(tx, "dvrport", "host1", levels))
		assert.Equal(t, levels, GetBindingLevels(tx, "dvrport", "host1"))

		require.NoError(t, ClearBindingLevels(tx, "dvrport", "host1"))
		assert.Nil(t, GetBindingLevels(tx, "dvrport", "host1"))
		return nil
	}))
}

func TestDeletePortCascades(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		dvrIntf := portFixture("dvrport", "")
		dvrIntf.DeviceOwner = api.DeviceOwnerDVRIntf
		dvrIntf.DeviceID = "router1"
		if err := CreatePort(tx, dvrIntf); err != nil {
			return err
		}
		if err := CreateRouterPort(tx, &api.RouterPort{
			PortID:   "dvrport",
			RouterID: "router1",
			PortType: api.PortTypeDVRIntf,
		}); err != nil {
			return err
		}
		_, err := EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		return err
	}))

	require.NoError(t, s.Update(func(tx Tx) error {
		return DeletePort(tx, "dvrport")
	}))

	s.View(func(tx ReadTx) {
		assert.Nil(t, GetRouterPort(tx, "dvrport"))
		assert.Nil(t, GetDistributedBinding(tx, "dvrport", "host1"))
		bindings, err := FindDistributedBindings(tx, ByPortID("dvrport"))
		require.NoError(t, err)
		assert.Empty(t, bindings)
	})
}

func TestDeleteRouterCascadesAgentBindings(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Update(func(tx Tx) error {
		if err := CreateRouter(tx, &api.Router{ID: "router1", AdminStateUp: true}); err != nil {
			return err
		}
		if err := CreateAgent(tx, &api.Agent{
			ID: "agent1", AgentType: api.AgentTypeL3, Host: "host1",
			Mode: api.AgentModeLegacy, AdminStateUp: true,
		}); err != nil {
			return err
		}
		return CreateAgentBinding(tx, &api.AgentBinding{RouterID: "router1", AgentID: "agent1"})
	}))

	require.NoError(t, s.Update(func(tx Tx) error {
		return DeleteRouter(tx, "router1")
	}))

	s.View(func(tx ReadTx) {
		bindings, err := FindAgentBindings(tx, ByRouterID("router1"))
		require.NoError(t, err)
		assert.Empty(t, bindings)
	})
}

func TestStoreBatch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	applied, err := s.Batch(func(batch *Batch) error {
		for i := 0; i < 3; i++ {
			p := portFixture("port"+string(rune('a'+i)), "host1")
			err := batch.Update(func(tx Tx) error {
				return CreatePort(tx, p)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	s.View(func(tx ReadTx) {
		ports, err := FindPorts(tx, All)
		require.NoError(t, err)
		assert.Len(t, ports, 3)
	})
}
