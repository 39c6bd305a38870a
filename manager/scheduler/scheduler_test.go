package scheduler

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

func (c *recordingCaster) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.casts...)
}

func newTestManager(t *testing.T) (*store.MemoryStore, *BindingManager, *recordingCaster, *fakeclock.FakeClock) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(s.Close)
	caster := &recordingCaster{}
	fc := fakeclock.NewFakeClock(time.Now())
	m := New(s, resolver.New(resolver.DefaultConfig()), notifier.New(s, caster),
		drivers.NewRegistry(), fc, DefaultConfig())
	return s, m, caster, fc
}

func addAgent(t *testing.T, m *BindingManager, id, host string, mode api.AgentMode) {
	t.Helper()
	require.NoError(t, m.RegisterAgent(context.Background(), &api.Agent{
		ID:           id,
		AgentType:    api.AgentTypeL3,
		Host:         host,
		Mode:         mode,
		AdminStateUp: true,
	}))
}

func addRouter(t *testing.T, s *store.MemoryStore, router *api.Router) {
	t.Helper()
	require.NoError(t, s.Update(func(tx store.Tx) error {
		return store.CreateRouter(tx, router)
	}))
}

func TestL3AgentCandidatesLegacy(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addAgent(t, m, "legacy1", "host1", api.AgentModeLegacy)
	addAgent(t, m, "dvr1", "host2", api.AgentModeDVR)
	addAgent(t, m, "snat1", "host3", api.AgentModeDVRSNAT)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})

	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		candidates := m.L3AgentCandidates(tx, router)
		require.Len(t, candidates, 1)
		assert.Equal(t, "legacy1", candidates[0].ID)
	})
}

func TestL3AgentCandidatesDistributed(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addAgent(t, m, "legacy1", "host1", api.AgentModeLegacy)
	addAgent(t, m, "dvr1", "host2", api.AgentModeDVR)
	addAgent(t, m, "snat1", "host3", api.AgentModeDVRSNAT)
	addRouter(t, s, &api.Router{ID: "router1", Distributed: true, AdminStateUp: true})

	// No gateway, no serviceable ports anywhere: the fallback keeps the
	// router schedulable onto a dvr_snat agent.
	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		candidates := m.L3AgentCandidates(tx, router)
		require.Len(t, candidates, 1)
		assert.Equal(t, "snat1", candidates[0].ID)
	})

	// A serviceable port on one of the router's subnets removes the
	// fallback; with no gateway there is nothing to centralize.
	require.NoError(t, s.Update(func(tx store.Tx) error {
		if err := store.CreatePort(tx, &api.Port{
			ID: "dvrport", NetworkID: "net1", DeviceOwner: api.DeviceOwnerDVRIntf,
			DeviceID: "router1",
			FixedIPs: []api.FixedIP{{SubnetID: "subnet1", IPAddress: "10.0.0.1"}},
		}); err != nil {
			return err
		}
		if err := store.CreateRouterPort(tx, &api.RouterPort{
			PortID: "dvrport", RouterID: "router1", PortType: api.PortTypeDVRIntf,
		}); err != nil {
			return err
		}
		return store.CreatePort(tx, &api.Port{
			ID: "vm1", NetworkID: "net1", DeviceOwner: "compute:az1",
			FixedIPs: []api.FixedIP{{SubnetID: "subnet1", IPAddress: "10.0.0.10"}},
			Binding:  api.PortBinding{Host: "host2"},
		})
	}))
	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		assert.Empty(t, m.L3AgentCandidates(tx, router))
	})

	// A gateway port makes dvr_snat agents eligible again.
	require.NoError(t, s.Update(func(tx store.Tx) error {
		router := store.GetRouter(tx, "router1")
		router.GWPortID = "gwport"
		return store.UpdateRouter(tx, router)
	}))
	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		candidates := m.L3AgentCandidates(tx, router)
		require.Len(t, candidates, 1)
		assert.Equal(t, "snat1", candidates[0].ID)
	})
}

func TestL3AgentCandidatesExcludesDeadAndAdminDown(t *testing.T) {
	s, m, _, fc := newTestManager(t)
	addAgent(t, m, "live", "host1", api.AgentModeLegacy)
	addAgent(t, m, "down", "host2", api.AgentModeLegacy)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})

	require.NoError(t, s.Update(func(tx store.Tx) error {
		a := store.GetAgent(tx, "down")
		a.AdminStateUp = false
		return store.UpdateAgent(tx, a)
	}))

	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		candidates := m.L3AgentCandidates(tx, router)
		require.Len(t, candidates, 1)
		assert.Equal(t, "live", candidates[0].ID)
	})

	// Heartbeats go stale.
	fc.Increment(DefaultConfig().AgentDownTime + time.Second)
	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		assert.Empty(t, m.L3AgentCandidates(tx, router))
	})
}

func TestScheduleRouterLeastLoaded(t *testing.T) {
	s, m, caster, _ := newTestManager(t)
	addAgent(t, m, "agent1", "host1", api.AgentModeLegacy)
	addAgent(t, m, "agent2", "host2", api.AgentModeLegacy)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})
	addRouter(t, s, &api.Router{ID: "router2", AdminStateUp: true})

	// Preload agent1 so the least-loaded pick is deterministic.
	require.NoError(t, s.Update(func(tx store.Tx) error {
		return store.CreateAgentBinding(tx, &api.AgentBinding{RouterID: "router2", AgentID: "agent1"})
	}))

	require.NoError(t, m.ScheduleRouter(context.Background(), "router1"))

	s.View(func(tx store.ReadTx) {
		bindings, err := store.FindAgentBindings(tx, store.ByRouterID("router1"))
		require.NoError(t, err)
		require.Len(t, bindings, 1)
		assert.Equal(t, "agent2", bindings[0].AgentID)
	})
	assert.Contains(t, caster.subjects(), notifier.HostSubject("host2", notifier.MethodRouterAdded))

	// Already fully bound: scheduling again is a no-op, not an error.
	require.NoError(t, m.ScheduleRouter(context.Background(), "router1"))
	s.View(func(tx store.ReadTx) {
		bindings, err := store.FindAgentBindings(tx, store.ByRouterID("router1"))
		require.NoError(t, err)
		assert.Len(t, bindings, 1)
	})
}

func TestScheduleRouterNoEligibleAgent(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})

	err := m.ScheduleRouter(context.Background(), "router1")
	assert.Equal(t, ErrNoEligibleAgent, err)

	assert.True(t, errdefs.IsNotFound(m.ScheduleRouter(context.Background(), "missing")))
}

func TestAddRouterToL3AgentModeCheck(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addAgent(t, m, "dvr1", "host1", api.AgentModeDVR)
	addAgent(t, m, "snat1", "host2", api.AgentModeDVRSNAT)
	addRouter(t, s, &api.Router{ID: "router1", Distributed: true, AdminStateUp: true})

	err := m.AddRouterToL3Agent(context.Background(), "router1", "dvr1")
	assert.True(t, errdefs.IsInvalidParameter(err))

	require.NoError(t, m.AddRouterToL3Agent(context.Background(), "router1", "snat1"))
	err = m.AddRouterToL3Agent(context.Background(), "router1", "snat1")
	assert.True(t, errdefs.IsConflict(err))
}

func TestRemoveRouterFromL3AgentIdempotent(t *testing.T) {
	s, m, caster, _ := newTestManager(t)
	addAgent(t, m, "agent1", "host1", api.AgentModeLegacy)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})
	require.NoError(t, m.AddRouterToL3Agent(context.Background(), "router1", "agent1"))

	require.NoError(t, m.RemoveRouterFromL3Agent(context.Background(), "router1", "agent1"))
	require.NoError(t, m.RemoveRouterFromL3Agent(context.Background(), "router1", "agent1"))

	removed := 0
	for _, subject := range caster.subjects() {
		if subject == notifier.HostSubject("host1", notifier.MethodRouterRemoved) {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
}

func TestSetRouterDistributedSticky(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addAgent(t, m, "legacy1", "host1", api.AgentModeLegacy)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})
	require.NoError(t, m.AddRouterToL3Agent(context.Background(), "router1", "legacy1"))

	require.NoError(t, s.Update(func(tx store.Tx) error {
		if err := store.CreatePort(tx, &api.Port{
			ID: "intf1", NetworkID: "net1", DeviceOwner: api.DeviceOwnerRouterIntf,
			DeviceID: "router1",
			FixedIPs: []api.FixedIP{{SubnetID: "subnet1", IPAddress: "10.0.0.1"}},
		}); err != nil {
			return err
		}
		return store.CreateRouterPort(tx, &api.RouterPort{
			PortID: "intf1", RouterID: "router1", PortType: api.PortTypeRouterIntf,
		})
	}))

	// Admin-up: the migration is rejected.
	err := m.SetRouterDistributed(context.Background(), "router1", true)
	assert.True(t, errdefs.IsInvalidParameter(err))

	require.NoError(t, s.Update(func(tx store.Tx) error {
		router := store.GetRouter(tx, "router1")
		router.AdminStateUp = false
		return store.UpdateRouter(tx, router)
	}))
	require.NoError(t, m.SetRouterDistributed(context.Background(), "router1", true))

	s.View(func(tx store.ReadTx) {
		router := store.GetRouter(tx, "router1")
		assert.True(t, router.Distributed)

		rp := store.GetRouterPort(tx, "intf1")
		require.NotNil(t, rp)
		assert.Equal(t, api.PortTypeDVRIntf, rp.PortType)
		assert.Equal(t, api.DeviceOwnerDVRIntf, store.GetPort(tx, "intf1").DeviceOwner)

		bindings, err := store.FindAgentBindings(tx, store.ByRouterID("router1"))
		require.NoError(t, err)
		assert.Empty(t, bindings)
	})

	// Setting it again is a no-op; clearing it is always rejected.
	require.NoError(t, m.SetRouterDistributed(context.Background(), "router1", true))
	err = m.SetRouterDistributed(context.Background(), "router1", false)
	assert.True(t, errdefs.IsInvalidParameter(err))
}

func TestRescheduleFromDownAgents(t *testing.T) {
	s, m, _, fc := newTestManager(t)
	addAgent(t, m, "agent1", "host1", api.AgentModeLegacy)
	addRouter(t, s, &api.Router{ID: "router1", AdminStateUp: true})
	require.NoError(t, m.ScheduleRouter(context.Background(), "router1"))

	// agent1 dies; agent2 keeps beating.
	fc.Increment(DefaultConfig().AgentDownTime + time.Second)
	addAgent(t, m, "agent2", "host2", api.AgentModeLegacy)

	m.RescheduleFromDownAgents(context.Background())

	s.View(func(tx store.ReadTx) {
		bindings, err := store.FindAgentBindings(tx, store.ByRouterID("router1"))
		require.NoError(t, err)
		require.Len(t, bindings, 1)
		assert.Equal(t, "agent2", bindings[0].AgentID)
	})
}

func TestAgentHeartbeat(t *testing.T) {
	s, m, _, fc := newTestManager(t)
	addAgent(t, m, "agent1", "host1", api.AgentModeLegacy)

	fc.Increment(DefaultConfig().AgentDownTime + time.Second)
	s.View(func(tx store.ReadTx) {
		assert.False(t, m.AgentAlive(store.GetAgent(tx, "agent1")))
	})

	require.NoError(t, m.AgentHeartbeat(context.Background(), "agent1"))
	s.View(func(tx store.ReadTx) {
		assert.True(t, m.AgentAlive(store.GetAgent(tx, "agent1")))
	})

	assert.True(t, errdefs.IsNotFound(m.AgentHeartbeat(context.Background(), "missing")))
}

func TestSNATHosts(t *testing.T) {
	s, m, _, _ := newTestManager(t)
	addAgent(t, m, "snat1", "host1", api.AgentModeDVRSNAT)
	addRouter(t, s, &api.Router{ID: "router1", Distributed: true, AdminStateUp: true})
	require.NoError(t, m.AddRouterToL3Agent(context.Background(), "router1", "snat1"))

	s.View(func(tx store.ReadTx) {
		hosts := m.SNATHosts(tx, "router1")
		_, ok := hosts["host1"]
		assert.True(t, ok)
		assert.Len(t, hosts, 1)
	})
}
