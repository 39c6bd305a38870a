// Package scheduler is the router-agent binding manager: it decides which
// L3 agents host each router's centralized function, enforces agent-mode
// compatibility, and handles the centralized-to-distributed migration edge.
package scheduler

import (
	"context"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/errdefs"
	"github.com/netplane/dvrkit/internal/retry"
	"github.com/netplane/dvrkit/log"
	"github.com/netplane/dvrkit/manager/drivers"
	"github.com/netplane/dvrkit/manager/notifier"
	"github.com/netplane/dvrkit/manager/resolver"
	"github.com/netplane/dvrkit/manager/state/store"
)

var (
	// ErrNoEligibleAgent is returned when a router has no binding and no
	// agent qualifies to host it.
	ErrNoEligibleAgent = errors.New("no eligible l3 agent available")

	// ErrDistributedImmutable rejects clearing the distributed flag; the
	// transition is one-way.
	ErrDistributedImmutable = errors.New("cannot clear the distributed flag of a router")

	// ErrRouterNotAdminDown rejects a distributed migration while the
	// router is administratively up.
	ErrRouterNotAdminDown = errors.New("router must be admin-down to become distributed")

	// ErrAgentIncompatible rejects a manual binding whose agent mode
	// cannot host the router.
	ErrAgentIncompatible = errors.New("l3 agent mode incompatible with router")
)

// Config tunes the binding manager.
type Config struct {
	// MaxAgentsPerRouter bounds automatic scheduling of legacy/HA
	// routers. Manual adds may exceed it.
	MaxAgentsPerRouter int
	// AgentDownTime is the heartbeat staleness after which an agent is
	// considered dead.
	AgentDownTime time.Duration
	// Strategy picks agents among eligible candidates.
	Strategy Strategy
}

// DefaultConfig returns the stock scheduling configuration.
func DefaultConfig() Config {
	return Config{
		MaxAgentsPerRouter: 1,
		AgentDownTime:      75 * time.Second,
		Strategy:           LeastRoutersStrategy{},
	}
}

// BindingManager maintains the persistent router-to-L3-agent associations.
type BindingManager struct {
	store    *store.MemoryStore
	resolver *resolver.Resolver
	notifier *notifier.Dispatcher
	drivers  *drivers.Registry
	clock    clock.Clock
	config   Config
}

// New creates a binding manager.
func New(s *store.MemoryStore, r *resolver.Resolver, n *notifier.Dispatcher, d *drivers.Registry, clk clock.Clock, config Config) *BindingManager {
	if config.Strategy == nil {
		config.Strategy = LeastRoutersStrategy{}
	}
	if config.MaxAgentsPerRouter <= 0 {
		config.MaxAgentsPerRouter = 1
	}
	return &BindingManager{
		store:    s,
		resolver: r,
		notifier: n,
		drivers:  d,
		clock:    clk,
		config:   config,
	}
}

// AgentAlive reports whether the agent's heartbeat is fresh enough to
// schedule onto it.
func (m *BindingManager) AgentAlive(a *api.Agent) bool {
	return m.clock.Now().Sub(a.HeartbeatAt) < m.config.AgentDownTime
}

// L3AgentCandidates filters the live, admin-up L3 agents down to those able
// to host the router:
//
//   - a legacy router only accepts legacy-mode agents;
//   - a distributed router accepts a dvr_snat agent only when it needs the
//     centralized gateway (it has a gateway port) or, as a fallback so it is
//     never unschedulable, when it has no serviceable ports anywhere;
//   - plain dvr-mode agents are never candidates here: they obtain their
//     routers through the membership resolver, not static scheduling.
func (m *BindingManager) L3AgentCandidates(tx store.ReadTx, router *api.Router) []*api.Agent {
	agents, err := store.FindAgents(tx, store.ByAgentType(api.AgentTypeL3))
	if err != nil {
		return nil
	}

	snatEligible := false
	if router.Distributed {
		snatEligible = router.GWPortID != "" ||
			len(m.resolver.DVRHostsForRouter(tx, router.ID)) == 0
	}

	var candidates []*api.Agent
	for _, a := range agents {
		if !a.AdminStateUp || !m.AgentAlive(a) {
			continue
		}
		if router.Distributed {
			if a.Mode != api.AgentModeDVRSNAT || !snatEligible {
				continue
			}
		} else if a.Mode != api.AgentModeLegacy {
			continue
		}
		candidates = append(candidates, a)
	}
	return candidates
}

// ScheduleRouter binds the router to agents picked by the strategy, up to
// the per-router bound (one for a distributed router: the SNAT host).
// Returns ErrNoEligibleAgent only when the router ends up entirely unbound.
// A post-commit driver failure is surfaced but the committed bindings are
// kept; the next reconciliation pass self-heals orphans.
func (m *BindingManager) ScheduleRouter(ctx context.Context, routerID string) error {
	var scheduled []*api.Agent

	err := retry.Do(ctx, retry.Default(), func() error {
		scheduled = scheduled[:0]
		err := m.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Wrapf(store.ErrNotExist, "router %s", routerID))
			}

			existing, err := store.FindAgentBindings(tx, store.ByRouterID(routerID))
			if err != nil {
				return err
			}
			max := m.config.MaxAgentsPerRouter
			if router.Distributed {
				max = 1
			}
			needed := max - len(existing)
			if needed <= 0 {
				return nil
			}

			bound := make(map[string]struct{}, len(existing))
			for _, b := range existing {
				bound[b.AgentID] = struct{}{}
			}
			var candidates []*api.Agent
			for _, a := range m.L3AgentCandidates(tx, router) {
				if _, ok := bound[a.ID]; ok {
					continue
				}
				candidates = append(candidates, a)
			}
			if len(candidates) == 0 {
				if len(existing) == 0 {
					return ErrNoEligibleAgent
				}
				return nil
			}

			for _, a := range m.config.Strategy.Select(tx, candidates, needed) {
				mutation := drivers.Mutation{
					Kind:     drivers.MutationRouterScheduled,
					RouterID: routerID,
					AgentID:  a.ID,
					Host:     a.Host,
				}
				if err := m.drivers.PreCommit(ctx, mutation); err != nil {
					return err
				}
				err := store.CreateAgentBinding(tx, &api.AgentBinding{
					RouterID: routerID,
					AgentID:  a.ID,
				})
				if err == store.ErrExist {
					continue
				}
				if err != nil {
					return err
				}
				scheduled = append(scheduled, a)
			}
			return nil
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	// Post-commit hooks and notifications run strictly after the commit.
	var firstDriverErr error
	for _, a := range scheduled {
		mutation := drivers.Mutation{
			Kind:     drivers.MutationRouterScheduled,
			RouterID: routerID,
			AgentID:  a.ID,
			Host:     a.Host,
		}
		if err := m.drivers.PostCommit(ctx, mutation); err != nil && firstDriverErr == nil {
			firstDriverErr = err
		}
		m.notifier.RouterAddedToAgent(ctx, routerID, a.Host)
	}
	return firstDriverErr
}

// AddRouterToL3Agent manually binds a router to a specific agent. The mode
// compatibility rule still applies, but the per-router agent bound does
// not.
func (m *BindingManager) AddRouterToL3Agent(ctx context.Context, routerID, agentID string) error {
	var host string
	err := m.store.Update(func(tx store.Tx) error {
		router := store.GetRouter(tx, routerID)
		if router == nil {
			return errdefs.NotFound(errors.Wrapf(store.ErrNotExist, "router %s", routerID))
		}
		agent := store.GetAgent(tx, agentID)
		if agent == nil || agent.AgentType != api.AgentTypeL3 {
			return errdefs.NotFound(errors.Wrapf(store.ErrNotExist, "l3 agent %s", agentID))
		}
		if !modeCompatible(router, agent) {
			return errdefs.InvalidParameter(ErrAgentIncompatible)
		}
		host = agent.Host

		err := store.CreateAgentBinding(tx, &api.AgentBinding{
			RouterID: routerID,
			AgentID:  agentID,
		})
		if err == store.ErrExist {
			return errdefs.Conflict(errors.Errorf("router %s already bound to agent %s", routerID, agentID))
		}
		return err
	})
	if err != nil {
		return err
	}
	m.notifier.RouterAddedToAgent(ctx, routerID, host)
	return nil
}

// RemoveRouterFromL3Agent removes a manual or scheduled binding. Removing a
// binding that does not exist is a no-op, so repeated removals neither fail
// nor emit duplicate notifications.
func (m *BindingManager) RemoveRouterFromL3Agent(ctx context.Context, routerID, agentID string) error {
	removed := false
	var host string
	err := m.store.Update(func(tx store.Tx) error {
		binding := store.GetAgentBinding(tx, routerID, agentID)
		if binding == nil {
			return nil
		}
		if agent := store.GetAgent(tx, agentID); agent != nil {
			host = agent.Host
		}
		if err := store.DeleteAgentBinding(tx, binding.ID); err != nil {
			if err == store.ErrNotExist {
				return nil
			}
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return err
	}
	if removed {
		m.drivers.PostCommit(ctx, drivers.Mutation{
			Kind:     drivers.MutationRouterUnscheduled,
			RouterID: routerID,
			AgentID:  agentID,
			Host:     host,
		})
		m.notifier.RouterRemovedFromAgent(ctx, routerID, host)
	}
	return nil
}

// SetRouterDistributed flips a router's distributed flag. The flag is
// sticky: clearing it is always rejected. Setting it is only permitted
// while the router is admin-down; at that edge every centralized interface
// is retyped to a distributed interface and all legacy agent bindings are
// dropped, forcing rescheduling in DVR terms.
func (m *BindingManager) SetRouterDistributed(ctx context.Context, routerID string, distributed bool) error {
	return retry.Do(ctx, retry.Default(), func() error {
		err := m.store.Update(func(tx store.Tx) error {
			router := store.GetRouter(tx, routerID)
			if router == nil {
				return errdefs.NotFound(errors.Wrapf(store.ErrNotExist, "router %s", routerID))
			}
			if router.Distributed == distributed {
				return nil
			}
			if !distributed {
				return errdefs.InvalidParameter(ErrDistributedImmutable)
			}
			if router.AdminStateUp {
				return errdefs.InvalidParameter(ErrRouterNotAdminDown)
			}

			rps, err := store.FindRouterPorts(tx, store.ByRouterID(routerID))
			if err != nil {
				return err
			}
			for _, rp := range rps {
				if rp.PortType != api.PortTypeRouterIntf {
					continue
				}
				rp.PortType = api.PortTypeDVRIntf
				if err := store.UpdateRouterPort(tx, rp); err != nil {
					return err
				}
				if p := store.GetPort(tx, rp.PortID); p != nil {
					p.DeviceOwner = api.DeviceOwnerDVRIntf
					if err := store.UpdatePort(tx, p); err != nil {
						return err
					}
				}
			}

			bindings, err := store.FindAgentBindings(tx, store.ByRouterID(routerID))
			if err != nil {
				return err
			}
			for _, b := range bindings {
				if err := store.DeleteAgentBinding(tx, b.ID); err != nil {
					return err
				}
			}

			router.Distributed = true
			return store.UpdateRouter(tx, router)
		})
		if err == store.ErrSequenceConflict {
			return retry.Retriable(err)
		}
		return err
	})
}

// RescheduleFromDownAgents is the reconciliation primitive an external
/// periodic worker drives: it unbinds routers from dead agents and
// reschedules them.
func (m *BindingManager) RescheduleFromDownAgents(ctx context.Context) {
	type rebind struct {
		routerID string
		agentID  string
	}
	var stale []rebind

	m.store.View(func(tx store.ReadTx) {
		agents, err := store.FindAgents(tx, store.ByAgentType(api.AgentTypeL3))
		if err != nil {
			return
		}
		for _, a := range agents {
			if m.AgentAlive(a) {
				continue
			}
			bindings, err := store.FindAgentBindings(tx, store.ByAgentID(a.ID))
			if err != nil {
				continue
			}
			for _, b := range bindings {
				stale = append(stale, rebind{routerID: b.RouterID, agentID: b.AgentID})
			}
		}
	})

	for _, s := range stale {
		if err := m.RemoveRouterFromL3Agent(ctx, s.routerID, s.agentID); err != nil {
			log.G(ctx).WithError(err).WithField("router.id", s.routerID).
				Warn("failed to unbind router from dead agent")
			continue
		}
		if err := m.ScheduleRouter(ctx, s.routerID); err != nil {
			log.G(ctx).WithError(err).WithField("router.id", s.routerID).
				Warn("failed to reschedule router off dead agent")
		}
	}
}

// SNATHosts returns the hosts of the agents statically bound to the router,
// i.e. where its centralized function lives.
func (m *BindingManager) SNATHosts(tx store.ReadTx, routerID string) map[string]struct{} {
	hosts := make(map[string]struct{})
	bindings, err := store.FindAgentBindings(tx, store.ByRouterID(routerID))
	if err != nil {
		return hosts
	}
	for _, b := range bindings {
		if agent := store.GetAgent(tx, b.AgentID); agent != nil {
			hosts[agent.Host] = struct{}{}
		}
	}
	return hosts
}

func modeCompatible(router *api.Router, agent *api.Agent) bool {
	if router.Distributed {
		return agent.Mode == api.AgentModeDVRSNAT
	}
	return agent.Mode == api.AgentModeLegacy
}
