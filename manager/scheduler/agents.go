package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/internal/errdefs"
	"github.com/netplane/dvrkit/manager/state/store"
)

// RegisterAgent upserts an agent record and stamps its heartbeat. Agents
// call this on startup and whenever their reported configuration changes.
func (m *BindingManager) RegisterAgent(ctx context.Context, a *api.Agent) error {
	return m.store.Update(func(tx store.Tx) error {
		existing := store.GetAgent(tx, a.ID)
		if existing == nil {
			a.HeartbeatAt = m.clock.Now()
			return store.CreateAgent(tx, a)
		}
		existing.Host = a.Host
		existing.AgentType = a.AgentType
		existing.Mode = a.Mode
		existing.AdminStateUp = a.AdminStateUp
		existing.AvailabilityZone = a.AvailabilityZone
		existing.HeartbeatAt = m.clock.Now()
		return store.UpdateAgent(tx, existing)
	})
}

// AgentHeartbeat refreshes an agent's liveness timestamp.
func (m *BindingManager) AgentHeartbeat(ctx context.Context, agentID string) error {
	return m.store.Update(func(tx store.Tx) error {
		agent := store.GetAgent(tx, agentID)
		if agent == nil {
			return errdefs.NotFound(errors.Wrapf(store.ErrNotExist, "agent %s", agentID))
		}
		agent.HeartbeatAt = m.clock.Now()
		return store.UpdateAgent(tx, agent)
	})
}
