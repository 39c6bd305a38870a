package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state/store"
)

type recordedCast struct {
	subject string
	payload interface{}
}

type recordingCaster struct {
	casts []recordedCast
	err   error
}

func (c *recordingCaster) Cast(subject string, payload interface{}) error {
	if c.err != nil {
		return c.err
	}
	c.casts = append(c.casts, recordedCast{subject: subject, payload: payload})
	return nil
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "l3agent.host.host1.routers_updated", HostSubject("host1", MethodRoutersUpdated))
	assert.Equal(t, "l3agent.fanout.routers_updated", FanoutSubject(MethodRoutersUpdated))
}

func TestRoutersUpdatedOnHost(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	caster := &recordingCaster{}
	d := New(s, caster)

	d.RoutersUpdatedOnHost(context.Background(), []string{"r2", "r1", "r2", ""}, "host1")
	require.Len(t, caster.casts, 1)
	assert.Equal(t, HostSubject("host1", MethodRoutersUpdated), caster.casts[0].subject)
	assert.Equal(t, RoutersPayload{RouterIDs: []string{"r1", "r2"}}, caster.casts[0].payload)

	// Empty sets and empty hosts are no-ops.
	d.RoutersUpdatedOnHost(context.Background(), nil, "host1")
	d.RoutersUpdatedOnHost(context.Background(), []string{"r1"}, "")
	assert.Len(t, caster.casts, 1)
}

func TestRoutersUpdatedResolvesAgentBindings(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	caster := &recordingCaster{}
	d := New(s, caster)

	require.NoError(t, s.Update(func(tx store.Tx) error {
		if err := store.CreateAgent(tx, &api.Agent{
			ID: "agent1", AgentType: api.AgentTypeL3, Host: "host1",
			Mode: api.AgentModeLegacy, AdminStateUp: true,
		}); err != nil {
			return err
		}
		return store.CreateAgentBinding(tx, &api.AgentBinding{RouterID: "bound", AgentID: "agent1"})
	}))

	d.RoutersUpdated(context.Background(), []string{"bound", "unbound"})

	require.Len(t, caster.casts, 2)
	assert.Equal(t, HostSubject("host1", MethodRoutersUpdated), caster.casts[0].subject)
	assert.Equal(t, RoutersPayload{RouterIDs: []string{"bound"}}, caster.casts[0].payload)
	assert.Equal(t, FanoutSubject(MethodRoutersUpdated), caster.casts[1].subject)
	assert.Equal(t, RoutersPayload{RouterIDs: []string{"unbound"}}, caster.casts[1].payload)
}

func TestArpEntryResolvesHostsAtCallTime(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	caster := &recordingCaster{}
	d := New(s, caster)

	entry := ArpEntry{IPAddress: "10.0.0.10", MACAddress: "fa:16:3e:00:00:01", SubnetID: "subnet1"}

	// No hosts serve the router yet: nothing goes out.
	d.AddArpEntry(context.Background(), "router1", entry)
	assert.Empty(t, caster.casts)

	require.NoError(t, s.Update(func(tx store.Tx) error {
		_, err := store.EnsureDistributedBinding(tx, "dvrport", "host1", "router1")
		return err
	}))

	d.AddArpEntry(context.Background(), "router1", entry)
	require.Len(t, caster.casts, 1)
	assert.Equal(t, HostSubject("host1", MethodAddArpEntry), caster.casts[0].subject)
	assert.Equal(t, ArpPayload{RouterID: "router1", Entry: entry}, caster.casts[0].payload)

	d.DelArpEntry(context.Background(), "router1", entry)
	require.Len(t, caster.casts, 2)
	assert.Equal(t, HostSubject("host1", MethodDelArpEntry), caster.casts[1].subject)
}

func TestCastFailureIsSwallowed(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	caster := &recordingCaster{err: errors.New("broker unavailable")}
	d := New(s, caster)

	// Must not panic or surface the transport error.
	d.RoutersUpdatedOnHost(context.Background(), []string{"r1"}, "host1")
	d.RouterAddedToAgent(context.Background(), "r1", "host1")
	d.RouterRemovedFromAgent(context.Background(), "r1", "host1")
}
