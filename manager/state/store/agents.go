package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableAgent = "agent"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableAgent,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: agentIndexerByID{},
				},
				indexHost: {
					Name:    indexHost,
					Indexer: agentIndexerByHost{},
				},
				indexAgentType: {
					Name:    indexAgentType,
					Indexer: agentIndexerByType{},
				},
			},
		},
	})
}

type agentEntry struct {
	*api.Agent
}

func (a agentEntry) ID() string {
	return a.Agent.ID
}

func (a agentEntry) Meta() api.Meta {
	return a.Agent.Meta
}

func (a agentEntry) SetMeta(meta api.Meta) {
	a.Agent.Meta = meta
}

func (a agentEntry) Copy() Object {
	return agentEntry{a.Agent.Copy()}
}

func (a agentEntry) EventCreate() state.Event {
	return state.EventCreateAgent{Agent: a.Agent}
}

func (a agentEntry) EventUpdate(old Object) state.Event {
	if old == nil {
		return state.EventUpdateAgent{Agent: a.Agent}
	}
	return state.EventUpdateAgent{Agent: a.Agent, OldAgent: old.(agentEntry).Agent}
}

func (a agentEntry) EventDelete() state.Event {
	return state.EventDeleteAgent{Agent: a.Agent}
}

// CreateAgent adds a new agent to the store.
// Returns ErrExist if the ID is already taken.
func CreateAgent(tx Tx, a *api.Agent) error {
	return tx.create(tableAgent, agentEntry{a})
}

// UpdateAgent updates an existing agent in the store.
// Returns ErrNotExist if the agent doesn't exist.
func UpdateAgent(tx Tx, a *api.Agent) error {
	return tx.update(tableAgent, agentEntry{a})
}

// DeleteAgent removes an agent from the store along with its router
// bindings.
// Returns ErrNotExist if the agent doesn't exist.
func DeleteAgent(tx Tx, id string) error {
	bindings, err := FindAgentBindings(tx, ByAgentID(id))
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := DeleteAgentBinding(tx, b.ID); err != nil {
			return err
		}
	}
	return tx.delete(tableAgent, id)
}

// GetAgent looks up an agent by ID.
// Returns nil if the agent doesn't exist.
func GetAgent(tx ReadTx, id string) *api.Agent {
	a := tx.get(tableAgent, id)
	if a == nil {
		return nil
	}
	return a.(agentEntry).Agent
}

// FindAgents selects a set of agents and returns them.
func FindAgents(tx ReadTx, by By) ([]*api.Agent, error) {
	switch by.(type) {
	case byAll, byHost, byAgentType:
	default:
		return nil, ErrInvalidFindBy
	}

	agentList := []*api.Agent{}
	err := tx.find(tableAgent, by, func(o Object) {
		agentList = append(agentList, o.(agentEntry).Agent)
	})
	return agentList, err
}

// GetAgentOnHost looks up the agent of the given type on a host.
// Returns nil if no such agent is registered.
func GetAgentOnHost(tx ReadTx, agentType api.AgentType, host string) *api.Agent {
	agents, err := FindAgents(tx, ByHost(host))
	if err != nil {
		return nil
	}
	for _, a := range agents {
		if a.AgentType == agentType {
			return a
		}
	}
	return nil
}

type agentIndexerByID struct{}

func (ai agentIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	a, ok := obj.(agentEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := a.Agent.ID + "\x00"
	return true, []byte(val), nil
}

type agentIndexerByHost struct{}

func (ai agentIndexerByHost) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentIndexerByHost) FromObject(obj interface{}) (bool, []byte, error) {
	a, ok := obj.(agentEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := a.Agent.Host + "\x00"
	return true, []byte(val), nil
}

type agentIndexerByType struct{}

func (ai agentIndexerByType) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentIndexerByType) FromObject(obj interface{}) (bool, []byte, error) {
	a, ok := obj.(agentEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := string(a.Agent.AgentType) + "\x00"
	return true, []byte(val), nil
}
