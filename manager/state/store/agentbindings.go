package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableAgentBinding = "agentbinding"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableAgentBinding,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: agentBindingIndexerByID{},
				},
				indexRouterID: {
					Name:    indexRouterID,
					Indexer: agentBindingIndexerByRouterID{},
				},
				indexAgentID: {
					Name:    indexAgentID,
					Indexer: agentBindingIndexerByAgentID{},
				},
			},
		},
	})
}

type agentBindingEntry struct {
	*api.AgentBinding
}

func (ab agentBindingEntry) ID() string {
	return ab.AgentBinding.ID
}

func (ab agentBindingEntry) Meta() api.Meta {
	return ab.AgentBinding.Meta
}

func (ab agentBindingEntry) SetMeta(meta api.Meta) {
	ab.AgentBinding.Meta = meta
}

func (ab agentBindingEntry) Copy() Object {
	return agentBindingEntry{ab.AgentBinding.Copy()}
}

// Agent-binding changes are acted on synchronously by the scheduler; no
// events are published for them.
func (ab agentBindingEntry) EventCreate() state.Event {
	return nil
}

func (ab agentBindingEntry) EventUpdate(old Object) state.Event {
	return nil
}

func (ab agentBindingEntry) EventDelete() state.Event {
	return nil
}

// CreateAgentBinding adds a new router-agent binding to the store.
// Returns ErrExist if the (router, agent) pair is already bound.
func CreateAgentBinding(tx Tx, ab *api.AgentBinding) error {
	if ab.ID == "" {
		ab.ID = api.AgentBindingID(ab.RouterID, ab.AgentID)
	}
	return tx.create(tableAgentBinding, agentBindingEntry{ab})
}

// DeleteAgentBinding removes a router-agent binding from the store.
// Returns ErrNotExist if the binding doesn't exist.
func DeleteAgentBinding(tx Tx, id string) error {
	return tx.delete(tableAgentBinding, id)
}

// GetAgentBinding looks up the binding of a router to an agent.
// Returns nil if the pair is not bound.
func GetAgentBinding(tx ReadTx, routerID, agentID string) *api.AgentBinding {
	ab := tx.get(tableAgentBinding, api.AgentBindingID(routerID, agentID))
	if ab == nil {
		return nil
	}
	return ab.(agentBindingEntry).AgentBinding
}

// FindAgentBindings selects a set of router-agent bindings and returns
// them.
func FindAgentBindings(tx ReadTx, by By) ([]*api.AgentBinding, error) {
	switch by.(type) {
	case byAll, byRouterID, byAgentID:
	default:
		return nil, ErrInvalidFindBy
	}

	abList := []*api.AgentBinding{}
	err := tx.find(tableAgentBinding, by, func(o Object) {
		abList = append(abList, o.(agentBindingEntry).AgentBinding)
	})
	return abList, err
}

type agentBindingIndexerByID struct{}

func (ai agentBindingIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentBindingIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	ab, ok := obj.(agentBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := ab.AgentBinding.ID + "\x00"
	return true, []byte(val), nil
}

type agentBindingIndexerByRouterID struct{}

func (ai agentBindingIndexerByRouterID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentBindingIndexerByRouterID) FromObject(obj interface{}) (bool, []byte, error) {
	ab, ok := obj.(agentBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := ab.AgentBinding.RouterID + "\x00"
	return true, []byte(val), nil
}

type agentBindingIndexerByAgentID struct{}

func (ai agentBindingIndexerByAgentID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ai agentBindingIndexerByAgentID) FromObject(obj interface{}) (bool, []byte, error) {
	ab, ok := obj.(agentBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := ab.AgentBinding.AgentID + "\x00"
	return true, []byte(val), nil
}
