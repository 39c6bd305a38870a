package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableRouterPort = "routerport"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableRouterPort,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: routerPortIndexerByPortID{},
				},
				indexRouterID: {
					Name:    indexRouterID,
					Indexer: routerPortIndexerByRouterID{},
				},
			},
		},
	})
}

type routerPortEntry struct {
	*api.RouterPort
}

func (rp routerPortEntry) ID() string {
	return rp.RouterPort.PortID
}

func (rp routerPortEntry) Meta() api.Meta {
	return rp.RouterPort.Meta
}

func (rp routerPortEntry) SetMeta(meta api.Meta) {
	rp.RouterPort.Meta = meta
}

func (rp routerPortEntry) Copy() Object {
	return routerPortEntry{rp.RouterPort.Copy()}
}

// Router-port associations are observed through the port events of their
// underlying ports; no separate events are published.
func (rp routerPortEntry) EventCreate() state.Event {
	return nil
}

func (rp routerPortEntry) EventUpdate(old Object) state.Event {
	return nil
}

func (rp routerPortEntry) EventDelete() state.Event {
	return nil
}

// CreateRouterPort adds a new router-port association to the store.
// Returns ErrExist if the port is already associated with a router.
func CreateRouterPort(tx Tx, rp *api.RouterPort) error {
	return tx.create(tableRouterPort, routerPortEntry{rp})
}

// UpdateRouterPort updates an existing router-port association.
// Returns ErrNotExist if the association doesn't exist.
func UpdateRouterPort(tx Tx, rp *api.RouterPort) error {
	return tx.update(tableRouterPort, routerPortEntry{rp})
}

// DeleteRouterPort removes a router-port association from the store.
// Returns ErrNotExist if the association doesn't exist.
func DeleteRouterPort(tx Tx, portID string) error {
	return tx.delete(tableRouterPort, portID)
}

// GetRouterPort looks up the association of a port with its router.
// Returns nil if the port is not a router port.
func GetRouterPort(tx ReadTx, portID string) *api.RouterPort {
	rp := tx.get(tableRouterPort, portID)
	if rp == nil {
		return nil
	}
	return rp.(routerPortEntry).RouterPort
}

// FindRouterPorts selects a set of router-port associations and returns
// them.
func FindRouterPorts(tx ReadTx, by By) ([]*api.RouterPort, error) {
	switch by.(type) {
	case byAll, byRouterID:
	default:
		return nil, ErrInvalidFindBy
	}

	rpList := []*api.RouterPort{}
	err := tx.find(tableRouterPort, by, func(o Object) {
		rpList = append(rpList, o.(routerPortEntry).RouterPort)
	})
	return rpList, err
}

type routerPortIndexerByPortID struct{}

func (ri routerPortIndexerByPortID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerPortIndexerByPortID) FromObject(obj interface{}) (bool, []byte, error) {
	rp, ok := obj.(routerPortEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := rp.RouterPort.PortID + "\x00"
	return true, []byte(val), nil
}

type routerPortIndexerByRouterID struct{}

func (ri routerPortIndexerByRouterID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerPortIndexerByRouterID) FromObject(obj interface{}) (bool, []byte, error) {
	rp, ok := obj.(routerPortEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := rp.RouterPort.RouterID + "\x00"
	return true, []byte(val), nil
}
