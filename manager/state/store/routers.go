package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableRouter = "router"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableRouter,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: routerIndexerByID{},
				},
			},
		},
	})
}

type routerEntry struct {
	*api.Router
}

func (r routerEntry) ID() string {
	return r.Router.ID
}

func (r routerEntry) Meta() api.Meta {
	return r.Router.Meta
}

func (r routerEntry) SetMeta(meta api.Meta) {
	r.Router.Meta = meta
}

func (r routerEntry) Copy() Object {
	return routerEntry{r.Router.Copy()}
}

func (r routerEntry) EventCreate() state.Event {
	return state.EventCreateRouter{Router: r.Router}
}

func (r routerEntry) EventUpdate(old Object) state.Event {
	if old == nil {
		return state.EventUpdateRouter{Router: r.Router}
	}
	return state.EventUpdateRouter{Router: r.Router, OldRouter: old.(routerEntry).Router}
}

func (r routerEntry) EventDelete() state.Event {
	return state.EventDeleteRouter{Router: r.Router}
}

// CreateRouter adds a new router to the store.
// Returns ErrExist if the ID is already taken.
func CreateRouter(tx Tx, r *api.Router) error {
	return tx.create(tableRouter, routerEntry{r})
}

// UpdateRouter updates an existing router in the store.
// Returns ErrNotExist if the router doesn't exist.
func UpdateRouter(tx Tx, r *api.Router) error {
	return tx.update(tableRouter, routerEntry{r})
}

// DeleteRouter removes a router from the store along with its agent
// bindings.
// Returns ErrNotExist if the router doesn't exist.
func DeleteRouter(tx Tx, id string) error {
	bindings, err := FindAgentBindings(tx, ByRouterID(id))
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := DeleteAgentBinding(tx, b.ID); err != nil {
			return err
		}
	}
	return tx.delete(tableRouter, id)
}

// GetRouter looks up a router by ID.
// Returns nil if the router doesn't exist.
func GetRouter(tx ReadTx, id string) *api.Router {
	r := tx.get(tableRouter, id)
	if r == nil {
		return nil
	}
	return r.(routerEntry).Router
}

// FindRouters selects a set of routers and returns them.
func FindRouters(tx ReadTx, by By) ([]*api.Router, error) {
	switch by.(type) {
	case byAll:
	default:
		return nil, ErrInvalidFindBy
	}

	routerList := []*api.Router{}
	err := tx.find(tableRouter, by, func(o Object) {
		routerList = append(routerList, o.(routerEntry).Router)
	})
	return routerList, err
}

type routerIndexerByID struct{}

func (ri routerIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (ri routerIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	r, ok := obj.(routerEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := r.Router.ID + "\x00"
	return true, []byte(val), nil
}
