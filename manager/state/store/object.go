package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

// Object is a generic object that can be handled by the store.
type Object interface {
	ID() string
	Meta() api.Meta
	SetMeta(api.Meta)
	Copy() Object
	EventCreate() state.Event
	EventUpdate(old Object) state.Event
	EventDelete() state.Event
}

// ObjectStoreConfig provides the necessary methods to store a particular
// object type inside MemoryStore.
type ObjectStoreConfig struct {
	Table *memdb.TableSchema
}
