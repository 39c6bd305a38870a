package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableFloatingIP = "floatingip"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableFloatingIP,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: floatingIPIndexerByID{},
				},
				indexPortID: {
					Name:         indexPortID,
					AllowMissing: true,
					Indexer:      floatingIPIndexerByPortID{},
				},
				indexRouterID: {
					Name:         indexRouterID,
					AllowMissing: true,
					Indexer:      floatingIPIndexerByRouterID{},
				},
			},
		},
	})
}

type floatingIPEntry struct {
	*api.FloatingIP
}

func (f floatingIPEntry) ID() string {
	return f.FloatingIP.ID
}

func (f floatingIPEntry) Meta() api.Meta {
	return f.FloatingIP.Meta
}

func (f floatingIPEntry) SetMeta(meta api.Meta) {
	f.FloatingIP.Meta = meta
}

func (f floatingIPEntry) Copy() Object {
	return floatingIPEntry{f.FloatingIP.Copy()}
}

func (f floatingIPEntry) EventCreate() state.Event {
	return state.EventCreateFloatingIP{FloatingIP: f.FloatingIP}
}

func (f floatingIPEntry) EventUpdate(old Object) state.Event {
	if old == nil {
		return state.EventUpdateFloatingIP{FloatingIP: f.FloatingIP}
	}
	return state.EventUpdateFloatingIP{
		FloatingIP:    f.FloatingIP,
		OldFloatingIP: old.(floatingIPEntry).FloatingIP,
	}
}

func (f floatingIPEntry) EventDelete() state.Event {
	return state.EventDeleteFloatingIP{FloatingIP: f.FloatingIP}
}

// CreateFloatingIP adds a new floating IP to the store.
// Returns ErrExist if the ID is already taken.
func CreateFloatingIP(tx Tx, f *api.FloatingIP) error {
	return tx.create(tableFloatingIP, floatingIPEntry{f})
}

// UpdateFloatingIP updates an existing floating IP in the store.
// Returns ErrNotExist if the floating IP doesn't exist.
func UpdateFloatingIP(tx Tx, f *api.FloatingIP) error {
	return tx.update(tableFloatingIP, floatingIPEntry{f})
}

// DeleteFloatingIP removes a floating IP from the store.
// Returns ErrNotExist if the floating IP doesn't exist.
func DeleteFloatingIP(tx Tx, id string) error {
	return tx.delete(tableFloatingIP, id)
}

// GetFloatingIP looks up a floating IP by ID.
// Returns nil if the floating IP doesn't exist.
func GetFloatingIP(tx ReadTx, id string) *api.FloatingIP {
	f := tx.get(tableFloatingIP, id)
	if f == nil {
		return nil
	}
	return f.(floatingIPEntry).FloatingIP
}

// FindFloatingIPs selects a set of floating IPs and returns them.
func FindFloatingIPs(tx ReadTx, by By) ([]*api.FloatingIP, error) {
	switch by.(type) {
	case byAll, byPortID, byRouterID:
	default:
		return nil, ErrInvalidFindBy
	}

	fipList := []*api.FloatingIP{}
	err := tx.find(tableFloatingIP, by, func(o Object) {
		fipList = append(fipList, o.(floatingIPEntry).FloatingIP)
	})
	return fipList, err
}

type floatingIPIndexerByID struct{}

func (fi floatingIPIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (fi floatingIPIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	f, ok := obj.(floatingIPEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := f.FloatingIP.ID + "\x00"
	return true, []byte(val), nil
}

type floatingIPIndexerByPortID struct{}

func (fi floatingIPIndexerByPortID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (fi floatingIPIndexerByPortID) FromObject(obj interface{}) (bool, []byte, error) {
	f, ok := obj.(floatingIPEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if f.FloatingIP.FixedPortID == "" {
		return false, nil, nil
	}
	val := f.FloatingIP.FixedPortID + "\x00"
	return true, []byte(val), nil
}

type floatingIPIndexerByRouterID struct{}

func (fi floatingIPIndexerByRouterID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (fi floatingIPIndexerByRouterID) FromObject(obj interface{}) (bool, []byte, error) {
	f, ok := obj.(floatingIPEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if f.FloatingIP.RouterID == "" {
		return false, nil, nil
	}
	val := f.FloatingIP.RouterID + "\x00"
	return true, []byte(val), nil
}
