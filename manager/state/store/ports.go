package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tablePort = "port"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tablePort,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: portIndexerByID{},
				},
				indexNetworkID: {
					Name:    indexNetworkID,
					Indexer: portIndexerByNetworkID{},
				},
				indexHost: {
					Name:         indexHost,
					AllowMissing: true,
					Indexer:      portIndexerByHost{},
				},
				indexOwner: {
					Name:         indexOwner,
					AllowMissing: true,
					Indexer:      portIndexerByOwner{},
				},
				indexSubnetID: {
					Name:         indexSubnetID,
					AllowMissing: true,
					Indexer:      portIndexerBySubnetID{},
				},
			},
		},
	})
}

type portEntry struct {
	*api.Port
}

func (p portEntry) ID() string {
	return p.Port.ID
}

func (p portEntry) Meta() api.Meta {
	return p.Port.Meta
}

func (p portEntry) SetMeta(meta api.Meta) {
	p.Port.Meta = meta
}

func (p portEntry) Copy() Object {
	return portEntry{p.Port.Copy()}
}

func (p portEntry) EventCreate() state.Event {
	return state.EventCreatePort{Port: p.Port}
}

func (p portEntry) EventUpdate(old Object) state.Event {
	if old == nil {
		return state.EventUpdatePort{Port: p.Port}
	}
	return state.EventUpdatePort{Port: p.Port, OldPort: old.(portEntry).Port}
}

func (p portEntry) EventDelete() state.Event {
	return state.EventDeletePort{Port: p.Port}
}

// CreatePort adds a new port to the store.
// Returns ErrExist if the ID is already taken.
func CreatePort(tx Tx, p *api.Port) error {
	return tx.create(tablePort, portEntry{p})
}

// UpdatePort updates an existing port in the store.
// Returns ErrNotExist if the port doesn't exist.
func UpdatePort(tx Tx, p *api.Port) error {
	return tx.update(tablePort, portEntry{p})
}

// DeletePort removes a port from the store along with its distributed
// bindings and router association, mirroring the relational cascade.
// Returns ErrNotExist if the port doesn't exist.
func DeletePort(tx Tx, id string) error {
	bindings, err := FindDistributedBindings(tx, ByPortID(id))
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := DeleteDistributedBinding(tx, b.ID); err != nil {
			return err
		}
	}
	if rp := GetRouterPort(tx, id); rp != nil {
		if err := DeleteRouterPort(tx, id); err != nil {
			return err
		}
	}
	return tx.delete(tablePort, id)
}

// GetPort looks up a port by ID.
// Returns nil if the port doesn't exist.
func GetPort(tx ReadTx, id string) *api.Port {
	p := tx.get(tablePort, id)
	if p == nil {
		return nil
	}
	return p.(portEntry).Port
}

// FindPorts selects a set of ports and returns them.
func FindPorts(tx ReadTx, by By) ([]*api.Port, error) {
	switch by.(type) {
	case byAll, byNetworkID, byHost, byDeviceOwner, byDeviceOwnerPrefix, bySubnetID:
	default:
		return nil, ErrInvalidFindBy
	}

	portList := []*api.Port{}
	err := tx.find(tablePort, by, func(o Object) {
		portList = append(portList, o.(portEntry).Port)
	})
	return portList, err
}

// GetPortBindingHost returns the host a port is currently bound to, or an
// empty string if the port is unbound or doesn't exist.
func GetPortBindingHost(tx ReadTx, portID string) string {
	p := GetPort(tx, portID)
	if p == nil {
		return ""
	}
	return p.Binding.Host
}

type portIndexerByID struct{}

func (pi portIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (pi portIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	p, ok := obj.(portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := p.Port.ID + "\x00"
	return true, []byte(val), nil
}

func (pi portIndexerByID) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

type portIndexerByNetworkID struct{}

func (pi portIndexerByNetworkID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (pi portIndexerByNetworkID) FromObject(obj interface{}) (bool, []byte, error) {
	p, ok := obj.(portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := p.Port.NetworkID + "\x00"
	return true, []byte(val), nil
}

// portIndexerByHost indexes a port under its bound host and, while a live
// migration is in flight, under the migration target as well. A lookup by
// host therefore already sees a port that is about to land there.
type portIndexerByHost struct{}

func (pi portIndexerByHost) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (pi portIndexerByHost) FromObject(obj interface{}) (bool, [][]byte, error) {
	p, ok := obj.(portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	var vals [][]byte
	if p.Port.Binding.Host != "" {
		vals = append(vals, []byte(p.Port.Binding.Host+"\x00"))
	}
	if target := p.Port.MigratingTo(); target != "" && target != p.Port.Binding.Host {
		vals = append(vals, []byte(target+"\x00"))
	}
	if len(vals) == 0 {
		return false, nil, nil
	}
	return true, vals, nil
}

type portIndexerByOwner struct{}

func (pi portIndexerByOwner) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (pi portIndexerByOwner) FromObject(obj interface{}) (bool, []byte, error) {
	p, ok := obj.(portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if p.Port.DeviceOwner == "" {
		return false, nil, nil
	}
	// Add the null character as a terminator
	return true, []byte(p.Port.DeviceOwner + "\x00"), nil
}

func (pi portIndexerByOwner) PrefixFromArgs(args ...interface{}) ([]byte, error) {
	return prefixFromArgs(args...)
}

type portIndexerBySubnetID struct{}

func (pi portIndexerBySubnetID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (pi portIndexerBySubnetID) FromObject(obj interface{}) (bool, [][]byte, error) {
	p, ok := obj.(portEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if len(p.Port.FixedIPs) == 0 {
		return false, nil, nil
	}
	seen := make(map[string]struct{}, len(p.Port.FixedIPs))
	var vals [][]byte
	for _, fip := range p.Port.FixedIPs {
		if _, ok := seen[fip.SubnetID]; ok {
			continue
		}
		seen[fip.SubnetID] = struct{}{}
		vals = append(vals, []byte(fip.SubnetID+"\x00"))
	}
	return true, vals, nil
}
