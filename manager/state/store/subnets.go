package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableSubnet = "subnet"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableSubnet,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: subnetIndexerByID{},
				},
				indexNetworkID: {
					Name:    indexNetworkID,
					Indexer: subnetIndexerByNetworkID{},
				},
			},
		},
	})
}

type subnetEntry struct {
	*api.Subnet
}

func (s subnetEntry) ID() string {
	return s.Subnet.ID
}

func (s subnetEntry) Meta() api.Meta {
	return s.Subnet.Meta
}

func (s subnetEntry) SetMeta(meta api.Meta) {
	s.Subnet.Meta = meta
}

func (s subnetEntry) Copy() Object {
	return subnetEntry{s.Subnet.Copy()}
}

// Subnet changes are not interesting to the reaction loops; no events are
// published for them.
func (s subnetEntry) EventCreate() state.Event {
	return nil
}

func (s subnetEntry) EventUpdate(old Object) state.Event {
	return nil
}

func (s subnetEntry) EventDelete() state.Event {
	return nil
}

// CreateSubnet adds a new subnet to the store.
// Returns ErrExist if the ID is already taken.
func CreateSubnet(tx Tx, s *api.Subnet) error {
	return tx.create(tableSubnet, subnetEntry{s})
}

// UpdateSubnet updates an existing subnet in the store.
// Returns ErrNotExist if the subnet doesn't exist.
func UpdateSubnet(tx Tx, s *api.Subnet) error {
	return tx.update(tableSubnet, subnetEntry{s})
}

// DeleteSubnet removes a subnet from the store.
// Returns ErrNotExist if the subnet doesn't exist.
func DeleteSubnet(tx Tx, id string) error {
	return tx.delete(tableSubnet, id)
}

// GetSubnet looks up a subnet by ID.
// Returns nil if the subnet doesn't exist.
func GetSubnet(tx ReadTx, id string) *api.Subnet {
	s := tx.get(tableSubnet, id)
	if s == nil {
		return nil
	}
	return s.(subnetEntry).Subnet
}

// FindSubnets selects a set of subnets and returns them.
func FindSubnets(tx ReadTx, by By) ([]*api.Subnet, error) {
	switch by.(type) {
	case byAll, byNetworkID:
	default:
		return nil, ErrInvalidFindBy
	}

	subnetList := []*api.Subnet{}
	err := tx.find(tableSubnet, by, func(o Object) {
		subnetList = append(subnetList, o.(subnetEntry).Subnet)
	})
	return subnetList, err
}

type subnetIndexerByID struct{}

func (si subnetIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (si subnetIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	s, ok := obj.(subnetEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := s.Subnet.ID + "\x00"
	return true, []byte(val), nil
}

type subnetIndexerByNetworkID struct{}

func (si subnetIndexerByNetworkID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (si subnetIndexerByNetworkID) FromObject(obj interface{}) (bool, []byte, error) {
	s, ok := obj.(subnetEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := s.Subnet.NetworkID + "\x00"
	return true, []byte(val), nil
}
