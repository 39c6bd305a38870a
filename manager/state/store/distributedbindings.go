package store

import (
	"github.com/netplane/dvrkit/api"
	"github.com/netplane/dvrkit/manager/state"
	memdb "github.com/hashicorp/go-memdb"
)

const tableDistributedBinding = "distributedbinding"

func init() {
	register(ObjectStoreConfig{
		Table: &memdb.TableSchema{
			Name: tableDistributedBinding,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: distributedBindingIndexerByID{},
				},
				indexPortID: {
					Name:    indexPortID,
					Indexer: distributedBindingIndexerByPortID{},
				},
				indexHost: {
					Name:    indexHost,
					Indexer: distributedBindingIndexerByHost{},
				},
				indexRouterID: {
					Name:         indexRouterID,
					AllowMissing: true,
					Indexer:      distributedBindingIndexerByRouterID{},
				},
			},
		},
	})
}

// DistributedBindingID builds the natural key of a per-host binding. The
// (port, host) pair is unique, so the key doubles as the row ID.
func DistributedBindingID(portID, host string) string {
	return portID + "/" + host
}

type distributedBindingEntry struct {
	*api.DistributedBinding
}

func (b distributedBindingEntry) ID() string {
	return b.DistributedBinding.ID
}

func (b distributedBindingEntry) Meta() api.Meta {
	return b.DistributedBinding.Meta
}

func (b distributedBindingEntry) SetMeta(meta api.Meta) {
	b.DistributedBinding.Meta = meta
}

func (b distributedBindingEntry) Copy() Object {
	return distributedBindingEntry{b.DistributedBinding.Copy()}
}

func (b distributedBindingEntry) EventCreate() state.Event {
	return state.EventCreateDistributedBinding{Binding: b.DistributedBinding}
}

func (b distributedBindingEntry) EventUpdate(old Object) state.Event {
	if old == nil {
		return state.EventUpdateDistributedBinding{Binding: b.DistributedBinding}
	}
	return state.EventUpdateDistributedBinding{
		Binding:    b.DistributedBinding,
		OldBinding: old.(distributedBindingEntry).DistributedBinding,
	}
}

func (b distributedBindingEntry) EventDelete() state.Event {
	return state.EventDeleteDistributedBinding{Binding: b.DistributedBinding}
}

// CreateDistributedBinding adds a new per-host binding to the store.
// Returns ErrExist if a binding for the same (port, host) already exists.
func CreateDistributedBinding(tx Tx, b *api.DistributedBinding) error {
	if b.ID == "" {
		b.ID = DistributedBindingID(b.PortID, b.Host)
	}
	return tx.create(tableDistributedBinding, distributedBindingEntry{b})
}

// UpdateDistributedBinding updates an existing per-host binding.
// Returns ErrNotExist if the binding doesn't exist.
func UpdateDistributedBinding(tx Tx, b *api.DistributedBinding) error {
	return tx.update(tableDistributedBinding, distributedBindingEntry{b})
}

// DeleteDistributedBinding removes a per-host binding from the store.
// Returns ErrNotExist if the binding doesn't exist.
func DeleteDistributedBinding(tx Tx, id string) error {
	return tx.delete(tableDistributedBinding, id)
}

// GetDistributedBinding looks up a per-host binding by (port, host).
// Returns nil if the binding doesn't exist.
func GetDistributedBinding(tx ReadTx, portID, host string) *api.DistributedBinding {
	b := tx.get(tableDistributedBinding, DistributedBindingID(portID, host))
	if b == nil {
		return nil
	}
	return b.(distributedBindingEntry).DistributedBinding
}

// FindDistributedBindings selects a set of per-host bindings and returns
// them.
func FindDistributedBindings(tx ReadTx, by By) ([]*api.DistributedBinding, error) {
	switch by.(type) {
	case byAll, byPortID, byHost, byRouterID:
	default:
		return nil, ErrInvalidFindBy
	}

	bindingList := []*api.DistributedBinding{}
	err := tx.find(tableDistributedBinding, by, func(o Object) {
		bindingList = append(bindingList, o.(distributedBindingEntry).DistributedBinding)
	})
	return bindingList, err
}

// EnsureDistributedBinding returns the binding for (port, host), creating
// it when absent. The create is idempotent: losing a duplicate-insert race
// collapses to re-reading the winner's row, so there is never more than one
// row per (port, host).
func EnsureDistributedBinding(tx Tx, portID, host, routerID string) (*api.DistributedBinding, error) {
	if existing := GetDistributedBinding(tx, portID, host); existing != nil {
		if routerID != "" && existing.RouterID != routerID {
			existing.RouterID = routerID
			if err := UpdateDistributedBinding(tx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	b := &api.DistributedBinding{
		ID:       DistributedBindingID(portID, host),
		PortID:   portID,
		Host:     host,
		RouterID: routerID,
		Status:   api.BindingStatusDown,
		VIFType:  api.VIFTypeDistributed,
	}
	err := CreateDistributedBinding(tx, b)
	if err == ErrExist {
		// Lost the check-then-insert race; the committed row wins.
		return GetDistributedBinding(tx, portID, host), nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DeleteDistributedBindingIfStale reaps a binding that carries no router
// and is down. Bindings in any other state are left alone.
func DeleteDistributedBindingIfStale(tx Tx, b *api.DistributedBinding) (bool, error) {
	current := GetDistributedBinding(tx, b.PortID, b.Host)
	if current == nil || !current.Stale() {
		return false, nil
	}
	if err := DeleteDistributedBinding(tx, current.ID); err != nil {
		return false, err
	}
	return true, nil
}

// AggregatePortStatus reduces a port's per-host binding statuses to the
// logical port status: active if any binding is active, else down if any is
// down, else build.
func AggregatePortStatus(tx ReadTx, portID string) (api.BindingStatus, error) {
	bindings, err := FindDistributedBindings(tx, ByPortID(portID))
	if err != nil {
		return api.BindingStatusBuild, err
	}
	status := api.BindingStatusBuild
	for _, b := range bindings {
		switch b.Status {
		case api.BindingStatusActive:
			return api.BindingStatusActive, nil
		case api.BindingStatusDown:
			status = api.BindingStatusDown
		}
	}
	return status, nil
}

// SetBindingLevels replaces the binding levels recorded for (port, host).
// Returns ErrNotExist if there is no binding for the pair.
func SetBindingLevels(tx Tx, portID, host string, levels []api.BindingLevel) error {
	b := GetDistributedBinding(tx, portID, host)
	if b == nil {
		return ErrNotExist
	}
	b.Levels = append([]api.BindingLevel(nil), levels...)
	return UpdateDistributedBinding(tx, b)
}

// GetBindingLevels returns the binding levels recorded for (port, host).
func GetBindingLevels(tx ReadTx, portID, host string) []api.BindingLevel {
	b := GetDistributedBinding(tx, portID, host)
	if b == nil {
		return nil
	}
	return b.Levels
}

// ClearBindingLevels drops the binding levels recorded for (port, host).
// Clearing levels on a missing binding is a no-op.
func ClearBindingLevels(tx Tx, portID, host string) error {
	b := GetDistributedBinding(tx, portID, host)
	if b == nil {
		return nil
	}
	if len(b.Levels) == 0 {
		return nil
	}
	b.Levels = nil
	return UpdateDistributedBinding(tx, b)
}

type distributedBindingIndexerByID struct{}

func (bi distributedBindingIndexerByID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (bi distributedBindingIndexerByID) FromObject(obj interface{}) (bool, []byte, error) {
	b, ok := obj.(distributedBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	// Add the null character as a terminator
	val := b.DistributedBinding.ID + "\x00"
	return true, []byte(val), nil
}

type distributedBindingIndexerByPortID struct{}

func (bi distributedBindingIndexerByPortID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (bi distributedBindingIndexerByPortID) FromObject(obj interface{}) (bool, []byte, error) {
	b, ok := obj.(distributedBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := b.DistributedBinding.PortID + "\x00"
	return true, []byte(val), nil
}

type distributedBindingIndexerByHost struct{}

func (bi distributedBindingIndexerByHost) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (bi distributedBindingIndexerByHost) FromObject(obj interface{}) (bool, []byte, error) {
	b, ok := obj.(distributedBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	val := b.DistributedBinding.Host + "\x00"
	return true, []byte(val), nil
}

type distributedBindingIndexerByRouterID struct{}

func (bi distributedBindingIndexerByRouterID) FromArgs(args ...interface{}) ([]byte, error) {
	return fromArgs(args...)
}

func (bi distributedBindingIndexerByRouterID) FromObject(obj interface{}) (bool, []byte, error) {
	b, ok := obj.(distributedBindingEntry)
	if !ok {
		panic("unexpected type passed to FromObject")
	}

	if b.DistributedBinding.RouterID == "" {
		return false, nil, nil
	}
	val := b.DistributedBinding.RouterID + "\x00"
	return true, []byte(val), nil
}
