package store

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/netplane/dvrkit/manager/state"
	"github.com/netplane/dvrkit/watch"
	memdb "github.com/hashicorp/go-memdb"
)

const (
	indexID        = "id"
	indexNetworkID = "networkid"
	indexHost      = "host"
	indexOwner     = "owner"
	indexSubnetID  = "subnetid"
	indexPortID    = "portid"
	indexRouterID  = "routerid"
	indexAgentID   = "agentid"
	indexAgentType = "agenttype"

	prefix = "_prefix"

	// MaxChangesPerTransaction is the number of changes after which a new
	// transaction should be started within Batch.
	MaxChangesPerTransaction = 200
)

var (
	// ErrExist is returned by create operations if the provided ID is
	// already taken.
	ErrExist = errors.New("object already exists")

	// ErrNotExist is returned by altering operations (update, delete) if
	// the object does not exist.
	ErrNotExist = errors.New("object does not exist")

	// ErrSequenceConflict is returned when trying to update an object
	// whose version is different from the version in the store. Callers
	// retry the whole logical operation in a fresh transaction.
	ErrSequenceConflict = errors.New("update out of sequence")

	// ErrInvalidFindBy is returned if an unrecognized or unsupported type
	// is passed to Find.
	ErrInvalidFindBy = errors.New("invalid find argument type")

	schema = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{},
	}
)

func register(os ObjectStoreConfig) {
	schema.Tables[os.Table.Name] = os.Table
}

// MemoryStore is the durable relational state of the control plane: ports,
// bindings, routers, agents and their associations. It is a
// concurrency-safe, transactional store built on memdb. Writes are
// serialized by a store-wide update lock, so a transaction never observes
// another writer's uncommitted state.
type MemoryStore struct {
	// updateLock must be held during an update transaction.
	updateLock sync.Mutex

	memDB *memdb.MemDB
	queue *watch.Queue
}

// NewMemoryStore returns an in-memory store.
func NewMemoryStore() *MemoryStore {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &MemoryStore{
		memDB: memDB,
		queue: watch.NewQueue(0),
	}
}

// Close closes the watch queue.
func (s *MemoryStore) Close() {
	s.queue.Close()
}

func fromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	// Add the null character as a terminator
	arg += "\x00"
	return []byte(arg), nil
}

func prefixFromArgs(args ...interface{}) ([]byte, error) {
	val, err := fromArgs(args...)
	if err != nil {
		return nil, err
	}

	// Strip the null terminator, the rest is a prefix
	n := len(val)
	if n > 0 {
		return val[:n-1], nil
	}
	return val, nil
}

// ReadTx is a read transaction. Note that transaction does not imply
// any internal batching. It only means that the transaction presents a
// consistent view of the data that cannot be affected by other
// transactions.
type ReadTx interface {
	lookup(table, index, id string) Object
	get(table, id string) Object
	find(table string, by By, cb func(Object)) error
}

type readTx struct {
	memDBTx *memdb.Txn
}

// View executes a read transaction.
func (s *MemoryStore) View(cb func(ReadTx)) {
	memDBTx := s.memDB.Txn(false)

	readTx := readTx{
		memDBTx: memDBTx,
	}
	cb(readTx)
	memDBTx.Commit()
}

// Tx is a read/write transaction. Note that transaction does not imply
// any internal batching. The purpose of this transaction is to give the
// user a guarantee that its changes won't be visible to other transactions
// until the transaction is over.
type Tx interface {
	ReadTx
	create(table string, o Object) error
	update(table string, o Object) error
	delete(table, id string) error
}

type tx struct {
	readTx
	changelist []state.Event
}

// Update executes a read/write transaction.
func (s *MemoryStore) Update(cb func(Tx) error) error {
	s.updateLock.Lock()
	memDBTx := s.memDB.Txn(true)

	var tx tx
	tx.init(memDBTx)

	err := cb(&tx)

	if err == nil {
		memDBTx.Commit()

		for _, c := range tx.changelist {
			state.Publish(s.queue, c)
		}
		if len(tx.changelist) != 0 {
			state.Publish(s.queue, state.EventCommit{})
		}
	} else {
		memDBTx.Abort()
	}
	s.updateLock.Unlock()
	return err
}

func (tx *tx) init(memDBTx *memdb.Txn) {
	tx.memDBTx = memDBTx
	tx.changelist = nil
}

// Batch provides a mechanism to batch updates to a store.
type Batch struct {
	tx    tx
	store *MemoryStore
	// applied counts the times Update has run successfully
	applied int
	// committed is the number of times Update had run successfully as of
	// the time pending changes were committed.
	committed int
	err       error
}

// Update adds a single change to a batch. Each call to Update is atomic,
// but different calls to Update may be spread across multiple transactions
// to circumvent transaction size limits.
func (batch *Batch) Update(cb func(Tx) error) error {
	if batch.err != nil {
		return batch.err
	}

	if err := cb(&batch.tx); err != nil {
		return err
	}

	batch.applied++

	if len(batch.tx.changelist) >= MaxChangesPerTransaction {
		if err := batch.commit(); err != nil {
			return err
		}

		// Yield the update lock
		batch.store.updateLock.Unlock()
		runtime.Gosched()
		batch.store.updateLock.Lock()

		batch.newTx()
	}

	return nil
}

func (batch *Batch) newTx() {
	batch.tx.init(batch.store.memDB.Txn(true))
}

func (batch *Batch) commit() error {
	batch.tx.memDBTx.Commit()

	batch.committed = batch.applied

	for _, c := range batch.tx.changelist {
		state.Publish(batch.store.queue, c)
	}
	if len(batch.tx.changelist) != 0 {
		state.Publish(batch.store.queue, state.EventCommit{})
	}

	return nil
}

// Batch performs one or more transactions that allow reads and writes.
// It invokes a callback that is passed a Batch object. The callback may
// call batch.Update for each change it wants to make as part of the
// batch. The changes in the batch may be split over multiple
// transactions if necessary to keep transactions below the size limit.
// Batch holds a lock over the state, but will yield this lock every
// time it creates a new transaction to allow other writers to proceed.
// Thus, unrelated changes to the state may occur between calls to
// batch.Update.
//
// Batch returns the number of calls to batch.Update whose changes were
// successfully committed to the store.
func (s *MemoryStore) Batch(cb func(*Batch) error) (int, error) {
	s.updateLock.Lock()

	batch := Batch{
		store: s,
	}
	batch.newTx()

	if err := cb(&batch); err != nil {
		batch.tx.memDBTx.Abort()
		s.updateLock.Unlock()
		return batch.committed, err
	}

	err := batch.commit()
	s.updateLock.Unlock()
	return batch.committed, err
}

// lookup is an internal typed wrapper around memdb.
func (t readTx) lookup(table, index, id string) Object {
	j, err := t.memDBTx.First(table, index, id)
	if err != nil {
		return nil
	}
	if j != nil {
		return j.(Object)
	}
	return nil
}

// create adds a new object to the store.
// Returns ErrExist if the ID is already taken.
func (tx *tx) create(table string, o Object) error {
	if tx.lookup(table, indexID, o.ID()) != nil {
		return ErrExist
	}

	copy := o.Copy()
	meta := copy.Meta()
	now := time.Now()
	meta.Version.Index++
	meta.CreatedAt = now
	meta.UpdatedAt = now
	copy.SetMeta(meta)

	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		if ev := copy.EventCreate(); ev != nil {
			tx.changelist = append(tx.changelist, ev)
		}
		o.SetMeta(meta)
	}
	return err
}

// update updates an existing object in the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) update(table string, o Object) error {
	oldN := tx.lookup(table, indexID, o.ID())
	if oldN == nil {
		return ErrNotExist
	}

	if oldN.Meta().Version != o.Meta().Version {
		return ErrSequenceConflict
	}

	copy := o.Copy()
	meta := copy.Meta()
	meta.Version.Index++
	meta.UpdatedAt = time.Now()
	copy.SetMeta(meta)

	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		if ev := copy.EventUpdate(oldN); ev != nil {
			tx.changelist = append(tx.changelist, ev)
		}
		o.SetMeta(meta)
	}
	return err
}

// delete removes an object from the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) delete(table, id string) error {
	n := tx.lookup(table, indexID, id)
	if n == nil {
		return ErrNotExist
	}

	err := tx.memDBTx.Delete(table, n)
	if err == nil {
		if ev := n.EventDelete(); ev != nil {
			tx.changelist = append(tx.changelist, ev)
		}
	}
	return err
}

// get looks up an object by ID.
// Returns nil if the object doesn't exist.
func (t readTx) get(table, id string) Object {
	o := t.lookup(table, indexID, id)
	if o == nil {
		return nil
	}
	return o.Copy()
}

// find selects a set of objects and calls a callback for each matching
// object.
func (t readTx) find(table string, by By, cb func(Object)) error {
	fromResultIterator := func(it memdb.ResultIterator) {
		for {
			obj := it.Next()
			if obj == nil {
				break
			}
			cb(obj.(Object).Copy())
		}
	}

	switch v := by.(type) {
	case byAll:
		it, err := t.memDBTx.Get(table, indexID)
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byNetworkID:
		it, err := t.memDBTx.Get(table, indexNetworkID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byHost:
		it, err := t.memDBTx.Get(table, indexHost, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byDeviceOwner:
		it, err := t.memDBTx.Get(table, indexOwner, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byDeviceOwnerPrefix:
		it, err := t.memDBTx.Get(table, indexOwner+prefix, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case bySubnetID:
		it, err := t.memDBTx.Get(table, indexSubnetID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byPortID:
		it, err := t.memDBTx.Get(table, indexPortID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byRouterID:
		it, err := t.memDBTx.Get(table, indexRouterID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byAgentID:
		it, err := t.memDBTx.Get(table, indexAgentID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byAgentType:
		it, err := t.memDBTx.Get(table, indexAgentType, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	default:
		return ErrInvalidFindBy
	}
	return nil
}

// WatchQueue returns the publish/subscribe queue where store change events
// are published after each commit.
func (s *MemoryStore) WatchQueue() *watch.Queue {
	return s.queue
}

// ViewAndWatch calls a callback which can observe the state of this
// MemoryStore. It also returns a channel that will return further events
// from this point so the snapshot can be kept up to date. The watch channel
// must be released with watch.StopWatch when it is no longer needed.
func ViewAndWatch(store *MemoryStore, cb func(ReadTx) error, specifiers ...state.Event) (watchCh chan watch.Event, cancel func(), err error) {
	// Using Update to lock the store and guarantee consistency between
	// the watcher and the the state seen by the callback.
	err = store.Update(func(tx Tx) error {
		if err := cb(tx); err != nil {
			return err
		}
		watchCh = state.Watch(store.WatchQueue(), specifiers...)
		return nil
	})
	if watchCh != nil && err != nil {
		store.queue.StopWatch(watchCh)
		return nil, nil, err
	}

	return watchCh, func() {
		store.queue.StopWatch(watchCh)
	}, err
}
