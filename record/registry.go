package record

import (
	"fmt"
	"sync"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/kv"
)

// Entry is the registry's metadata for one registered record type.
type Entry struct {
	Name    string
	Table   string
	New     func() Record
	Indexes []string

	// store set by SetActiveStore; nil means the shared default applies.
	store kv.Store
}

// hasIndex reports whether the index name was recorded for the entry.
func (e *Entry) hasIndex(index string) bool {
	for _, idx := range e.Indexes {
		if idx == index {
			return true
		}
	}
	return false
}

// Registry is the process-wide mapping from a record type's declared name to
// its constructor and table metadata. It also tracks, per type, the set of
// index names migrations have declared, and owns the shared active store
// binding.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byTable map[string]*Entry
	store   kv.Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*Entry{},
		byTable: map[string]*Entry{},
	}
}

// Register validates and inserts a record type, keyed by its declared
// record name. Leaving the record or table name at the Model placeholder,
// or reusing a registered record or table name, is a configuration error
// raised here rather than at first use.
func (r *Registry) Register(newFn func() Record) (*Entry, error) {
	if newFn == nil {
		return nil, &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  "record constructor is required",
			Op:   "record.Register",
		}
	}

	sample := newFn()
	name, table := sample.RecordName(), sample.TableName()

	if name == "" || name == baseRecordName {
		return nil, &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  fmt.Sprintf("record type for table %q does not override the record name", table),
			Op:   "record.Register",
		}
	}

	if table == "" || table == baseTableName {
		return nil, &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  fmt.Sprintf("record type %q does not override the table name", name),
			Op:   "record.Register",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return nil, &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  fmt.Sprintf("record with name %q already registered", name),
			Op:   "record.Register",
		}
	}

	if prior, ok := r.byTable[table]; ok {
		return nil, &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  fmt.Sprintf("table %q already registered to record %q", table, prior.Name),
			Op:   "record.Register",
		}
	}

	entry := &Entry{
		Name:  name,
		Table: table,
		New:   newFn,
	}
	r.entries[name] = entry
	r.byTable[table] = entry

	return entry, nil
}

// Entry returns the entry registered under the provided record name.
func (r *Registry) Entry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e, ok
}

// RecordIndexes unions index names onto the entry owning the table. It is
// how migration steps hand registered types their index set; tables without
// a registered type are ignored.
//
// RecordIndexes implements migration.IndexRecorder.
func (r *Registry) RecordIndexes(table string, indexes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byTable[table]
	if !ok {
		return
	}

	for _, index := range indexes {
		if !entry.hasIndex(index) {
			entry.Indexes = append(entry.Indexes, index)
		}
	}
}

// SetActiveStore binds the store to every currently registered type, then
// to the shared default inherited by types registered later.
func (r *Registry) SetActiveStore(store kv.Store) error {
	if store == nil {
		return &cabinet.Error{
			Code: cabinet.EConfiguration,
			Msg:  "active store must not be nil",
			Op:   "record.SetActiveStore",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		entry.store = store
	}
	r.store = store

	return nil
}

// storeFor resolves the store an entry operates against: the entry's own
// binding, else the shared default. Resolution failure is reported before
// any engine call is attempted.
func (r *Registry) storeFor(entry *Entry) (kv.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry.store != nil {
		return entry.store, nil
	}
	if r.store != nil {
		return r.store, nil
	}

	return nil, &cabinet.Error{
		Code: cabinet.EUnbound,
		Msg:  fmt.Sprintf("no active store bound for record %q", entry.Name),
	}
}

// indexesFor snapshots the entry's current index set.
func (r *Registry) indexesFor(entry *Entry) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexes := make([]string, len(entry.Indexes))
	copy(indexes, entry.Indexes)
	return indexes
}
