// Package migration declares versioned schema-change steps and the runner
// which applies them against the single upgrade transaction the store grants
// at open time.
package migration

import (
	"context"
	"fmt"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/kv"
)

// IndexRecorder is notified of the index names a migration establishes for
// a table. The record registry implements it so registered types learn
// their index set at declaration time.
type IndexRecorder interface {
	RecordIndexes(table string, indexes ...string)
}

// Task is a single deferred schema-change operation within a Step.
type Task interface {
	// Name describes the task for logs and errors.
	Name() string
	// run mutates the physical schema through the upgrade transaction.
	run(ctx context.Context, tx kv.SchemaTx) error
}

// Step is an ordered, immutable batch of schema-change tasks tagged with a
// target version. The version is fixed when the owning Sequence appends the
// step; tasks execute in append order.
type Step struct {
	version  uint64
	tasks    []Task
	recorder IndexRecorder
}

// Version returns the version the step was stamped with.
func (s *Step) Version() uint64 {
	return s.version
}

// TableOption configures a new-table task.
type TableOption func(*newTableTask)

// WithKey sets the name of the primary key field. Defaults to "id".
func WithKey(key string) TableOption {
	return func(t *newTableTask) {
		t.schema.Key = key
	}
}

// WithoutAutoIncrement disables key auto-assignment for the table.
func WithoutAutoIncrement() TableOption {
	return func(t *newTableTask) {
		t.schema.AutoIncrement = false
	}
}

// WithIndexes declares secondary indexes created along with the table.
func WithIndexes(indexes ...string) TableOption {
	return func(t *newTableTask) {
		t.schema.Indexes = append(t.schema.Indexes, indexes...)
	}
}

// NewTable appends a task creating the named table. Nothing touches the
// store until the step runs inside an upgrade transaction; the index set is
// recorded against any registered record type immediately.
func (s *Step) NewTable(table string, opts ...TableOption) *Step {
	task := &newTableTask{
		table: table,
		schema: kv.TableSchema{
			Key:           "id",
			AutoIncrement: true,
		},
	}

	for _, opt := range opts {
		opt(task)
	}

	s.tasks = append(s.tasks, task)

	if s.recorder != nil {
		s.recorder.RecordIndexes(table, task.schema.Indexes...)
	}

	return s
}

// NewIndexes appends a task adding secondary indexes to an existing table.
// The table must have been created by a step with a lower version.
func (s *Step) NewIndexes(table string, indexes ...string) *Step {
	s.tasks = append(s.tasks, &newIndexTask{
		table:   table,
		indexes: indexes,
	})

	if s.recorder != nil {
		s.recorder.RecordIndexes(table, indexes...)
	}

	return s
}

// Run executes each task against the given transaction, in append order.
// The first failing task aborts the run; the enclosing upgrade transaction
// is expected to roll the store back to its pre-upgrade schema.
func (s *Step) Run(ctx context.Context, tx kv.SchemaTx) error {
	for _, task := range s.tasks {
		if err := task.run(ctx, tx); err != nil {
			return &cabinet.Error{
				Code: cabinet.EMigration,
				Msg:  fmt.Sprintf("version %d: task %q", s.version, task.Name()),
				Op:   "migration.Step.Run",
				Err:  err,
			}
		}
	}
	return nil
}

type newTableTask struct {
	table  string
	schema kv.TableSchema
}

func (t *newTableTask) Name() string {
	return fmt.Sprintf("new table %q", t.table)
}

func (t *newTableTask) run(ctx context.Context, tx kv.SchemaTx) error {
	if _, err := tx.CreateBucket(kv.TableBucket(t.table)); err != nil {
		return err
	}

	for _, index := range t.schema.Indexes {
		if _, err := tx.CreateBucket(kv.IndexBucket(t.table, index)); err != nil {
			return err
		}
	}

	return kv.PutTableSchema(tx, t.table, t.schema)
}

type newIndexTask struct {
	table   string
	indexes []string
}

func (t *newIndexTask) Name() string {
	return fmt.Sprintf("new indexes %v on table %q", t.indexes, t.table)
}

func (t *newIndexTask) run(ctx context.Context, tx kv.SchemaTx) error {
	schema, err := kv.GetTableSchema(tx, t.table)
	if err != nil {
		if kv.IsNotFound(err) {
			return fmt.Errorf("table %q has not been created by an earlier version", t.table)
		}
		return err
	}

	for _, index := range t.indexes {
		if schema.HasIndex(index) {
			return fmt.Errorf("index %q already exists on table %q", index, t.table)
		}

		bkt, err := tx.CreateBucket(kv.IndexBucket(t.table, index))
		if err != nil {
			return err
		}

		if err := t.populate(ctx, tx, bkt, index); err != nil {
			return err
		}

		schema.Indexes = append(schema.Indexes, index)
	}

	return kv.PutTableSchema(tx, t.table, schema)
}

// populate backfills a freshly created index from the rows already present
// in the table.
func (t *newIndexTask) populate(ctx context.Context, tx kv.SchemaTx, indexBkt kv.Bucket, index string) error {
	tableBkt, err := tx.Bucket(kv.TableBucket(t.table))
	if err != nil {
		return err
	}

	cur, err := tableBkt.ForwardCursor(nil)
	if err != nil {
		return err
	}

	return kv.WalkCursor(ctx, cur, func(pk, doc []byte) (bool, error) {
		fk, ok, err := kv.ExtractIndexValue(doc, index)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}

		if err := indexBkt.Put(kv.IndexEntryKey(fk, pk), pk); err != nil {
			return false, err
		}
		return true, nil
	})
}
