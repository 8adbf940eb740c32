package record

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/kit/tracing"
	"github.com/cabinetdb/cabinet/kv"
)

// Base is the typed query and persistence surface for one registered record
// type. All methods resolve the active store at call time and run each
// public operation in its own transaction scoped to the record's table;
// batch saves are the one multi-insert transaction.
type Base[T Record] struct {
	reg   *Registry
	entry *Entry
	newFn func() T

	// store overrides the registry binding when non-nil; see WithStore.
	store kv.Store
}

// Define registers the record type produced by newFn and returns its typed
// surface. Registration failures are configuration errors raised here, at
// declaration time.
func Define[T Record](reg *Registry, newFn func() T) (*Base[T], error) {
	entry, err := reg.Register(func() Record { return newFn() })
	if err != nil {
		return nil, err
	}

	return &Base[T]{
		reg:   reg,
		entry: entry,
		newFn: newFn,
	}, nil
}

// WithStore derives a surface bound to the provided store. The registry
// entry and the shared default binding seen by every other type are left
// untouched.
func (b *Base[T]) WithStore(store kv.Store) *Base[T] {
	derived := *b
	derived.store = store
	return &derived
}

// Entry exposes the registry metadata of the record type.
func (b *Base[T]) Entry() *Entry {
	return b.entry
}

func (b *Base[T]) activeStore() (kv.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	return b.reg.storeFor(b.entry)
}

// empty returns the "not found" sentinel instance.
func (b *Base[T]) empty() T {
	return b.newFn()
}

func (b *Base[T]) decode(doc []byte) (T, error) {
	rec := b.newFn()
	if err := json.Unmarshal(doc, rec); err != nil {
		return rec, &cabinet.Error{
			Code: cabinet.EInvalid,
			Msg:  "decoding record document",
			Err:  err,
		}
	}
	markLoaded(rec)
	return rec, nil
}

// storeErr wraps engine failures as store errors, leaving already-coded
// errors untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *cabinet.Error
	if errors.As(err, &cerr) {
		return err
	}
	return &cabinet.Error{
		Code: cabinet.EStore,
		Op:   op,
		Err:  err,
	}
}

// All fetches every record of the table in ascending primary-key order.
func (b *Base[T]) All(ctx context.Context) ([]T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.All")
	defer span.Finish()

	const op = "record.All"

	store, err := b.activeStore()
	if err != nil {
		return nil, tracing.LogError(span, err)
	}

	var recs []T
	err = store.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := bkt.ForwardCursor(nil)
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(_, doc []byte) (bool, error) {
			rec, err := b.decode(doc)
			if err != nil {
				return false, err
			}
			recs = append(recs, rec)
			return true, nil
		})
	})
	if err != nil {
		return nil, tracing.LogError(span, storeErr(op, err))
	}

	return recs, nil
}

// AllFromIndex fetches every record whose indexed field equals key, in
// index order.
func (b *Base[T]) AllFromIndex(ctx context.Context, index string, key interface{}) ([]T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.AllFromIndex")
	defer span.Finish()

	var recs []T
	err := b.walkIndex(ctx, index, key, func(rec T) (bool, error) {
		recs = append(recs, rec)
		return true, nil
	})
	if err != nil {
		return nil, tracing.LogError(span, err)
	}

	return recs, nil
}

// Get fetches a single record by primary key. A missing row yields the
// empty instance, not an error; callers distinguish found from not found
// via Empty.
func (b *Base[T]) Get(ctx context.Context, id int64) (T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.Get")
	defer span.Finish()

	const op = "record.Get"

	store, err := b.activeStore()
	if err != nil {
		return b.empty(), tracing.LogError(span, err)
	}

	rec := b.empty()
	err = store.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		doc, err := bkt.Get(kv.EncodePK(id))
		if err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		rec, err = b.decode(doc)
		return err
	})
	if err != nil {
		return b.empty(), tracing.LogError(span, storeErr(op, err))
	}

	return rec, nil
}

// GetFromIndex fetches the first record whose indexed field equals key.
// No match yields the empty instance.
func (b *Base[T]) GetFromIndex(ctx context.Context, index string, key interface{}) (T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.GetFromIndex")
	defer span.Finish()

	rec := b.empty()
	err := b.walkIndex(ctx, index, key, func(found T) (bool, error) {
		rec = found
		return false, nil
	})
	if err != nil {
		return b.empty(), tracing.LogError(span, err)
	}

	return rec, nil
}

// First returns the record with the lowest primary key, or the empty
// instance for an empty table.
func (b *Base[T]) First(ctx context.Context) (T, error) {
	return b.tableEnd(ctx, "record.First", kv.CursorAscending)
}

// Last returns the record with the highest primary key, or the empty
// instance for an empty table.
func (b *Base[T]) Last(ctx context.Context) (T, error) {
	return b.tableEnd(ctx, "record.Last", kv.CursorDescending)
}

func (b *Base[T]) tableEnd(ctx context.Context, op string, direction kv.CursorDirection) (T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, op)
	defer span.Finish()

	store, err := b.activeStore()
	if err != nil {
		return b.empty(), tracing.LogError(span, err)
	}

	rec := b.empty()
	err = store.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := bkt.ForwardCursor(nil, kv.WithCursorDirection(direction))
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(_, doc []byte) (bool, error) {
			rec, err = b.decode(doc)
			return false, err
		})
	})
	if err != nil {
		return b.empty(), tracing.LogError(span, storeErr(op, err))
	}

	return rec, nil
}

// FirstFromIndex returns the record heading the index in ascending order.
func (b *Base[T]) FirstFromIndex(ctx context.Context, index string) (T, error) {
	return b.indexEnd(ctx, "record.FirstFromIndex", index, kv.CursorAscending)
}

// LastFromIndex returns the record heading the index in descending order.
func (b *Base[T]) LastFromIndex(ctx context.Context, index string) (T, error) {
	return b.indexEnd(ctx, "record.LastFromIndex", index, kv.CursorDescending)
}

func (b *Base[T]) indexEnd(ctx context.Context, op string, index string, direction kv.CursorDirection) (T, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, op)
	defer span.Finish()

	store, err := b.activeStore()
	if err != nil {
		return b.empty(), tracing.LogError(span, err)
	}

	rec := b.empty()
	err = store.View(ctx, func(tx kv.Tx) error {
		idxBkt, err := tx.Bucket(kv.IndexBucket(b.entry.Table, index))
		if err != nil {
			return err
		}

		tableBkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := idxBkt.ForwardCursor(nil, kv.WithCursorDirection(direction))
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(_, pk []byte) (bool, error) {
			doc, err := tableBkt.Get(pk)
			if err != nil {
				return false, err
			}
			rec, err = b.decode(doc)
			return false, err
		})
	})
	if err != nil {
		return b.empty(), tracing.LogError(span, storeErr(op, err))
	}

	return rec, nil
}

// Count returns the number of records in the table.
func (b *Base[T]) Count(ctx context.Context) (int, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.Count")
	defer span.Finish()

	const op = "record.Count"

	store, err := b.activeStore()
	if err != nil {
		return 0, tracing.LogError(span, err)
	}

	var n int
	err = store.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := bkt.ForwardCursor(nil)
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(_, _ []byte) (bool, error) {
			n++
			return true, nil
		})
	})
	if err != nil {
		return 0, tracing.LogError(span, storeErr(op, err))
	}

	return n, nil
}

// CountFromIndex returns the number of records whose indexed field equals key.
func (b *Base[T]) CountFromIndex(ctx context.Context, index string, key interface{}) (int, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.CountFromIndex")
	defer span.Finish()

	var n int
	err := b.walkIndex(ctx, index, key, func(T) (bool, error) {
		n++
		return true, nil
	})
	if err != nil {
		return 0, tracing.LogError(span, err)
	}

	return n, nil
}

// Exists reports whether a record with the primary key is present.
func (b *Base[T]) Exists(ctx context.Context, id int64) (bool, error) {
	rec, err := b.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !rec.Empty(), nil
}

// Save persists the record as a single-element batch.
func (b *Base[T]) Save(ctx context.Context, rec T) error {
	return b.SaveAll(ctx, rec)
}

// SaveAll persists every record inside one write transaction, assigning
// auto-increment keys where the table requires them and maintaining every
// secondary index. The first failing insert aborts the whole batch, and an
// aborted batch leaves the caller's records untouched: assigned ids are
// rolled back and none of the records turn loaded.
func (b *Base[T]) SaveAll(ctx context.Context, recs ...T) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.SaveAll")
	defer span.Finish()

	const op = "record.SaveAll"

	if len(recs) == 0 {
		return nil
	}

	store, err := b.activeStore()
	if err != nil {
		return tracing.LogError(span, err)
	}

	// Assigned ids must be visible while encoding the documents, so they
	// are set inside the transaction and undone if it aborts.
	var assigned []T
	err = store.Update(ctx, func(tx kv.Tx) error {
		schema, err := kv.GetTableSchema(tx, b.entry.Table)
		if err != nil {
			return err
		}

		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		for _, rec := range recs {
			if rec.PK() == 0 && schema.AutoIncrement {
				seq, err := bkt.NextSequence()
				if err != nil {
					return err
				}
				rec.SetPK(int64(seq))
				assigned = append(assigned, rec)
			}

			if err := b.put(tx, schema, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, rec := range assigned {
			rec.SetPK(0)
		}
		return tracing.LogError(span, storeErr(op, err))
	}

	for _, rec := range recs {
		markLoaded(rec)
	}
	return nil
}

// Update replaces the row with the record's primary key in place. The row
// must already exist.
func (b *Base[T]) Update(ctx context.Context, rec T) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.Update")
	defer span.Finish()

	const op = "record.Update"

	store, err := b.activeStore()
	if err != nil {
		return tracing.LogError(span, err)
	}

	err = store.Update(ctx, func(tx kv.Tx) error {
		schema, err := kv.GetTableSchema(tx, b.entry.Table)
		if err != nil {
			return err
		}

		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		if _, err := bkt.Get(kv.EncodePK(rec.PK())); err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				return &cabinet.Error{
					Code: cabinet.ENotFound,
					Msg:  "record does not exist",
					Op:   op,
				}
			}
			return err
		}

		return b.put(tx, schema, rec)
	})
	if err != nil {
		return tracing.LogError(span, storeErr(op, err))
	}

	markLoaded(rec)
	return nil
}

// put writes one row and keeps its index entries in sync, dropping stale
// entries when the row replaces an earlier version. Primary keys are the
// caller's responsibility; put never assigns or mutates the record.
func (b *Base[T]) put(tx kv.Tx, schema kv.TableSchema, rec T) error {
	bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
	if err != nil {
		return err
	}

	pk := kv.EncodePK(rec.PK())

	old, err := bkt.Get(pk)
	if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return err
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return &cabinet.Error{
			Code: cabinet.EInvalid,
			Msg:  "encoding record document",
			Err:  err,
		}
	}

	if err := bkt.Put(pk, doc); err != nil {
		return err
	}

	for _, index := range schema.Indexes {
		idxBkt, err := tx.Bucket(kv.IndexBucket(b.entry.Table, index))
		if err != nil {
			return err
		}

		if old != nil {
			if err := deleteIndexEntry(idxBkt, old, pk, index); err != nil {
				return err
			}
		}

		fk, ok, err := kv.ExtractIndexValue(doc, index)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if err := idxBkt.Put(kv.IndexEntryKey(fk, pk), pk); err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes by primary key, resolving the id via Get first: removing
// an id which was never persisted is a harmless no-op.
func (b *Base[T]) Remove(ctx context.Context, id int64) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.Remove")
	defer span.Finish()

	const op = "record.Remove"

	rec, err := b.Get(ctx, id)
	if err != nil {
		return tracing.LogError(span, err)
	}
	if rec.Empty() {
		return nil
	}

	store, err := b.activeStore()
	if err != nil {
		return tracing.LogError(span, err)
	}

	err = store.Update(ctx, func(tx kv.Tx) error {
		schema, err := kv.GetTableSchema(tx, b.entry.Table)
		if err != nil {
			return err
		}

		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		pk := kv.EncodePK(id)

		doc, err := bkt.Get(pk)
		if err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		for _, index := range schema.Indexes {
			idxBkt, err := tx.Bucket(kv.IndexBucket(b.entry.Table, index))
			if err != nil {
				return err
			}
			if err := deleteIndexEntry(idxBkt, doc, pk, index); err != nil {
				return err
			}
		}

		return bkt.Delete(pk)
	})

	return tracing.LogError(span, storeErr(op, err))
}

// RemoveRecord deletes the record instance by its primary key. Deleting an
// empty instance is a no-op.
func (b *Base[T]) RemoveRecord(ctx context.Context, rec T) error {
	if rec.Empty() {
		return nil
	}
	return b.Remove(ctx, rec.PK())
}

// RemoveFromIndex deletes the first record whose indexed field equals key.
// No match is a harmless no-op, matching Remove.
func (b *Base[T]) RemoveFromIndex(ctx context.Context, index string, key interface{}) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.RemoveFromIndex")
	defer span.Finish()

	rec, err := b.GetFromIndex(ctx, index, key)
	if err != nil {
		return tracing.LogError(span, err)
	}
	return tracing.LogError(span, b.RemoveRecord(ctx, rec))
}

// NextNewID reserves a negative-valued, local-only identifier. The lowest
// existing id is found via an id-ascending cursor; negative ids sort before
// server-assigned ones, so the result is strictly decreasing and
// collision-free.
func (b *Base[T]) NextNewID(ctx context.Context) (int64, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.NextNewID")
	defer span.Finish()

	const op = "record.NextNewID"

	store, err := b.activeStore()
	if err != nil {
		return 0, tracing.LogError(span, err)
	}

	id := int64(-1)
	err = store.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := bkt.ForwardCursor(nil)
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(pk, _ []byte) (bool, error) {
			lowest, err := kv.DecodePK(pk)
			if err != nil {
				return false, err
			}

			if lowest < 0 {
				id = lowest - 1
			}
			return false, nil
		})
	})
	if err != nil {
		return 0, tracing.LogError(span, storeErr(op, err))
	}

	return id, nil
}

// Clear removes every row of the table and every entry of its indexes.
func (b *Base[T]) Clear(ctx context.Context) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "record.Clear")
	defer span.Finish()

	const op = "record.Clear"

	store, err := b.activeStore()
	if err != nil {
		return tracing.LogError(span, err)
	}

	err = store.Update(ctx, func(tx kv.Tx) error {
		schema, err := kv.GetTableSchema(tx, b.entry.Table)
		if err != nil {
			return err
		}

		buckets := [][]byte{kv.TableBucket(b.entry.Table)}
		for _, index := range schema.Indexes {
			buckets = append(buckets, kv.IndexBucket(b.entry.Table, index))
		}

		for _, name := range buckets {
			if err := clearBucket(ctx, tx, name); err != nil {
				return err
			}
		}
		return nil
	})

	return tracing.LogError(span, storeErr(op, err))
}

// clearBucket deletes every key of the bucket. Keys are collected before
// deletion; deleting underneath a live cursor is undefined in bolt.
func clearBucket(ctx context.Context, tx kv.Tx, name []byte) error {
	bkt, err := tx.Bucket(name)
	if err != nil {
		return err
	}

	cur, err := bkt.ForwardCursor(nil)
	if err != nil {
		return err
	}

	var keys [][]byte
	if err := kv.WalkCursor(ctx, cur, func(k, _ []byte) (bool, error) {
		keys = append(keys, append([]byte{}, k...))
		return true, nil
	}); err != nil {
		return err
	}

	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func deleteIndexEntry(idxBkt kv.Bucket, doc, pk []byte, index string) error {
	fk, ok, err := kv.ExtractIndexValue(doc, index)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return idxBkt.Delete(kv.IndexEntryKey(fk, pk))
}

// walkIndex visits every record whose indexed field equals key, in index
// order, until the visit function returns false.
func (b *Base[T]) walkIndex(ctx context.Context, index string, key interface{}, visit func(T) (bool, error)) error {
	const op = "record.walkIndex"

	store, err := b.activeStore()
	if err != nil {
		return err
	}

	fk, err := encodeIndexKey(key)
	if err != nil {
		return err
	}
	prefix := kv.IndexPrefix(fk)

	err = store.View(ctx, func(tx kv.Tx) error {
		idxBkt, err := tx.Bucket(kv.IndexBucket(b.entry.Table, index))
		if err != nil {
			return err
		}

		tableBkt, err := tx.Bucket(kv.TableBucket(b.entry.Table))
		if err != nil {
			return err
		}

		cur, err := idxBkt.ForwardCursor(prefix, kv.WithCursorPrefix(prefix))
		if err != nil {
			return err
		}

		return kv.WalkCursor(ctx, cur, func(_, pk []byte) (bool, error) {
			doc, err := tableBkt.Get(pk)
			if err != nil {
				return false, err
			}

			rec, err := b.decode(doc)
			if err != nil {
				return false, err
			}

			return visit(rec)
		})
	})

	return storeErr(op, err)
}

// encodeIndexKey maps a Go value onto the index foreign-key encoding via
// its JSON form, matching how index entries were written.
func encodeIndexKey(key interface{}) ([]byte, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return nil, &cabinet.Error{
			Code: cabinet.EInvalid,
			Msg:  "encoding index key",
			Err:  err,
		}
	}
	return kv.EncodeIndexValue(raw)
}
