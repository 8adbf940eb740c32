package record

import (
	"context"
)

// IndexQuery is a query surface bound to one secondary index of a record
// type. It is the generic replacement for synthesizing one accessor method
// per index name: callers obtain a bound query once and never pass the
// index name again.
type IndexQuery[T Record] struct {
	base  *Base[T]
	index string
}

// Index returns the query surface bound to the named index.
func (b *Base[T]) Index(name string) *IndexQuery[T] {
	return &IndexQuery[T]{
		base:  b,
		index: name,
	}
}

// Accessors rebuilds the name-to-query map from the index set migrations
// have recorded for the type. Rebuilding after new migrations neither
// duplicates nor breaks previously obtained accessors.
func (b *Base[T]) Accessors() map[string]*IndexQuery[T] {
	accessors := map[string]*IndexQuery[T]{}
	for _, index := range b.reg.indexesFor(b.entry) {
		accessors[index] = b.Index(index)
	}
	return accessors
}

// Name returns the index the query is bound to.
func (q *IndexQuery[T]) Name() string {
	return q.index
}

// All fetches every record whose indexed field equals key.
func (q *IndexQuery[T]) All(ctx context.Context, key interface{}) ([]T, error) {
	return q.base.AllFromIndex(ctx, q.index, key)
}

// Get fetches the first record whose indexed field equals key, or the
// empty instance.
func (q *IndexQuery[T]) Get(ctx context.Context, key interface{}) (T, error) {
	return q.base.GetFromIndex(ctx, q.index, key)
}

// Count returns the number of records whose indexed field equals key.
func (q *IndexQuery[T]) Count(ctx context.Context, key interface{}) (int, error) {
	return q.base.CountFromIndex(ctx, q.index, key)
}

// First returns the record heading the index in ascending order.
func (q *IndexQuery[T]) First(ctx context.Context) (T, error) {
	return q.base.FirstFromIndex(ctx, q.index)
}

// Last returns the record heading the index in descending order.
func (q *IndexQuery[T]) Last(ctx context.Context) (T, error) {
	return q.base.LastFromIndex(ctx, q.index)
}

// Remove deletes the first record whose indexed field equals key. No match
// is a harmless no-op.
func (q *IndexQuery[T]) Remove(ctx context.Context, key interface{}) error {
	return q.base.RemoveFromIndex(ctx, q.index, key)
}

// Walk visits every record whose indexed field equals key, in index order,
// until the visit function returns false.
func (q *IndexQuery[T]) Walk(ctx context.Context, key interface{}, visit func(T) (bool, error)) error {
	return q.base.walkIndex(ctx, q.index, key, visit)
}
