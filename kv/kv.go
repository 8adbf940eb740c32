package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is the error returned when the key requested is not found.
	ErrKeyNotFound = errors.New("key not found")
	// ErrBucketNotFound is the error returned when the bucket requested has not
	// been created by a migration yet.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrTxNotWritable is the error returned when a mutable operation is called
	// during a non-writable transaction.
	ErrTxNotWritable = errors.New("transaction is not writable")
)

// IsNotFound returns true if the error is a key or bucket not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrBucketNotFound)
}

// Store is an interface for a generic key value store. It is modeled after
// the boltdb database struct.
type Store interface {
	// View opens up a transaction that will not write to any data. Implementing interfaces
	// should take care to ensure that all view transactions do not mutate any data.
	View(context.Context, func(Tx) error) error
	// Update opens up a transaction that will mutate data.
	Update(context.Context, func(Tx) error) error
}

// Tx is a transaction in the store.
type Tx interface {
	// Bucket returns the bucket with the provided name. It does not create
	// missing buckets; schema changes go through a SchemaTx.
	Bucket(b []byte) (Bucket, error)
	Context() context.Context
	WithContext(ctx context.Context)
}

// SchemaTx is a writable transaction which may also alter the physical
// schema of the store. The engine grants one during a version-gated open;
// every migration task runs against it.
type SchemaTx interface {
	Tx

	// CreateBucket creates the named bucket and errors if it already exists.
	CreateBucket(b []byte) (Bucket, error)
	// DeleteBucket removes the named bucket and all of its keys.
	DeleteBucket(b []byte) error
}

// Bucket is the abstraction used to perform get/put/delete operations
// in a key value store.
type Bucket interface {
	Get(key []byte) ([]byte, error)
	// Put should error if the transaction it was called in is not writable.
	Put(key, value []byte) error
	// Delete should error if the transaction it was called in is not writable.
	Delete(key []byte) error
	// NextSequence returns a monotonically incrementing integer for the bucket.
	// It should error if the transaction it was called in is not writable.
	NextSequence() (uint64, error)
	// ForwardCursor returns a cursor which starts at the provided seek location
	// and iterates in the configured direction.
	ForwardCursor(seek []byte, opts ...CursorOption) (ForwardCursor, error)
}

// ForwardCursor is an abstraction for iterating/ranging through data in a
// single configured direction.
type ForwardCursor interface {
	// Next returns the next key/value pair, or nil key when exhausted.
	Next() (k, v []byte)
	// Err returns non-nil when an error occurred during iteration.
	Err() error
	// Close releases the cursor; callers must call it once finished.
	Close() error
}

// CursorDirection is the direction in which a forward cursor iterates.
type CursorDirection int

const (
	// CursorAscending iterates from the lowest key upward.
	CursorAscending CursorDirection = iota
	// CursorDescending iterates from the highest key downward.
	CursorDescending
)

// CursorConfig is the configuration of a forward cursor.
type CursorConfig struct {
	Direction CursorDirection
	Prefix    []byte
}

// CursorOption is a functional option for configuring a forward cursor.
type CursorOption func(*CursorConfig)

// WithCursorDirection sets the direction of iteration.
func WithCursorDirection(direction CursorDirection) CursorOption {
	return func(c *CursorConfig) {
		c.Direction = direction
	}
}

// WithCursorPrefix restricts iteration to keys carrying the provided prefix.
func WithCursorPrefix(prefix []byte) CursorOption {
	return func(c *CursorConfig) {
		c.Prefix = prefix
	}
}

// NewCursorConfig folds the provided options into a CursorConfig.
func NewCursorConfig(opts ...CursorOption) CursorConfig {
	conf := CursorConfig{}
	for _, opt := range opts {
		opt(&conf)
	}
	return conf
}

// VisitFunc is called for each key/value pair consumed from a cursor.
// Returning false stops iteration early.
type VisitFunc func(k, v []byte) (bool, error)

// WalkCursor consumes the forward cursor and calls the visit function for
// each entry until exhaustion, error or cancellation of the context.
func WalkCursor(ctx context.Context, cursor ForwardCursor, visit VisitFunc) (err error) {
	defer func() {
		if cerr := cursor.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		cont, err := visit(k, v)
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return cursor.Err()
}
