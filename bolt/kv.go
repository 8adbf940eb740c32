package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/kv"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	metaBucket       = []byte("cabinetmetav1")
	schemaVersionKey = []byte("schemaVersion")
)

// UpgradeFunc is invoked inside the single upgrade transaction whenever the
// store is opened at a version higher than the one on disk.
type UpgradeFunc func(ctx context.Context, oldVersion, newVersion uint64, tx kv.SchemaTx) error

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger

	version   uint64
	onUpgrade UpgradeFunc
	noSync    bool
}

// Option configures a KVStore.
type Option func(*KVStore)

// WithVersion sets the schema version the store is opened at.
func WithVersion(version uint64) Option {
	return func(s *KVStore) {
		s.version = version
	}
}

// WithOnUpgrade sets the callback granted the upgrade transaction when the
// requested version exceeds the stored one.
func WithOnUpgrade(fn UpgradeFunc) Option {
	return func(s *KVStore) {
		s.onUpgrade = fn
	}
}

// WithNoSync disables fsync on every commit. Useful to speed up tests,
// unsafe anywhere else.
func WithNoSync() Option {
	return func(s *KVStore) {
		s.noSync = true
	}
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path.
func NewKVStore(path string, opts ...Option) *KVStore {
	s := &KVStore{
		path:   path,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithLogger sets the logger on the store.
func (s *KVStore) WithLogger(l *zap.Logger) {
	s.logger = l
}

// DB returns the bolt DB underlying the store.
func (s *KVStore) DB() *bolt.DB {
	return s.db
}

// Open creates the boltDB file if it doesn't exist and opens it, then runs
// the upgrade callback when the requested schema version exceeds the stored
// one. The callback and the version write share one write transaction, so a
// failed upgrade leaves the store at its pre-upgrade schema.
func (s *KVStore) Open(ctx context.Context) error {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Open database file.
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	db.NoSync = s.noSync
	s.db = db

	if err := s.upgrade(ctx); err != nil {
		s.db.Close()
		s.db = nil
		return err
	}

	s.logger.Info("Resources opened", zap.String("path", s.path))
	return nil
}

func (s *KVStore) upgrade(ctx context.Context) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		meta, err := btx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if _, err := btx.CreateBucketIfNotExists(kv.SchemaBucket); err != nil {
			return err
		}

		var oldVersion uint64
		if v := meta.Get(schemaVersionKey); len(v) == 8 {
			oldVersion = binary.BigEndian.Uint64(v)
		}

		if oldVersion >= s.version {
			return nil
		}

		if s.onUpgrade != nil {
			s.logger.Info("Upgrading store schema",
				zap.Uint64("old_version", oldVersion),
				zap.Uint64("new_version", s.version))

			tx := &Tx{tx: btx, ctx: ctx}
			if err := s.onUpgrade(ctx, oldVersion, s.version, tx); err != nil {
				return err
			}
		}

		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, s.version)
		return meta.Put(schemaVersionKey, v)
	})
}

// Close the connection to the bolt database.
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Flush removes all bolt keys within each bucket.
func (s *KVStore) Flush(ctx context.Context) {
	_ = s.db.Update(
		func(tx *bolt.Tx) error {
			return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
				s.cleanBucket(tx, b)
				return nil
			})
		},
	)
}

func (s *KVStore) cleanBucket(tx *bolt.Tx, b *bolt.Bucket) {
	// nested bucket recursion base case:
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		_ = v
		if err := c.Delete(); err != nil {
			// clean out nested buckets
			s.cleanBucket(tx, b.Bucket(k))
		}
	}
}

// View opens up a view transaction against the store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Update opens up an update transaction against the store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Tx is a light wrapper around a boltdb transaction. It implements kv.Tx
// and, for writable transactions, kv.SchemaTx.
type Tx struct {
	tx  *bolt.Tx
	ctx context.Context
}

// Context returns the context for the transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// WithContext sets the context for the transaction.
func (tx *Tx) WithContext(ctx context.Context) {
	tx.ctx = ctx
}

// Bucket retrieves the bucket named b. Buckets are created by migrations;
// a missing bucket is reported, not created.
func (tx *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt := tx.tx.Bucket(b)
	if bkt == nil {
		return nil, &cabinet.Error{
			Code: cabinet.EStore,
			Msg:  fmt.Sprintf("bucket %q not found", string(b)),
			Err:  kv.ErrBucketNotFound,
		}
	}
	return &Bucket{
		bucket: bkt,
	}, nil
}

// CreateBucket creates the bucket named b. Creating a bucket which already
// exists is a failed migration task.
func (tx *Tx) CreateBucket(b []byte) (kv.Bucket, error) {
	bkt, err := tx.tx.CreateBucket(b)
	if err == bolt.ErrBucketExists {
		return nil, &cabinet.Error{
			Code: cabinet.EMigration,
			Msg:  fmt.Sprintf("bucket %q already exists", string(b)),
		}
	}
	if err == bolt.ErrTxNotWritable {
		return nil, kv.ErrTxNotWritable
	}
	if err != nil {
		return nil, err
	}
	return &Bucket{
		bucket: bkt,
	}, nil
}

// DeleteBucket removes the bucket named b and all of its keys.
func (tx *Tx) DeleteBucket(b []byte) error {
	err := tx.tx.DeleteBucket(b)
	switch err {
	case bolt.ErrBucketNotFound:
		return kv.ErrBucketNotFound
	case bolt.ErrTxNotWritable:
		return kv.ErrTxNotWritable
	}
	return err
}

// Bucket implements kv.Bucket.
type Bucket struct {
	bucket *bolt.Bucket
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	val := b.bucket.Get(key)
	if len(val) == 0 {
		return nil, kv.ErrKeyNotFound
	}

	return val, nil
}

// Put sets the value at the provided key.
func (b *Bucket) Put(key []byte, value []byte) error {
	err := b.bucket.Put(key, value)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// Delete removes the provided key.
func (b *Bucket) Delete(key []byte) error {
	err := b.bucket.Delete(key)
	if err == bolt.ErrTxNotWritable {
		return kv.ErrTxNotWritable
	}
	return err
}

// NextSequence returns an autoincrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	seq, err := b.bucket.NextSequence()
	if err == bolt.ErrTxNotWritable {
		return 0, kv.ErrTxNotWritable
	}
	return seq, err
}

// ForwardCursor retrieves a cursor for iterating through the entries
// in the key value store in the configured direction.
func (b *Bucket) ForwardCursor(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error) {
	return &Cursor{
		cursor: b.bucket.Cursor(),
		seek:   seek,
		config: kv.NewCursorConfig(opts...),
	}, nil
}

// Cursor is a struct for iterating through the entries
// in the key value store.
type Cursor struct {
	cursor *bolt.Cursor
	seek   []byte
	config kv.CursorConfig

	started bool
	closed  bool
}

// Next returns the next key/value pair in the configured direction,
// or nils once the cursor is exhausted or leaves the configured prefix.
func (c *Cursor) Next() ([]byte, []byte) {
	if c.closed {
		return nil, nil
	}

	var k, v []byte
	switch {
	case !c.started:
		c.started = true
		k, v = c.start()
	case c.config.Direction == kv.CursorDescending:
		k, v = c.cursor.Prev()
	default:
		k, v = c.cursor.Next()
	}

	if len(k) == 0 && len(v) == 0 {
		return nil, nil
	}

	if prefix := c.config.Prefix; len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
		return nil, nil
	}

	return k, v
}

func (c *Cursor) start() ([]byte, []byte) {
	if c.config.Direction == kv.CursorDescending {
		return c.startDescending()
	}

	if len(c.seek) > 0 {
		return c.cursor.Seek(c.seek)
	}
	// A prefix without an explicit seek still starts at the prefix; the
	// bucket's first key may sort before it.
	if len(c.config.Prefix) > 0 {
		return c.cursor.Seek(c.config.Prefix)
	}
	return c.cursor.First()
}

// startDescending positions the cursor on the highest key within the
// configured prefix, or the highest key of the bucket when no prefix is set.
func (c *Cursor) startDescending() ([]byte, []byte) {
	prefix := c.config.Prefix
	if len(prefix) == 0 {
		return c.cursor.Last()
	}

	if bound := prefixUpperBound(prefix); bound != nil {
		if k, _ := c.cursor.Seek(bound); k != nil {
			return c.cursor.Prev()
		}
	}
	return c.cursor.Last()
}

// prefixUpperBound returns the smallest key greater than every key carrying
// the prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	bound := append([]byte{}, prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// Err always returns nil; bolt cursors do not surface iteration errors.
func (c *Cursor) Err() error {
	return nil
}

// Close marks the cursor exhausted. The underlying bolt cursor lives and
// dies with its transaction.
func (c *Cursor) Close() error {
	c.closed = true
	return nil
}
