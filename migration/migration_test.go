package migration_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/bolt"
	"github.com/cabinetdb/cabinet/kv"
	"github.com/cabinetdb/cabinet/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// openWith opens the bolt file at path, upgrading it through the sequence.
func openWith(t *testing.T, path string, seq *migration.Sequence) (*bolt.KVStore, error) {
	t.Helper()

	runner := migration.NewRunner(zaptest.NewLogger(t), seq)

	s := bolt.NewKVStore(path,
		bolt.WithNoSync(),
		bolt.WithVersion(seq.Latest()),
		bolt.WithOnUpgrade(runner.Upgrade))

	if err := s.Open(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func mustOpenWith(t *testing.T, path string, seq *migration.Sequence) *bolt.KVStore {
	t.Helper()

	s, err := openWith(t, path, seq)
	require.NoError(t, err)
	return s
}

func tableSchema(t *testing.T, s *bolt.KVStore, table string) (kv.TableSchema, error) {
	t.Helper()

	var schema kv.TableSchema
	err := s.View(context.Background(), func(tx kv.Tx) error {
		var err error
		schema, err = kv.GetTableSchema(tx, table)
		return err
	})
	return schema, err
}

func hasBucket(t *testing.T, s *bolt.KVStore, name []byte) bool {
	t.Helper()

	err := s.View(context.Background(), func(tx kv.Tx) error {
		_, err := tx.Bucket(name)
		return err
	})
	return err == nil
}

func TestSequence_VersionStamping(t *testing.T) {
	seq := migration.NewSequence()
	assert.Zero(t, seq.Latest())

	first := seq.Next()
	second := seq.Next()

	assert.Equal(t, uint64(1), first.Version())
	assert.Equal(t, uint64(2), second.Version())
	assert.Equal(t, uint64(2), seq.Latest())
}

func TestSequence_BaseVersion(t *testing.T) {
	seq := migration.NewSequence(migration.WithBaseVersion(10))
	assert.Equal(t, uint64(10), seq.Next().Version())
	assert.Equal(t, uint64(11), seq.Next().Version())
}

func TestRunner_FreshStoreAppliesEveryStep(t *testing.T) {
	seq := migration.NewSequence()
	seq.Next().NewTable("users", migration.WithIndexes("email"))
	seq.Next().NewTable("posts")
	seq.Next().NewIndexes("posts", "author")

	path := filepath.Join(t.TempDir(), "cabinet.bolt")
	s := mustOpenWith(t, path, seq)
	defer s.Close()

	for _, bucket := range [][]byte{
		kv.TableBucket("users"),
		kv.IndexBucket("users", "email"),
		kv.TableBucket("posts"),
		kv.IndexBucket("posts", "author"),
	} {
		assert.True(t, hasBucket(t, s, bucket), "expected bucket %q", bucket)
	}

	users, err := tableSchema(t, s, "users")
	require.NoError(t, err)
	assert.Equal(t, "id", users.Key)
	assert.True(t, users.AutoIncrement)
	assert.Equal(t, []string{"email"}, users.Indexes)

	posts, err := tableSchema(t, s, "posts")
	require.NoError(t, err)
	assert.Equal(t, []string{"author"}, posts.Indexes)
}

func TestRunner_AppliesOnlyTraversedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cabinet.bolt")

	seq := migration.NewSequence()
	seq.Next().NewTable("users")

	s := mustOpenWith(t, path, seq)
	require.NoError(t, s.Close())

	// re-opening at the same version replays nothing: replaying the
	// new-table step would fail on the duplicate bucket
	s = mustOpenWith(t, path, seq)
	require.NoError(t, s.Close())

	// a new step is picked up on the next open, earlier steps are skipped
	seq.Next().NewTable("posts")

	s = mustOpenWith(t, path, seq)
	defer s.Close()

	assert.True(t, hasBucket(t, s, kv.TableBucket("users")))
	assert.True(t, hasBucket(t, s, kv.TableBucket("posts")))
}

func TestRunner_NewIndexesBackfillsExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cabinet.bolt")

	seq := migration.NewSequence()
	seq.Next().NewTable("users")

	s := mustOpenWith(t, path, seq)

	// seed rows before the index exists
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.TableBucket("users"))
		if err != nil {
			return err
		}
		rows := map[int64]string{
			1: `{"id":1,"email":"a@example.com"}`,
			2: `{"id":2,"email":"b@example.com"}`,
			3: `{"id":3}`,
		}
		for id, doc := range rows {
			if err := bkt.Put(kv.EncodePK(id), []byte(doc)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, s.Close())

	seq.Next().NewIndexes("users", "email")

	s = mustOpenWith(t, path, seq)
	defer s.Close()

	var entries int
	require.NoError(t, s.View(ctx, func(tx kv.Tx) error {
		bkt, err := tx.Bucket(kv.IndexBucket("users", "email"))
		if err != nil {
			return err
		}
		cur, err := bkt.ForwardCursor(nil)
		if err != nil {
			return err
		}
		return kv.WalkCursor(ctx, cur, func(_, _ []byte) (bool, error) {
			entries++
			return true, nil
		})
	}))

	// the row without the field contributes no entry
	assert.Equal(t, 2, entries)

	schema, err := tableSchema(t, s, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, schema.Indexes)
}

func TestRunner_DuplicateIndexAbortsUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cabinet.bolt")

	seq := migration.NewSequence()
	seq.Next().NewTable("users", migration.WithIndexes("email"))

	s := mustOpenWith(t, path, seq)
	require.NoError(t, s.Close())

	seq.Next().NewIndexes("users", "email")

	_, err := openWith(t, path, seq)
	require.Error(t, err)
	assert.Equal(t, cabinet.EMigration, cabinet.ErrorCode(err))

	// the store is still openable at its pre-upgrade version
	old := migration.NewSequence()
	old.Next().NewTable("users", migration.WithIndexes("email"))

	s = mustOpenWith(t, path, old)
	defer s.Close()
}

func TestRunner_NewIndexesOnMissingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cabinet.bolt")

	seq := migration.NewSequence()
	seq.Next().NewIndexes("ghosts", "name")

	_, err := openWith(t, path, seq)
	require.Error(t, err)
	assert.Equal(t, cabinet.EMigration, cabinet.ErrorCode(err))
}

func TestStep_TableOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cabinet.bolt")

	seq := migration.NewSequence()
	seq.Next().NewTable("events",
		migration.WithKey("seq"),
		migration.WithoutAutoIncrement(),
		migration.WithIndexes("kind", "source"))

	s := mustOpenWith(t, path, seq)
	defer s.Close()

	schema, err := tableSchema(t, s, "events")
	require.NoError(t, err)
	assert.Equal(t, "seq", schema.Key)
	assert.False(t, schema.AutoIncrement)
	assert.Equal(t, []string{"kind", "source"}, schema.Indexes)
}

type recorderSpy struct {
	calls map[string][]string
}

func (r *recorderSpy) RecordIndexes(table string, indexes ...string) {
	if r.calls == nil {
		r.calls = map[string][]string{}
	}
	r.calls[table] = append(r.calls[table], indexes...)
}

func TestStep_NotifiesIndexRecorder(t *testing.T) {
	spy := &recorderSpy{}

	seq := migration.NewSequence(migration.WithIndexRecorder(spy))
	seq.Next().NewTable("users", migration.WithIndexes("email"))
	seq.Next().NewIndexes("users", "name")

	// declaration alone records the indexes; no store was ever touched
	assert.Equal(t, []string{"email", "name"}, spy.calls["users"])
}
