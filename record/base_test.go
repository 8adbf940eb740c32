package record_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cabinetdb/cabinet"
	"github.com/cabinetdb/cabinet/bolt"
	"github.com/cabinetdb/cabinet/migration"
	"github.com/cabinetdb/cabinet/record"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type user struct {
	record.Model
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (u *user) RecordName() string { return "user" }
func (u *user) TableName() string  { return "users" }

type post struct {
	record.Model
	Title string `json:"title"`
}

func (p *post) RecordName() string { return "post" }
func (p *post) TableName() string  { return "posts" }

type fixture struct {
	reg   *record.Registry
	users *record.Base[*user]
	posts *record.Base[*post]
	store *bolt.KVStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := record.NewRegistry()

	users, err := record.Define(reg, func() *user { return &user{} })
	require.NoError(t, err)
	posts, err := record.Define(reg, func() *post { return &post{} })
	require.NoError(t, err)

	seq := migration.NewSequence(migration.WithIndexRecorder(reg))
	seq.Next().NewTable("users", migration.WithIndexes("email"))
	seq.Next().NewTable("posts")
	seq.Next().NewIndexes("users", "name")

	store := openStore(t, seq)
	require.NoError(t, reg.SetActiveStore(store))

	return &fixture{
		reg:   reg,
		users: users,
		posts: posts,
		store: store,
	}
}

func openStore(t *testing.T, seq *migration.Sequence) *bolt.KVStore {
	t.Helper()

	runner := migration.NewRunner(zaptest.NewLogger(t), seq)

	store := bolt.NewKVStore(filepath.Join(t.TempDir(), "cabinet.bolt"),
		bolt.WithNoSync(),
		bolt.WithVersion(seq.Latest()),
		bolt.WithOnUpgrade(runner.Upgrade))
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })

	return store
}

// recordsEqual ignores the unexported loaded flag backing Empty.
func recordsEqual(t *testing.T, want, got interface{}) {
	t.Helper()

	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(record.Model{})); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestBase_SaveGetRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &user{Email: "a@example.com", Name: "ada"}
	require.NoError(t, f.users.Save(ctx, u))

	// the table autoincrements, so a key was assigned and the instance is
	// no longer empty
	require.Equal(t, int64(1), u.PK())
	assert.False(t, u.Empty())

	got, err := f.users.Get(ctx, u.PK())
	require.NoError(t, err)
	require.False(t, got.Empty())
	recordsEqual(t, u, got)
}

func TestBase_GetMissingYieldsEmptyInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.users.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, got.Empty())

	ok, err := f.users.Exists(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBase_Exists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &user{Email: "a@example.com"}
	require.NoError(t, f.users.Save(ctx, u))

	ok, err := f.users.Exists(ctx, u.PK())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBase_AllOrderedByPrimaryKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := &user{Email: "local@example.com"}
	local.SetPK(-2)
	remote := &user{Email: "remote@example.com"}
	remote.SetPK(7)

	require.NoError(t, f.users.SaveAll(ctx, remote, local))

	all, err := f.users.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// ascending id order places local (negative) ids first
	assert.Equal(t, int64(-2), all[0].PK())
	assert.Equal(t, int64(7), all[1].PK())
}

func TestBase_FirstLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.users.First(ctx)
	require.NoError(t, err)
	assert.True(t, first.Empty(), "empty table yields the empty instance")

	a := &user{Email: "a@example.com"}
	a.SetPK(3)
	b := &user{Email: "b@example.com"}
	b.SetPK(9)
	require.NoError(t, f.users.SaveAll(ctx, a, b))

	first, err = f.users.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.PK())

	last, err := f.users.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), last.PK())
}

func TestBase_Count(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.users.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, f.users.SaveAll(ctx,
		&user{Email: "a@example.com"},
		&user{Email: "b@example.com"},
	))

	n, err = f.users.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBase_IndexQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.SaveAll(ctx,
		&user{Email: "a@example.com", Name: "ada"},
		&user{Email: "b@example.com", Name: "bob"},
		&user{Email: "a@example.com", Name: "ann"},
	))

	byEmail := f.users.Index("email")

	matches, err := byEmail.All(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	n, err := byEmail.Count(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := byEmail.Get(ctx, "b@example.com")
	require.NoError(t, err)
	require.False(t, got.Empty())
	assert.Equal(t, "bob", got.Name)

	missing, err := byEmail.Get(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.True(t, missing.Empty())

	byName := f.users.Index("name")

	first, err := byName.First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", first.Name)

	last, err := byName.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", last.Name)
}

func TestBase_Accessors(t *testing.T) {
	f := newFixture(t)

	accessors := f.users.Accessors()
	require.Len(t, accessors, 2)
	assert.Contains(t, accessors, "email")
	assert.Contains(t, accessors, "name")

	// regeneration is idempotent
	again := f.users.Accessors()
	require.Len(t, again, 2)
}

func TestBase_IndexMaintainedAcrossUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &user{Email: "old@example.com"}
	require.NoError(t, f.users.Save(ctx, u))

	u.Email = "new@example.com"
	require.NoError(t, f.users.Update(ctx, u))

	n, err := f.users.CountFromIndex(ctx, "email", "old@example.com")
	require.NoError(t, err)
	assert.Zero(t, n, "stale index entries must be dropped on replace")

	n, err = f.users.CountFromIndex(ctx, "email", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBase_UpdateMissingRecord(t *testing.T) {
	f := newFixture(t)

	u := &user{Email: "a@example.com"}
	u.SetPK(42)

	err := f.users.Update(context.Background(), u)
	require.Error(t, err)
	assert.Equal(t, cabinet.ENotFound, cabinet.ErrorCode(err))
}

func TestBase_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &user{Email: "a@example.com"}
	require.NoError(t, f.users.Save(ctx, u))

	require.NoError(t, f.users.Remove(ctx, u.PK()))

	ok, err := f.users.Exists(ctx, u.PK())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := f.users.CountFromIndex(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, n, "removal must clean up index entries")

	// removing an id which was never persisted is a harmless no-op
	require.NoError(t, f.users.Remove(ctx, 9000))
}

func TestBase_RemoveFromIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.SaveAll(ctx,
		&user{Email: "a@example.com"},
		&user{Email: "b@example.com"},
	))

	require.NoError(t, f.users.RemoveFromIndex(ctx, "email", "a@example.com"))

	n, err := f.users.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.users.CountFromIndex(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	// no match is a harmless no-op
	require.NoError(t, f.users.Index("email").Remove(ctx, "nobody@example.com"))
}

func TestBase_Clear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.SaveAll(ctx,
		&user{Email: "a@example.com"},
		&user{Email: "b@example.com"},
	))

	require.NoError(t, f.users.Clear(ctx))

	n, err := f.users.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.users.CountFromIndex(ctx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBase_RemoveRecordEmptyInstance(t *testing.T) {
	f := newFixture(t)

	// the not-found sentinel deletes nothing and errors nothing
	empty, err := f.users.Get(context.Background(), 77)
	require.NoError(t, err)
	require.NoError(t, f.users.RemoveRecord(context.Background(), empty))
}

func TestBase_NextNewID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("empty table", func(t *testing.T) {
		id, err := f.users.NextNewID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), id)
	})

	t.Run("only server-assigned ids", func(t *testing.T) {
		u := &user{Email: "a@example.com"}
		u.SetPK(5)
		require.NoError(t, f.users.Save(ctx, u))

		id, err := f.users.NextNewID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), id)
	})

	t.Run("existing local ids", func(t *testing.T) {
		u := &user{Email: "b@example.com"}
		u.SetPK(-3)
		require.NoError(t, f.users.Save(ctx, u))

		id, err := f.users.NextNewID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(-4), id)
	})
}

// draft fails encoding on demand so a batch can be aborted partway through.
type draft struct {
	record.Model
	Body string `json:"body"`

	encodeErr bool
}

func (d *draft) RecordName() string { return "draft" }
func (d *draft) TableName() string  { return "drafts" }

func (d *draft) MarshalJSON() ([]byte, error) {
	if d.encodeErr {
		return nil, errors.New("encode failure")
	}
	type plain draft
	return json.Marshal((*plain)(d))
}

func TestBase_AbortedBatchLeavesRecordsUntouched(t *testing.T) {
	reg := record.NewRegistry()

	drafts, err := record.Define(reg, func() *draft { return &draft{} })
	require.NoError(t, err)

	seq := migration.NewSequence(migration.WithIndexRecorder(reg))
	seq.Next().NewTable("drafts")

	store := openStore(t, seq)
	require.NoError(t, reg.SetActiveStore(store))

	ctx := context.Background()
	good := &draft{Body: "keep"}
	bad := &draft{Body: "boom", encodeErr: true}

	err = drafts.SaveAll(ctx, good, bad)
	require.Error(t, err)
	assert.Equal(t, cabinet.EInvalid, cabinet.ErrorCode(err))

	// nothing persisted, and the caller's records show it: the id assigned
	// to the earlier record was rolled back and both stay empty
	assert.Zero(t, good.PK())
	assert.True(t, good.Empty())
	assert.True(t, bad.Empty())

	n, err := drafts.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBase_SaveIntoUnmigratedTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// no migration ever declared an orphans table; the engine failure
	// propagates unchanged as a store error
	orphans, err := record.Define(f.reg, func() *orphan { return &orphan{} })
	require.NoError(t, err)

	err = orphans.SaveAll(ctx, &orphan{})
	require.Error(t, err)
	assert.Equal(t, cabinet.EStore, cabinet.ErrorCode(err))

	n, err := orphans.Count(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
}

type orphan struct {
	record.Model
}

func (o *orphan) RecordName() string { return "orphan" }
func (o *orphan) TableName() string  { return "orphans" }

func TestBase_UnboundStore(t *testing.T) {
	reg := record.NewRegistry()

	users, err := record.Define(reg, func() *user { return &user{} })
	require.NoError(t, err)

	_, err = users.All(context.Background())
	require.Error(t, err)
	assert.Equal(t, cabinet.EUnbound, cabinet.ErrorCode(err))
}

func TestBase_WithStoreDoesNotMutateSharedBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// second physical store with the same schema
	seq := migration.NewSequence()
	seq.Next().NewTable("users", migration.WithIndexes("email"))
	other := openStore(t, seq)

	rebound := f.users.WithStore(other)

	u := &user{Email: "elsewhere@example.com"}
	require.NoError(t, rebound.Save(ctx, u))

	// the derived surface reads its own store
	n, err := rebound.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the original surface, and every other type, still see the shared
	// default binding
	n, err = f.users.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.posts.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
