package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	RepoID   string   `json:"repo_id"`
	ObjectID string   `json:"object_id"`
	Value    string   `json:"value"`
	Tags     []string `json:"tags,omitempty"`
}

func (*testDoc) Collection() string { return "test_doc" }

func (d *testDoc) DocKey() Key { return Key{RepoID: d.RepoID, ObjectID: d.ObjectID} }

func newTestDoc(key Key) *testDoc {
	return &testDoc{RepoID: key.RepoID, ObjectID: key.ObjectID}
}

func drivers(t *testing.T) map[string]Driver {
	t.Helper()
	ctx := context.Background()
	lite, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]Driver{
		DriverMemory: NewMemory(),
		DriverSQLite: lite,
	}
}

func TestDriverContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{RepoID: "git", ObjectID: "abc"}
			_, err := d.Get(ctx, "c", key)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, d.Insert(ctx, "c", key, []byte(`{"v":1}`)))
			err = d.Insert(ctx, "c", key, []byte(`{"v":2}`))
			require.ErrorIs(t, err, ErrDuplicateKey)

			// Same object id in another collection or repo is a distinct key.
			require.NoError(t, d.Insert(ctx, "other", key, []byte(`{}`)))
			require.NoError(t, d.Insert(ctx, "c", Key{RepoID: "hg", ObjectID: "abc"}, []byte(`{}`)))

			body, err := d.Get(ctx, "c", key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":1}`, string(body))

			require.NoError(t, d.PutMany(ctx, "c", map[Key][]byte{
				key:                             []byte(`{"v":3}`),
				{RepoID: "git", ObjectID: "def"}: []byte(`{"v":4}`),
			}))
			got, err := d.GetMany(ctx, "c", "git", []string{"abc", "def", "missing"})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.JSONEq(t, `{"v":3}`, string(got["abc"]))
			assert.JSONEq(t, `{"v":4}`, string(got["def"]))

			require.NoError(t, d.Update(ctx, "c", key, func(b []byte) ([]byte, error) {
				return []byte(`{"v":5}`), nil
			}))
			body, err = d.Get(ctx, "c", key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":5}`, string(body))

			err = d.Update(ctx, "c", Key{RepoID: "git", ObjectID: "nope"}, func(b []byte) ([]byte, error) { return b, nil })
			require.ErrorIs(t, err, ErrNotFound)

			boom := errors.New("boom")
			err = d.Update(ctx, "c", key, func([]byte) ([]byte, error) { return nil, boom })
			require.ErrorIs(t, err, boom)
			body, err = d.Get(ctx, "c", key)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":5}`, string(body), "failed update must not write")

			require.NoError(t, d.Delete(ctx, "c", key))
			require.NoError(t, d.Delete(ctx, "c", key))
			_, err = d.Get(ctx, "c", key)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLiteGetManyChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	defer d.Close()

	docs := make(map[Key][]byte)
	var ids []string
	for i := range getManyChunk*2 + 7 {
		id := fmt.Sprintf("obj-%04d", i)
		ids = append(ids, id)
		docs[Key{RepoID: "git", ObjectID: id}] = []byte(`{}`)
	}
	require.NoError(t, d.PutMany(ctx, "c", docs))
	got, err := d.GetMany(ctx, "c", "git", ids)
	require.NoError(t, err)
	assert.Len(t, got, len(ids))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "mongo", "")
	require.Error(t, err)
}

func TestUpsertCreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{RepoID: "git", ObjectID: "c1"}
			const workers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
				errs    []error
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sess := NewSession(d)
					doc, ok, err := Upsert(ctx, sess, key, newTestDoc)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if doc.ObjectID != "c1" {
						errs = append(errs, errors.New("wrong document returned"))
					}
					if ok {
						created++
					}
				}()
			}
			wg.Wait()
			require.Empty(t, errs)
			assert.Equal(t, 1, created)
		})
	}
}

func TestUpsertReturnsExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewMemory()
	key := Key{RepoID: "git", ObjectID: "c1"}
	require.NoError(t, d.Insert(ctx, "test_doc", key, []byte(`{"repo_id":"git","object_id":"c1","value":"stored"}`)))

	sess := NewSession(d)
	doc, created, err := Upsert(ctx, sess, key, newTestDoc)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "stored", doc.Value)

	again, err := Load[testDoc](ctx, sess, key)
	require.NoError(t, err)
	assert.Same(t, doc, again, "identity map returns the tracked instance")
}

// racingDriver reports a duplicate key on insert as if another writer had
// inserted the document between the session's lookup and its insert.
type racingDriver struct {
	*Memory
}

func (r racingDriver) Insert(ctx context.Context, coll string, key Key, body []byte) error {
	_ = r.Memory.Insert(ctx, coll, key, []byte(`{"repo_id":"git","object_id":"c1","value":"winner"}`))
	return ErrDuplicateKey
}

func TestUpsertRefetchesAfterLostRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := NewSession(racingDriver{NewMemory()})
	doc, created, err := Upsert(ctx, sess, Key{RepoID: "git", ObjectID: "c1"}, newTestDoc)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", doc.Value)
	assert.Equal(t, 1, sess.Len())
}

type failingDriver struct {
	*Memory
}

func (failingDriver) Insert(context.Context, string, Key, []byte) error {
	return errors.New("disk full")
}

func TestUpsertPropagatesOtherErrors(t *testing.T) {
	t.Parallel()
	sess := NewSession(failingDriver{NewMemory()})
	_, _, err := Upsert(context.Background(), sess, Key{RepoID: "git", ObjectID: "c1"}, newTestDoc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateKey)
}

func TestSessionFlushAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewMemory()
	sess := NewSession(d)
	for _, id := range []string{"a", "b", "c"} {
		sess.Track(&testDoc{RepoID: "git", ObjectID: id, Value: id})
	}
	assert.Equal(t, 0, d.Len("test_doc"), "tracking alone does not write")
	require.NoError(t, sess.Flush(ctx))
	assert.Equal(t, 3, d.Len("test_doc"))

	sess.Clear()
	assert.Equal(t, 0, sess.Len())

	docs, err := LoadMany[testDoc](ctx, sess, "git", []string{"a", "c", "zz"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c", docs["c"].Value)

	sess.Expunge(docs["a"])
	assert.Equal(t, 1, sess.Len())
}

func TestSessionAddToSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			sess := NewSession(d)
			doc := &testDoc{RepoID: "git", ObjectID: "c1", Value: "keep"}
			require.NoError(t, sess.Save(ctx, doc))

			added, err := sess.AddToSet(ctx, doc, "tags", "r1")
			require.NoError(t, err)
			assert.True(t, added)
			added, err = sess.AddToSet(ctx, doc, "tags", "r1")
			require.NoError(t, err)
			assert.False(t, added)
			_, err = sess.AddToSet(ctx, doc, "tags", "r2")
			require.NoError(t, err)

			fresh, err := Load[testDoc](ctx, NewSession(d), doc.DocKey())
			require.NoError(t, err)
			assert.Equal(t, []string{"r1", "r2"}, fresh.Tags)
			assert.Equal(t, "keep", fresh.Value)
		})
	}
}

func TestLoadMissingIsNil(t *testing.T) {
	t.Parallel()
	doc, err := Load[testDoc](context.Background(), NewSession(NewMemory()), Key{RepoID: "git", ObjectID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFlushSkipsUntrackedLoads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewMemory()
	key := Key{RepoID: "git", ObjectID: "c1"}
	require.NoError(t, NewSession(d).Save(ctx, &testDoc{RepoID: "git", ObjectID: "c1", Value: "old"}))

	stale := NewSession(d)
	doc, err := Load[testDoc](ctx, stale, key)
	require.NoError(t, err)
	require.NotNil(t, doc)

	require.NoError(t, NewSession(d).Save(ctx, &testDoc{RepoID: "git", ObjectID: "c1", Value: "new"}))
	require.NoError(t, stale.Flush(ctx))
	fresh, err := Load[testDoc](ctx, NewSession(d), key)
	require.NoError(t, err)
	assert.Equal(t, "new", fresh.Value, "a loaded document is not written back unless tracked")

	doc.Value = "mine"
	stale.Track(doc)
	require.NoError(t, stale.Flush(ctx))
	fresh, err = Load[testDoc](ctx, NewSession(d), key)
	require.NoError(t, err)
	assert.Equal(t, "mine", fresh.Value)
}

type setDoc struct {
	testDoc
}

func (*setDoc) Collection() string { return "set_doc" }

func (*setDoc) SetFields() []string { return []string{"tags"} }

func TestFlushKeepsSetFieldsAddedElsewhere(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, d := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{RepoID: "git", ObjectID: "c1"}
			mine := NewSession(d)
			doc := &setDoc{testDoc{RepoID: "git", ObjectID: "c1", Value: "v1", Tags: []string{"r1"}}}
			mine.Track(doc)
			require.NoError(t, mine.Flush(ctx), "first flush inserts through PutMany")

			other := NewSession(d)
			added, err := other.AddToSet(ctx, doc, "tags", "r2")
			require.NoError(t, err)
			require.True(t, added)

			doc.Value = "v2"
			mine.Track(doc)
			require.NoError(t, mine.Flush(ctx))

			stored, err := Load[setDoc](ctx, NewSession(d), key)
			require.NoError(t, err)
			assert.Equal(t, "v2", stored.Value)
			assert.Equal(t, []string{"r1", "r2"}, stored.Tags)
		})
	}
}
