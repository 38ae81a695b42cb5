package relayspace

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated(t *testing.T) *Database {
	t.Helper()
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)

	conv, err := db.CreateEntity(a, KindConversation, "chat")
	require.NoError(t, err)
	share(t, db, a, b, conv, false)
	_, err = db.PostMessage(b, conv.Raw, 0, "hi")
	require.NoError(t, err)

	doc, err := db.CreateEntity(a, KindDocument, "doc")
	require.NoError(t, err)
	_, err = db.InsertElement(a, doc.Raw, 0, 0, Element{Data: "T", Style: StyleTitle})
	require.NoError(t, err)

	sheet, err := db.CreateEntity(b, KindSpreadsheet, "sheet")
	require.NoError(t, err)
	_, err = db.SetCell(b, sheet.Raw, 0, 3, Cell{Text: "3", Tags: []string{"x"}})
	require.NoError(t, err)

	bucket, err := db.CreateEntity(a, KindBucket, "files")
	require.NoError(t, err)
	_, err = db.PutFile(a, bucket.Raw, 0, nil, File{Name: "f", SHA256: sha("f"), Size: 1, Uploaded: 5})
	require.NoError(t, err)
	require.NoError(t, db.SetEntityTags(a, bucket, []string{"archive"}))
	openSession(t, db, a)
	return db
}

// snapshotView decodes an encoded snapshot into plain values for diffing.
func snapshotView(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var view map[string]any
	require.NoError(t, json.Unmarshal(data, &view))
	return view
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := populated(t)
	data, err := db.EncodeSnapshot()
	require.NoError(t, err)

	restored := newTestDB(t)
	require.NoError(t, restored.RestoreSnapshot(data))
	again, err := restored.EncodeSnapshot()
	require.NoError(t, err)

	if diff := cmp.Diff(snapshotView(t, data), snapshotView(t, again)); diff != "" {
		t.Fatalf("snapshot changed across restore (-want +got):\n%s", diff)
	}

	alice, err := restored.WhoIs("alice")
	require.NoError(t, err)
	assert.Zero(t, restored.SessionCount(alice))
	token, err := restored.IssueToken(alice, testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	for _, id := range []EntityID{ConversationID(0), DocumentID(0), SheetID(0), BucketID(0), UserEntity(0), UserEntity(1)} {
		want, err := db.Metadata(id)
		require.NoError(t, err)
		got, err := restored.Metadata(id)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("metadata of %s differs (-want +got):\n%s", id, diff)
		}
	}

	rev, msgs, err := func() (Revision, []Message, error) {
		r, _, m, err := restored.LoadMessages(alice, 0, nil)
		return r, m, err
	}()
	require.NoError(t, err)
	assert.Equal(t, Revision(1), rev)
	assert.Equal(t, "hi", msgs[0].Content)

	count, _ := restored.Refs.Count(sha("f"))
	assert.Equal(t, 1, count)
}

func TestSnapshotOmitsSessions(t *testing.T) {
	db := populated(t)
	data, err := db.EncodeSnapshot()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sessions")
	assert.Contains(t, string(data), `"conv-0"`)
}

func TestJSONFileBackendKeepsPreviousCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	backend := NewJSONFileStateBackend(path)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "database-old.json"), backend.OldPath())

	data, err := backend.Load()
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, backend.Save([]byte(`{"v":1}`)))
	assert.NoFileExists(t, backend.OldPath())
	require.NoError(t, backend.Save([]byte(`{"v":2}`)))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(current))
	previous, err := os.ReadFile(backend.OldPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(previous))
	assert.NoFileExists(t, path+".tmp")

	require.NoError(t, os.Remove(path))
	data, err = backend.Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
}

func TestLoadStateFromBackend(t *testing.T) {
	db := populated(t)
	backend := NewInMemoryStateBackend()
	data, err := db.EncodeSnapshot()
	require.NoError(t, err)
	require.NoError(t, backend.Save(data))

	fresh := newTestDB(t)
	loaded, err := LoadState(fresh, backend)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 2, fresh.Users.Len())

	loaded, err = LoadState(newTestDB(t), NewInMemoryStateBackend())
	require.NoError(t, err)
	assert.False(t, loaded)

	broken := NewInMemoryStateBackend()
	require.NoError(t, broken.Save([]byte("{")))
	_, err = LoadState(newTestDB(t), broken)
	require.Error(t, err)
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStateBackend{}, backend)

	path := filepath.Join(t.TempDir(), "state.json")
	backend, err = BuildStateBackendFromDSN("file://" + path)
	require.NoError(t, err)
	require.IsType(t, &JSONFileStateBackend{}, backend)
	assert.Equal(t, path, backend.(*JSONFileStateBackend).Path)

	backend, err = BuildStateBackendFromDSN("data/database.json")
	require.NoError(t, err)
	assert.Equal(t, "data/database.json", backend.(*JSONFileStateBackend).Path)

	backend, err = BuildStateBackendFromDSN("postgres://localhost/relayspace?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &PostgresStateBackend{}, backend)

	_, err = BuildStateBackendFromDSN("mysql://localhost/relayspace")
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = BuildStateBackendFromDSN("ftp://example.com/db")
	assert.Error(t, err)

	backend, err = BuildStateBackendFromDSN("  ")
	require.NoError(t, err)
	assert.Nil(t, backend)
}

func TestRegisterStateBackendFactory(t *testing.T) {
	want := NewInMemoryStateBackend()
	RegisterStateBackendFactory("snaptestcustom", func(dsn string) (StateBackend, error) {
		return want, nil
	})
	backend, err := BuildStateBackendFromDSN("snaptestcustom://anything")
	require.NoError(t, err)
	assert.Same(t, want, backend)
}
