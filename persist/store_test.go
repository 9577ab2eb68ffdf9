package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileSystemStoreKeyRecordRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	exists, err := store.KeyRecordExists()
	require.NoError(t, err)
	assert.False(t, exists)

	data := []byte(`{"initialized":true}`)
	version, err := store.SaveKeyRecord(data, "")
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	exists, err = store.KeyRecordExists()
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.LoadKeyRecord()
	require.NoError(t, err)
	assert.Equal(t, data, loaded.Data)
	assert.Equal(t, version, loaded.Version)
	assert.False(t, loaded.Timestamp.IsZero())
}

func TestFileSystemStoreVersionConflict(t *testing.T) {
	store := newTestFileStore(t)

	version, err := store.SaveKeyRecord([]byte("one"), "")
	require.NoError(t, err)

	// A write with a stale expected version must be rejected.
	_, err = store.SaveKeyRecord([]byte("two"), "stale-version")
	require.Error(t, err)
	assert.True(t, IsConcurrencyError(err))

	// The stored data must be untouched after the rejected write.
	loaded, err := store.LoadKeyRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), loaded.Data)

	// A write with the correct expected version succeeds.
	newVersion, err := store.SaveKeyRecord([]byte("two"), version)
	require.NoError(t, err)
	assert.NotEqual(t, version, newVersion)
}

func TestFileSystemStoreEmptyExpectedVersionSkipsCheck(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.SaveKeyRecord([]byte("one"), "")
	require.NoError(t, err)
	_, err = store.SaveKeyRecord([]byte("two"), "")
	require.NoError(t, err)

	loaded, err := store.LoadKeyRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), loaded.Data)
}

func TestFileSystemStoreSaltRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	exists, err := store.SaltExists()
	require.NoError(t, err)
	assert.False(t, exists)

	salt := []byte("0123456789abcdef0123456789abcdef")
	_, err = store.SaveSalt(salt, "")
	require.NoError(t, err)

	exists, err = store.SaltExists()
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.LoadSalt()
	require.NoError(t, err)
	assert.Equal(t, salt, loaded.Data)
}

func TestFileSystemStoreLoadMissing(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.LoadKeyRecord()
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = store.LoadSalt()
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestFileSystemStorePing(t *testing.T) {
	store := newTestFileStore(t)
	assert.NoError(t, store.Ping())
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
}

func TestFactorySelectsBackend(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	})
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())

	_, err = NewStore(StoreConfig{Type: "unknown"})
	require.Error(t, err)
}
