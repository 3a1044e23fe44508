package shelf

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := NewChunkStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testMeta(id string, size int64, chunkIDs ...string) *FileMetadata {
	return &FileMetadata{
		ID:               id,
		OriginalFilename: "test.bin",
		ContentType:      "application/octet-stream",
		FileSize:         size,
		ChunkIDs:         chunkIDs,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestSaveAndGetChunk(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("hello")))

	rc, err := store.GetChunk("acme", "c1")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestSaveChunkOverwritesSilently(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("first")))
	require.NoError(t, store.SaveChunk("acme", "c1", []byte("second")))

	rc, err := store.GetChunk("acme", "c1")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestGetChunkNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetChunk("acme", "missing")
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestChunksAreTenantScoped(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("acme data")))

	_, err := store.GetChunk("globex", "c1")
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestValidateNameRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../escape", "a\x00b"} {
		err := store.SaveChunk(name, "c1", []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidArgument, "tenant %q", name)

		err = store.SaveChunk("acme", name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidArgument, "chunk %q", name)
	}
}

func TestSaveAndGetMetadata(t *testing.T) {
	store := newTestStore(t)

	meta := testMeta("f1", 25, "c1", "c2", "c3")
	require.NoError(t, store.SaveMetadata("acme", meta))

	loaded, err := store.GetMetadata("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, loaded.ID)
	assert.Equal(t, meta.FileSize, loaded.FileSize)
	assert.Equal(t, meta.ChunkIDs, loaded.ChunkIDs)
}

func TestGetMetadataNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetMetadata("acme", "ghost")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestGetMetadataCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 10, "c1")))

	path := filepath.Join(store.BaseDir(), "acme", "metadata", "f1.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := store.GetMetadata("acme", "f1")
	assert.ErrorIs(t, err, ErrCorruptMetadata)
}

func TestListMetadataSkipsCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 10, "c1")))
	require.NoError(t, store.SaveMetadata("acme", testMeta("f2", 20, "c2")))

	// Corrupt one record in place; listing must skip it, not fail.
	path := filepath.Join(store.BaseDir(), "acme", "metadata", "f1.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	metas, err := store.ListMetadata("acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "f2", metas[0].ID)
}

func TestListMetadataEmptyTenant(t *testing.T) {
	store := newTestStore(t)

	metas, err := store.ListMetadata("acme")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestDeleteFile(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("0123456789")))
	require.NoError(t, store.SaveChunk("acme", "c2", []byte("01234")))
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 15, "c1", "c2")))

	freed, err := store.DeleteFile("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), freed)

	_, err = store.GetChunk("acme", "c1")
	assert.ErrorIs(t, err, ErrChunkNotFound)
	_, err = store.GetMetadata("acme", "f1")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteFileMissingChunks(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("0123456789")))
	// c2 is referenced but never written; freed bytes reflect what was
	// actually on disk.
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 15, "c1", "c2")))

	freed, err := store.DeleteFile("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)
}

func TestDeleteFileIdempotent(t *testing.T) {
	store := newTestStore(t)

	freed, err := store.DeleteFile("acme", "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)

	require.NoError(t, store.SaveChunk("acme", "c1", []byte("data")))
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 4, "c1")))

	_, err = store.DeleteFile("acme", "f1")
	require.NoError(t, err)

	freed, err = store.DeleteFile("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
}

func TestDeleteFileCorruptMetadata(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 10, "c1")))

	path := filepath.Join(store.BaseDir(), "acme", "metadata", "f1.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	// The record is dropped; accounting is settled by a later rebuild.
	freed, err := store.DeleteFile("acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)

	_, err = store.GetMetadata("acme", "f1")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDeleteTenant(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveChunk("acme", "c1", []byte("data")))
	require.NoError(t, store.SaveMetadata("acme", testMeta("f1", 4, "c1")))

	require.NoError(t, store.DeleteTenant("acme"))

	_, err := os.Stat(filepath.Join(store.BaseDir(), "acme"))
	assert.True(t, os.IsNotExist(err))

	// Deleting again is fine.
	require.NoError(t, store.DeleteTenant("acme"))
}

func TestTenantDirs(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveChunk("acme", "c1", []byte("x")))
	require.NoError(t, store.SaveChunk("globex", "c1", []byte("y")))

	dirs, err := store.TenantDirs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, dirs)
}
