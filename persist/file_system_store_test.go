package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	vaultID := uuid.NewString()
	item := testItem(vaultID, "Deed", time.Now().UTC())
	require.NoError(t, store.SaveItem(ctx, item, []byte("sealed")))

	blob := filepath.Join(dir, vaultID, item.ID+".blob")
	info, err := os.Stat(blob)
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())

	index, err := os.ReadFile(filepath.Join(dir, vaultID, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(index), item.ID)

	vaults, err := store.ListVaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{vaultID}, vaults)
}

func TestFileSystemStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	vaultID := uuid.NewString()
	item := testItem(vaultID, "Insurance", time.Now().UTC())
	require.NoError(t, store.SaveItem(ctx, item, []byte("policy")))

	reopened, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	items, err := reopened.ListItems(ctx, vaultID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Insurance", items[0].Metadata.TitleHint)
}

func TestFileSystemStoreSynchronizePrunesDanglingEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	vaultID := uuid.NewString()
	kept := testItem(vaultID, "kept", time.Now().UTC())
	lost := testItem(vaultID, "lost", time.Now().UTC().Add(time.Second))
	require.NoError(t, store.SaveItem(ctx, kept, []byte("a")))
	require.NoError(t, store.SaveItem(ctx, lost, []byte("b")))

	// simulate a delete interrupted after the blob was removed
	require.NoError(t, os.Remove(filepath.Join(dir, vaultID, lost.ID+".blob")))

	require.NoError(t, store.Synchronize(ctx))

	items, err := store.ListItems(ctx, vaultID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, kept.ID, items[0].ID)
}

func TestNewFileSystemStoreRequiresPath(t *testing.T) {
	_, err := NewFileSystemStore("")
	assert.Error(t, err)
}

func TestNewStoreFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("filesystem", func(t *testing.T) {
		store, err := NewStore(ctx, StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		})
		require.NoError(t, err)
		assert.Equal(t, "filesystem", store.GetType())
	})

	t.Run("filesystem without base path", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}})
		assert.Error(t, err)
	})

	t.Run("s3 without endpoint", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: StoreTypeS3, Config: map[string]interface{}{"bucket": "b"}})
		assert.ErrorContains(t, err, "endpoint")
	})

	t.Run("firestore without project", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: StoreTypeFirestore, Config: map[string]interface{}{}})
		assert.ErrorContains(t, err, "project_id")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewStore(ctx, StoreConfig{Type: "tape"})
		assert.ErrorContains(t, err, "unsupported store type")
	})
}

func TestParseConfig(t *testing.T) {
	var cfg S3Config
	err := parseConfig(map[string]interface{}{
		"endpoint":          "localhost:9000",
		"access_key_id":     "id",
		"secret_access_key": "secret",
		"bucket":            "vault",
		"use_ssl":           true,
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", cfg.Endpoint)
	assert.Equal(t, "id", cfg.AccessKeyID)
	assert.Equal(t, "vault", cfg.Bucket)
	assert.True(t, cfg.UseSSL)
}
