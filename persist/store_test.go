package persist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(vaultID, title string, created time.Time) familyvault.VaultItem {
	return familyvault.VaultItem{
		ID:                     uuid.NewString(),
		VaultID:                vaultID,
		Type:                   familyvault.ItemDocument,
		EncryptedBlobReference: "blob://" + vaultID,
		Tags:                   []string{"test"},
		CreatedAt:              created,
		UpdatedAt:              created,
		Metadata:               familyvault.VaultItemMetadata{TitleHint: title},
	}
}

// Test the common store functionality
func testStoreImplementation(t *testing.T, store Store) {
	ctx := context.Background()
	vaultID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := testItem(vaultID, "Passport", base)
	second := testItem(vaultID, "Will", base.Add(time.Second))
	firstData := []byte("sealed-passport-bytes")
	secondData := []byte("sealed-will-bytes")

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx), "store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("ListEmptyVault", func(t *testing.T) {
		items, err := store.ListItems(ctx, vaultID)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("SaveItem", func(t *testing.T) {
		require.NoError(t, store.SaveItem(ctx, first, firstData))
		require.NoError(t, store.SaveItem(ctx, second, secondData))
	})

	t.Run("FetchItem", func(t *testing.T) {
		data, err := store.FetchItem(ctx, first.ID, vaultID)
		require.NoError(t, err)
		assert.Equal(t, firstData, data)
	})

	t.Run("ListItems", func(t *testing.T) {
		items, err := store.ListItems(ctx, vaultID)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, first.ID, items[0].ID)
		assert.Equal(t, "Passport", items[0].Metadata.TitleHint)
		assert.Equal(t, second.ID, items[1].ID)
		assert.True(t, first.CreatedAt.Equal(items[0].CreatedAt))
	})

	t.Run("OverwriteItem", func(t *testing.T) {
		updated := first
		updated.UpdatedAt = base.Add(time.Minute)
		updated.Tags = []string{"renewed"}
		require.NoError(t, store.SaveItem(ctx, updated, []byte("new-bytes")))

		data, err := store.FetchItem(ctx, first.ID, vaultID)
		require.NoError(t, err)
		assert.Equal(t, []byte("new-bytes"), data)

		items, err := store.ListItems(ctx, vaultID)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, []string{"renewed"}, items[0].Tags)
	})

	t.Run("FetchMissingItem", func(t *testing.T) {
		_, err := store.FetchItem(ctx, uuid.NewString(), vaultID)
		assert.ErrorIs(t, err, familyvault.ErrItemNotFound)
	})

	t.Run("VaultIsolation", func(t *testing.T) {
		_, err := store.FetchItem(ctx, first.ID, uuid.NewString())
		assert.ErrorIs(t, err, familyvault.ErrItemNotFound)
	})

	t.Run("InvalidIdentifiers", func(t *testing.T) {
		bad := testItem("../escape", "x", base)
		assert.Error(t, store.SaveItem(ctx, bad, []byte("x")))
		_, err := store.FetchItem(ctx, "a/b", vaultID)
		assert.Error(t, err)
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		concurrentVault := uuid.NewString()
		const n = 8

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				item := testItem(concurrentVault, fmt.Sprintf("doc-%d", i), base.Add(time.Duration(i)*time.Second))
				errs <- store.SaveItem(ctx, item, []byte(fmt.Sprintf("data-%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		items, err := store.ListItems(ctx, concurrentVault)
		require.NoError(t, err)
		assert.Len(t, items, n, "no save may be lost")
	})

	t.Run("DeleteItem", func(t *testing.T) {
		require.NoError(t, store.DeleteItem(ctx, second.ID, vaultID))

		_, err := store.FetchItem(ctx, second.ID, vaultID)
		assert.ErrorIs(t, err, familyvault.ErrItemNotFound)

		items, err := store.ListItems(ctx, vaultID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, first.ID, items[0].ID)

		assert.NoError(t, store.DeleteItem(ctx, second.ID, vaultID), "deleting twice is not an error")
	})

	t.Run("Synchronize", func(t *testing.T) {
		assert.NoError(t, store.Synchronize(ctx))
	})
}
