package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/crypto"
	"go.uber.org/zap"
)

// RemoteWritePolicy decides what happens when the remote half of a write fails
type RemoteWritePolicy string

const (
	// RemoteBestEffort keeps the local write, logs the failure and queues the
	// remote write for the next Synchronize.
	RemoteBestEffort RemoteWritePolicy = "best-effort"
	// RemoteStrict fails the operation. A failed save is rolled back locally.
	RemoteStrict RemoteWritePolicy = "strict"
)

// ParseRemoteWritePolicy maps a configuration value to a policy
func ParseRemoteWritePolicy(name string) (RemoteWritePolicy, error) {
	switch RemoteWritePolicy(name) {
	case "", RemoteBestEffort:
		return RemoteBestEffort, nil
	case RemoteStrict:
		return RemoteStrict, nil
	default:
		return "", fmt.Errorf("unknown remote write policy: %q", name)
	}
}

type pendingOp int

const (
	pendingSave pendingOp = iota
	pendingDelete
)

type pendingWrite struct {
	op     pendingOp
	item   familyvault.VaultItem
	data   []byte
	itemID string
}

// Coordinator is a BlobStore that writes locally first and mirrors to an
// optional remote store. Reads prefer the local copy, fall back to remote and
// repair the local copy from it. Listings merge both sides by item id with
// the newest UpdatedAt winning.
type Coordinator struct {
	local  Store
	remote Store
	policy RemoteWritePolicy
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingWrite
}

var _ familyvault.BlobStore = (*Coordinator)(nil)

// NewCoordinator joins local and remote. remote may be nil.
func NewCoordinator(local, remote Store, policy RemoteWritePolicy, logger *zap.Logger) (*Coordinator, error) {
	if local == nil {
		return nil, errors.New("local store is required")
	}
	policy, err := ParseRemoteWritePolicy(string(policy))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		local:   local,
		remote:  remote,
		policy:  policy,
		logger:  logger.Named("storage"),
		pending: make(map[string]pendingWrite),
	}, nil
}

func (c *Coordinator) SaveItem(ctx context.Context, item familyvault.VaultItem, data []byte) error {
	if err := c.local.SaveItem(ctx, item, data); err != nil {
		return familyvault.NewStorageError("local save", err)
	}
	if c.remote == nil {
		return nil
	}

	key := pendingKey(item.VaultID, item.ID)
	err := c.remote.SaveItem(ctx, item, data)
	if err == nil {
		c.clearPending(key)
		return nil
	}

	if c.policy == RemoteStrict {
		if rbErr := c.local.DeleteItem(ctx, item.ID, item.VaultID); rbErr != nil {
			c.logger.Error("failed to roll back local save",
				zap.String("vault_id", item.VaultID),
				zap.String("item_id", item.ID),
				zap.Error(rbErr))
		}
		return familyvault.NewStorageError("remote save", err)
	}

	c.logger.Warn("remote save failed, queued for synchronization",
		zap.String("vault_id", item.VaultID),
		zap.String("item_id", item.ID),
		zap.String("remote", c.remote.GetType()),
		zap.Error(err))
	c.queue(key, pendingWrite{op: pendingSave, item: item, data: append([]byte(nil), data...)})
	return nil
}

func (c *Coordinator) FetchItem(ctx context.Context, itemID, vaultID string) ([]byte, error) {
	data, localErr := c.local.FetchItem(ctx, itemID, vaultID)
	if localErr == nil {
		return data, nil
	}
	if c.remote == nil {
		return nil, familyvault.NewStorageError("local fetch", localErr)
	}
	if !errors.Is(localErr, familyvault.ErrItemNotFound) {
		c.logger.Warn("local fetch failed, trying remote",
			zap.String("vault_id", vaultID),
			zap.String("item_id", itemID),
			zap.Error(localErr))
	}

	data, err := c.remote.FetchItem(ctx, itemID, vaultID)
	if err != nil {
		return nil, familyvault.NewStorageError("remote fetch", err)
	}

	c.repair(ctx, itemID, vaultID, data)
	return data, nil
}

// repair copies an item fetched from remote into the local store. Failures
// are logged; the caller already has the data.
func (c *Coordinator) repair(ctx context.Context, itemID, vaultID string, data []byte) {
	items, err := c.remote.ListItems(ctx, vaultID)
	if err != nil {
		c.logger.Warn("read repair skipped, remote list failed",
			zap.String("vault_id", vaultID), zap.Error(err))
		return
	}
	for _, item := range items {
		if item.ID != itemID {
			continue
		}
		if err = c.local.SaveItem(ctx, item, data); err != nil {
			c.logger.Warn("read repair failed",
				zap.String("vault_id", vaultID),
				zap.String("item_id", itemID),
				zap.Error(err))
			return
		}
		c.logger.Info("local copy repaired from remote",
			zap.String("vault_id", vaultID),
			zap.String("item_id", itemID))
		return
	}
	c.logger.Warn("read repair skipped, remote has no record",
		zap.String("vault_id", vaultID),
		zap.String("item_id", itemID))
}

// ListItems merges local and remote listings. A failing side is logged and
// the other side is returned alone; both failing returns the local error.
func (c *Coordinator) ListItems(ctx context.Context, vaultID string) ([]familyvault.VaultItem, error) {
	localItems, localErr := c.local.ListItems(ctx, vaultID)
	if c.remote == nil {
		if localErr != nil {
			return nil, familyvault.NewStorageError("local list", localErr)
		}
		return localItems, nil
	}

	remoteItems, remoteErr := c.remote.ListItems(ctx, vaultID)
	switch {
	case localErr != nil && remoteErr != nil:
		return nil, familyvault.NewStorageError("local list", localErr)
	case remoteErr != nil:
		c.logger.Warn("remote list failed, using local items",
			zap.String("vault_id", vaultID), zap.Error(remoteErr))
		return localItems, nil
	case localErr != nil:
		c.logger.Warn("local list failed, using remote items",
			zap.String("vault_id", vaultID), zap.Error(localErr))
		return remoteItems, nil
	}

	return mergeItems(localItems, remoteItems), nil
}

func (c *Coordinator) DeleteItem(ctx context.Context, itemID, vaultID string) error {
	if err := c.local.DeleteItem(ctx, itemID, vaultID); err != nil {
		return familyvault.NewStorageError("local delete", err)
	}
	if c.remote == nil {
		return nil
	}

	key := pendingKey(vaultID, itemID)
	err := c.remote.DeleteItem(ctx, itemID, vaultID)
	if err == nil {
		c.clearPending(key)
		return nil
	}
	if c.policy == RemoteStrict {
		return familyvault.NewStorageError("remote delete", err)
	}

	c.logger.Warn("remote delete failed, queued for synchronization",
		zap.String("vault_id", vaultID),
		zap.String("item_id", itemID),
		zap.Error(err))
	c.queue(key, pendingWrite{op: pendingDelete, item: familyvault.VaultItem{VaultID: vaultID}, itemID: itemID})
	return nil
}

// Synchronize replays queued remote writes, then pushes local items the
// remote is missing or holds an older version of. Both stores are
// synchronized internally as well. Writes that still fail stay queued.
func (c *Coordinator) Synchronize(ctx context.Context) error {
	var errs []error

	if err := c.local.Synchronize(ctx); err != nil {
		errs = append(errs, familyvault.NewStorageError("local synchronize", err))
	}
	if c.remote == nil {
		return errors.Join(errs...)
	}

	errs = append(errs, c.flushPending(ctx)...)

	if lister, ok := c.local.(VaultLister); ok {
		vaults, err := lister.ListVaults(ctx)
		if err != nil {
			errs = append(errs, familyvault.NewStorageError("list vaults", err))
		}
		for _, vaultID := range vaults {
			if err = c.push(ctx, vaultID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := c.remote.Synchronize(ctx); err != nil {
		errs = append(errs, familyvault.NewStorageError("remote synchronize", err))
	}
	return errors.Join(errs...)
}

// Pending returns the number of queued remote writes
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) flushPending(ctx context.Context) []error {
	c.mu.Lock()
	queued := make(map[string]pendingWrite, len(c.pending))
	for k, w := range c.pending {
		queued[k] = w
	}
	c.mu.Unlock()

	var errs []error
	for key, w := range queued {
		var err error
		switch w.op {
		case pendingSave:
			if c.remoteHasSame(ctx, w.item, w.data) {
				break
			}
			err = c.remote.SaveItem(ctx, w.item, w.data)
		case pendingDelete:
			err = c.remote.DeleteItem(ctx, w.itemID, w.item.VaultID)
		}
		if err != nil {
			errs = append(errs, familyvault.NewStorageError("replay remote write", err))
			continue
		}
		c.clearPendingIfSame(key, w)
	}
	return errs
}

// remoteHasSame reports whether the remote already holds identical bytes
func (c *Coordinator) remoteHasSame(ctx context.Context, item familyvault.VaultItem, data []byte) bool {
	remote, err := c.remote.FetchItem(ctx, item.ID, item.VaultID)
	if err != nil {
		return false
	}
	return crypto.CalculateChecksum(remote) == crypto.CalculateChecksum(data)
}

// push copies local items to remote when remote lacks them or is older
func (c *Coordinator) push(ctx context.Context, vaultID string) error {
	localItems, err := c.local.ListItems(ctx, vaultID)
	if err != nil {
		return familyvault.NewStorageError("local list", err)
	}
	remoteItems, err := c.remote.ListItems(ctx, vaultID)
	if err != nil {
		return familyvault.NewStorageError("remote list", err)
	}

	remoteByID := make(map[string]familyvault.VaultItem, len(remoteItems))
	for _, item := range remoteItems {
		remoteByID[item.ID] = item
	}

	var errs []error
	for _, item := range localItems {
		if r, ok := remoteByID[item.ID]; ok && !item.UpdatedAt.After(r.UpdatedAt) {
			continue
		}
		if c.isPendingDelete(pendingKey(vaultID, item.ID)) {
			continue
		}

		data, err := c.local.FetchItem(ctx, item.ID, vaultID)
		if err != nil {
			errs = append(errs, familyvault.NewStorageError("local fetch", err))
			continue
		}
		if err = c.remote.SaveItem(ctx, item, data); err != nil {
			errs = append(errs, familyvault.NewStorageError("remote save", err))
			continue
		}
		c.logger.Debug("item pushed to remote",
			zap.String("vault_id", vaultID),
			zap.String("item_id", item.ID))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("local store: %w", err)
	}
	if c.remote != nil {
		if err := c.remote.Ping(ctx); err != nil {
			return fmt.Errorf("remote store: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) Close() error {
	var errs []error
	if err := c.local.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.remote != nil {
		if err := c.remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) GetType() string {
	if c.remote == nil {
		return c.local.GetType()
	}
	return c.local.GetType() + "+" + c.remote.GetType()
}

func (c *Coordinator) queue(key string, w pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = w
}

func (c *Coordinator) clearPending(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// clearPendingIfSame leaves entries replaced while a replay was running
func (c *Coordinator) clearPendingIfSame(key string, w pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[key]; ok && cur.op == w.op && cur.item.UpdatedAt.Equal(w.item.UpdatedAt) {
		delete(c.pending, key)
	}
}

func (c *Coordinator) isPendingDelete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[key]
	return ok && w.op == pendingDelete
}

func pendingKey(vaultID, itemID string) string {
	return vaultID + "/" + itemID
}

// mergeItems unions both listings by id. The newer UpdatedAt wins and ties
// keep the local record.
func mergeItems(local, remote []familyvault.VaultItem) []familyvault.VaultItem {
	byID := make(map[string]familyvault.VaultItem, len(local)+len(remote))
	for _, item := range local {
		byID[item.ID] = item
	}
	for _, item := range remote {
		if cur, ok := byID[item.ID]; !ok || item.UpdatedAt.After(cur.UpdatedAt) {
			byID[item.ID] = item
		}
	}

	merged := make([]familyvault.VaultItem, 0, len(byID))
	for _, item := range byID {
		merged = append(merged, item)
	}
	sortItems(merged)
	return merged
}
