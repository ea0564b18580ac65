package familyvault_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/keys"
	"github.com/BradMann09/FamilyVault/persist"
	"github.com/BradMann09/FamilyVault/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock is a settable clock for time lock tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore records how many writes reach the blob store
type countingStore struct {
	persist.Store
	saves   atomic.Int32
	deletes atomic.Int32
}

func (c *countingStore) SaveItem(ctx context.Context, item familyvault.VaultItem, data []byte) error {
	c.saves.Add(1)
	return c.Store.SaveItem(ctx, item, data)
}

func (c *countingStore) DeleteItem(ctx context.Context, itemID, vaultID string) error {
	c.deletes.Add(1)
	return c.Store.DeleteItem(ctx, itemID, vaultID)
}

type fixture struct {
	ctx    context.Context
	svc    *familyvault.VaultService
	legacy *familyvault.LegacyAccessManager
	repo   *repository.MemoryRepository
	store  *countingStore
	keys   *keys.KeyManager
	audit  *audit.MemoryLogger
	clock  *fakeClock
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, tweak ...func(*familyvault.Options)) *fixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	local, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	coordinator, err := persist.NewCoordinator(local, nil, persist.RemoteBestEffort, logger)
	require.NoError(t, err)
	store := &countingStore{Store: coordinator}

	km, err := keys.NewKeyManager(keys.NewMemoryKeystore(), keys.NewMemoryWrappedKeyStore(), keys.SchemeAgreement, logger)
	require.NoError(t, err)

	clock := newFakeClock()
	options := familyvault.DefaultOptions()
	options.Clock = clock.Now
	for _, fn := range tweak {
		fn(&options)
	}

	repo := repository.NewMemoryRepository()
	auditLogger := audit.NewMemoryLogger(audit.DefaultCacheSize)

	svc, err := familyvault.NewVaultService(options, repo, store, km, auditLogger, logger)
	require.NoError(t, err)

	return &fixture{
		ctx:    context.Background(),
		svc:    svc,
		legacy: svc.LegacyAccess(),
		repo:   repo,
		store:  store,
		keys:   km,
		audit:  auditLogger,
		clock:  clock,
		logs:   logs,
	}
}

func member(name string, role familyvault.VaultRole) familyvault.Member {
	return familyvault.Member{
		Profile: familyvault.NewUserProfile(name, name+"@example.com"),
		Role:    role,
	}
}

// newFamily creates a vault owned by a fresh owner and returns both
func (f *fixture) newFamily(t *testing.T, policy familyvault.AccessPolicy) (familyvault.Vault, familyvault.Member) {
	t.Helper()
	owner := member("owner", familyvault.RoleOwner)
	vault, err := f.svc.CreateVault(f.ctx, "Family", owner.Profile, policy)
	require.NoError(t, err)
	return vault, owner
}

func (f *fixture) invite(t *testing.T, vaultID string, m familyvault.Member) {
	t.Helper()
	require.NoError(t, f.svc.Invite(f.ctx, m, vaultID))
}

func (f *fixture) auditEvents(t *testing.T, action string) []audit.Event {
	t.Helper()
	res, err := f.audit.Query(audit.QueryOptions{Action: action})
	require.NoError(t, err)
	return res.Events
}
