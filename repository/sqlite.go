package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	sqlitePoolSize = 4

	// busyBackoff is the retry hint when the database stays locked past busy_timeout
	busyBackoff = 250 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS vaults (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS vaults_created ON vaults (created_at, id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLiteRepository stores each vault as a JSON record in a single table.
// Writes run in immediate transactions, so writers to the same database are
// serialized by SQLite itself.
type SQLiteRepository struct {
	pool   *sqlitex.Pool
	path   string
	logger *zap.Logger
}

// NewSQLiteRepository opens or creates the database at path
func NewSQLiteRepository(path string, logger *zap.Logger) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite repository requires a path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite repository %s: %w", path, err)
	}

	logger.Named("repository").Debug("sqlite repository opened",
		zap.String("path", path),
		zap.Int("pool_size", sqlitePoolSize))

	return &SQLiteRepository{pool: pool, path: path, logger: logger.Named("repository")}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SaveVault(ctx context.Context, vault familyvault.Vault) (err error) {
	if err = validateVault(vault); err != nil {
		return err
	}
	record, err := encodeVault(vault)
	if err != nil {
		return err
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return classifySQLiteError("save vault", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classifySQLiteError("save vault", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO vaults (id, name, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			record = excluded.record,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{vault.ID, vault.Name, string(record), vault.CreatedAt.UnixNano(), vault.UpdatedAt.UnixNano()},
		})
	if err != nil {
		return classifySQLiteError("save vault", err)
	}
	return nil
}

func (r *SQLiteRepository) FetchVault(ctx context.Context, id string) (familyvault.Vault, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return familyvault.Vault{}, classifySQLiteError("fetch vault", err)
	}
	defer r.pool.Put(conn)

	var record string
	found := false
	err = sqlitex.Execute(conn, `SELECT record FROM vaults WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return familyvault.Vault{}, classifySQLiteError("fetch vault", err)
	}
	if !found {
		return familyvault.Vault{}, vaultNotFound(id)
	}
	return decodeVault([]byte(record))
}

func (r *SQLiteRepository) ListVaults(ctx context.Context) ([]familyvault.Vault, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, classifySQLiteError("list vaults", err)
	}
	defer r.pool.Put(conn)

	vaults := []familyvault.Vault{}
	err = sqlitex.Execute(conn, `SELECT record FROM vaults ORDER BY created_at, id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			vault, err := decodeVault([]byte(stmt.ColumnText(0)))
			if err != nil {
				return err
			}
			vaults = append(vaults, vault)
			return nil
		},
	})
	if err != nil {
		return nil, classifySQLiteError("list vaults", err)
	}
	return vaults, nil
}

func (r *SQLiteRepository) UpdateVault(ctx context.Context, vault familyvault.Vault) (err error) {
	record, err := encodeVault(vault)
	if err != nil {
		return err
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return classifySQLiteError("update vault", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classifySQLiteError("update vault", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE vaults SET name = ?, record = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{vault.Name, string(record), vault.UpdatedAt.UnixNano(), vault.ID},
		})
	if err != nil {
		return classifySQLiteError("update vault", err)
	}
	if conn.Changes() == 0 {
		return vaultNotFound(vault.ID)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	if err := r.pool.Close(); err != nil {
		r.logger.Error("sqlite repository close error", zap.String("path", r.path), zap.Error(err))
		return fmt.Errorf("failed to close sqlite repository %s: %w", r.path, err)
	}
	return nil
}

func classifySQLiteError(op string, err error) error {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return &familyvault.RetryableError{After: busyBackoff, Err: familyvault.NewStorageError(op, err)}
	default:
		return familyvault.NewStorageError(op, err)
	}
}
