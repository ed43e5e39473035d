package sqlitestore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/mlscore/core/internal/domain/keypackage"
	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/dbtx"
)

// KeyPackageRepository implements keypackage.Repository over the
// key_package_history table.
type KeyPackageRepository struct {
	conn *Connection
}

// NewKeyPackageRepository wraps conn.
func NewKeyPackageRepository(conn *Connection) *KeyPackageRepository {
	return &KeyPackageRepository{conn: conn}
}

// Insert records a freshly generated key package, sealing its raw bytes
// if encryption at rest is configured.
func (r *KeyPackageRepository) Insert(ctx context.Context, kp keypackage.KeyPackage) error {
	sealed, err := r.conn.sealBytes(kp.Bytes)
	if err != nil {
		return apperr.NewStorageError("sqlitestore.keypackage_insert", "encrypt failed", err, false)
	}

	current := 0
	if kp.Current {
		current = 1
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO key_package_history
				(hash, installation_key, bytes, created_at_ns, post_rotation_ns, current, pruned)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(hash) DO UPDATE SET current = excluded.current`,
			kp.Hash, kp.InstallationKey, sealed, kp.CreatedAtNs, kp.PostRotationNs, current)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.keypackage_insert", "insert failed", err, true)
		}

		return nil
	})
}

// CurrentFor returns the current key package for installationKey, or nil
// if none is marked current.
func (r *KeyPackageRepository) CurrentFor(ctx context.Context, installationKey []byte) (*keypackage.KeyPackage, error) {
	query, args, err := sq.Select("hash", "installation_key", "bytes", "created_at_ns", "post_rotation_ns", "current", "pruned").
		From("key_package_history").
		Where(sq.Eq{"installation_key": installationKey, "current": 1}).
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.keypackage_current", "query build failed", err)
	}

	var (
		kp      keypackage.KeyPackage
		current int
		pruned  int
		sealed  []byte
	)

	row := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx, query, args...)

	err = row.Scan(&kp.Hash, &kp.InstallationKey, &sealed, &kp.CreatedAtNs, &kp.PostRotationNs, &current, &pruned)
	if err == sql.ErrNoRows { //nolint:errorlint
		return nil, nil //nolint:nilnil // "no current key package" is a valid, non-error state
	}

	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.keypackage_current", "query failed", err, true)
	}

	kp.Bytes, err = r.conn.openBytes(sealed)
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.keypackage_current", "decrypt failed", err)
	}

	kp.Current = current != 0
	kp.Pruned = pruned != 0

	return &kp, nil
}

// ClearCurrent unmarks every key package for installationKey as current,
// enforcing the at-most-one-current invariant ahead of an insert.
func (r *KeyPackageRepository) ClearCurrent(ctx context.Context, installationKey []byte) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE key_package_history SET current = 0 WHERE installation_key = ?", installationKey)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.keypackage_clear_current", "update failed", err, true)
		}

		return nil
	})
}

// PruneExpired marks rows older than olderThanNs as pruned and returns
// the count affected.
func (r *KeyPackageRepository) PruneExpired(ctx context.Context, olderThanNs int64) (int, error) {
	var affected int

	err := r.conn.WithWriteLock(func(db *sql.DB) error {
		res, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE key_package_history SET pruned = 1 WHERE created_at_ns < ? AND pruned = 0 AND current = 0", olderThanNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.keypackage_prune", "update failed", err, true)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return apperr.NewStorageError("sqlitestore.keypackage_prune", "rows affected failed", err, true)
		}

		affected = int(rows)

		return nil
	})

	return affected, err
}
