package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"

	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/dbtx"
)

// IdentityRepository implements identity.UpdateStore over the
// identity_updates table, and serves as the write side the identity-sync
// worker (§4.7) appends new updates through.
type IdentityRepository struct {
	conn *Connection
}

// NewIdentityRepository wraps conn.
func NewIdentityRepository(conn *Connection) *IdentityRepository {
	return &IdentityRepository{conn: conn}
}

type storedActions struct {
	Actions []identity.Action
}

// LoadUpdates returns every identity-update row for inboxID ordered by
// sequence id, bounded to toSequenceID when it is non-zero.
func (r *IdentityRepository) LoadUpdates(ctx context.Context, inboxID string, toSequenceID uint64) ([]identity.Update, error) {
	builder := sq.Select("sequence_id", "created_at_ns", "data").
		From("identity_updates").
		Where(sq.Eq{"inbox_id": inboxID}).
		OrderBy("sequence_id ASC")

	if toSequenceID > 0 {
		builder = builder.Where(sq.LtOrEq{"sequence_id": toSequenceID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.load_updates", "query build failed", err)
	}

	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.load_updates", "query failed", err, true)
	}

	defer rows.Close()

	var updates []identity.Update

	for rows.Next() {
		var (
			seq       uint64
			createdAt int64
			data      []byte
		)

		if err := rows.Scan(&seq, &createdAt, &data); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.load_updates", "scan failed", err, true)
		}

		plain, err := r.conn.openBytes(data)
		if err != nil {
			return nil, apperr.NewDecodeError("sqlitestore.load_updates", "decrypt failed", err)
		}

		var stored storedActions
		if err := json.Unmarshal(plain, &stored); err != nil {
			return nil, apperr.NewDecodeError("sqlitestore.load_updates", "unmarshal failed", err)
		}

		updates = append(updates, identity.Update{
			InboxID:     inboxID,
			SequenceID:  seq,
			CreatedAtNs: createdAt,
			Actions:     stored.Actions,
		})
	}

	return updates, rows.Err()
}

// MaxSequenceID returns the highest sequence id recorded for inboxID, or
// 0 if no updates have been appended yet. Used by the identity-updates
// sync worker's WatchedInboxes adapter to resume each inbox's poll from
// where it left off.
func (r *IdentityRepository) MaxSequenceID(ctx context.Context, inboxID string) (uint64, error) {
	var seq sql.NullInt64

	err := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx,
		"SELECT MAX(sequence_id) FROM identity_updates WHERE inbox_id = ?", inboxID).Scan(&seq)
	if err != nil {
		return 0, apperr.NewStorageError("sqlitestore.max_sequence_id", "query failed", err, true)
	}

	return uint64(seq.Int64), nil
}

// InsertUpdate appends a new identity-update row. Sequence ids for a
// given inbox must be assigned by the caller (the broker's
// GetIdentityUpdatesV2 response order); this method does not allocate
// them.
func (r *IdentityRepository) InsertUpdate(ctx context.Context, update identity.Update) error {
	plain, err := json.Marshal(storedActions{Actions: update.Actions})
	if err != nil {
		return apperr.NewDecodeError("sqlitestore.insert_update", "marshal failed", err)
	}

	sealed, err := r.conn.sealBytes(plain)
	if err != nil {
		return apperr.NewStorageError("sqlitestore.insert_update", "encrypt failed", err, false)
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"INSERT OR IGNORE INTO identity_updates (inbox_id, sequence_id, created_at_ns, data) VALUES (?, ?, ?, ?)",
			update.InboxID, update.SequenceID, update.CreatedAtNs, sealed)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.insert_update", "insert failed", err, true)
		}

		return nil
	})
}
