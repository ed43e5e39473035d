package sqlitestore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/mlscore/core/internal/domain/cursor"
	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/dbtx"
)

// CursorRepository implements cursor.Repository's refresh_state and
// d14n_migration_cutover methods over a Connection. Icebox is served by
// the docstore adapter instead, per the DOMAIN STACK split between
// SQLite (structural state) and MongoDB (unbounded/document state).
type CursorRepository struct {
	conn *Connection
}

// NewCursorRepository wraps conn.
func NewCursorRepository(conn *Connection) *CursorRepository {
	return &CursorRepository{conn: conn}
}

func (r *CursorRepository) exec(ctx context.Context) dbtx.Executor {
	return dbtx.GetExecutor(ctx, r.conn.db)
}

// GetCursor returns the current cursor for (topic, originator).
func (r *CursorRepository) GetCursor(ctx context.Context, key cursor.TopicOriginator) (cursor.Cursor, error) {
	query, args, err := sq.Select("cursor").From("refresh_state").
		Where(sq.Eq{"topic": key.Topic, "originator": key.Originator}).ToSql()
	if err != nil {
		return 0, apperr.NewDecodeError("sqlitestore.get_cursor", "query build failed", err)
	}

	var value int64

	err = r.exec(ctx).QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows { //nolint:errorlint // database/sql sentinel
		return 0, nil
	}

	if err != nil {
		return 0, apperr.NewStorageError("sqlitestore.get_cursor", "query failed", err, true)
	}

	return cursor.Cursor(value), nil
}

// SetCursorIfGreater writes value for key only if it is strictly greater
// than the stored value, under the write-serialization lock.
func (r *CursorRepository) SetCursorIfGreater(ctx context.Context, key cursor.TopicOriginator, value cursor.Cursor) (bool, error) {
	var advanced bool

	err := r.conn.WithWriteLock(func(db *sql.DB) error {
		exec := dbtx.GetExecutor(ctx, db)

		res, err := exec.ExecContext(ctx, `
			INSERT INTO refresh_state (topic, originator, cursor) VALUES (?, ?, ?)
			ON CONFLICT(topic, originator) DO UPDATE SET cursor = excluded.cursor
			WHERE excluded.cursor > refresh_state.cursor`,
			key.Topic, key.Originator, int64(value))
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_cursor", "upsert failed", err, true)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_cursor", "rows affected failed", err, true)
		}

		advanced = rows > 0

		return nil
	})

	return advanced, err
}

// CursorsForTopic returns the cursor recorded for every originator
// observed on topic.
func (r *CursorRepository) CursorsForTopic(ctx context.Context, topic string) (map[cursor.Originator]cursor.Cursor, error) {
	query, args, err := sq.Select("originator", "cursor").From("refresh_state").
		Where(sq.Eq{"topic": topic}).ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.cursors_for_topic", "query build failed", err)
	}

	rows, err := r.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.cursors_for_topic", "query failed", err, true)
	}

	defer rows.Close()

	out := map[cursor.Originator]cursor.Cursor{}

	for rows.Next() {
		var originator uint32

		var value int64

		if err := rows.Scan(&originator, &value); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.cursors_for_topic", "scan failed", err, true)
		}

		out[cursor.Originator(originator)] = cursor.Cursor(value)
	}

	return out, rows.Err()
}

// Ice and ResolveChildren and FindMessageDependencies are not
// implemented here; the icebox lives in MongoDB (docstore.Repository)
// because its rows are unbounded and queried by flexible dependency
// shape rather than the fixed relational keys SQLite indexes well.
func (r *CursorRepository) Ice(context.Context, []cursor.IceboxEntry) error {
	panic("sqlitestore: icebox is served by docstore.Repository, not CursorRepository")
}

func (r *CursorRepository) ResolveChildren(context.Context, map[cursor.TopicOriginator]cursor.Cursor) ([]cursor.IceboxEntry, error) {
	panic("sqlitestore: icebox is served by docstore.Repository, not CursorRepository")
}

func (r *CursorRepository) FindMessageDependencies(context.Context, [][]byte) (map[string]cursor.Cursor, error) {
	panic("sqlitestore: icebox is served by docstore.Repository, not CursorRepository")
}

// GetCutoverNs returns the configured d14n migration cutover timestamp.
func (r *CursorRepository) GetCutoverNs(ctx context.Context) (int64, error) {
	var ns int64

	err := r.exec(ctx).QueryRowContext(ctx, "SELECT cutover_ns FROM d14n_migration_cutover WHERE id = 0").Scan(&ns)
	if err == sql.ErrNoRows { //nolint:errorlint
		return 0, nil
	}

	if err != nil {
		return 0, apperr.NewStorageError("sqlitestore.get_cutover_ns", "query failed", err, true)
	}

	return ns, nil
}

// SetCutoverNs persists the d14n migration cutover timestamp.
func (r *CursorRepository) SetCutoverNs(ctx context.Context, ns int64) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE d14n_migration_cutover SET cutover_ns = ? WHERE id = 0", ns)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_cutover_ns", "update failed", err, true)
		}

		return nil
	})
}

// HasMigrated reports the sticky migration-complete flag.
func (r *CursorRepository) HasMigrated(ctx context.Context) (bool, error) {
	var done int

	err := r.exec(ctx).QueryRowContext(ctx, "SELECT has_migrated FROM d14n_migration_cutover WHERE id = 0").Scan(&done)
	if err == sql.ErrNoRows { //nolint:errorlint
		return false, nil
	}

	if err != nil {
		return false, apperr.NewStorageError("sqlitestore.has_migrated", "query failed", err, true)
	}

	return done != 0, nil
}

// SetHasMigrated persists the sticky migration-complete flag.
func (r *CursorRepository) SetHasMigrated(ctx context.Context, done bool) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE d14n_migration_cutover SET has_migrated = ? WHERE id = 0", done)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_has_migrated", "update failed", err, true)
		}

		return nil
	})
}
