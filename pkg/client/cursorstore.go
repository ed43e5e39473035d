package client

import (
	"context"

	"github.com/mlscore/core/internal/adapters/store/docstore"
	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/cursor"
)

// storeCursorRepository composes the two halves of cursor.Repository
// that live on different backends: relational cursor/migration state in
// SQLite, and the icebox's dependency-graph queries in MongoDB (the
// document shape Find-by-payload-hash wants, per DESIGN.md's note on
// sqlitestore.CursorRepository's icebox methods being deliberate panic
// stubs). Neither half knows about the other; this type exists only to
// satisfy the single interface cursor.NewStore expects.
type storeCursorRepository struct {
	sql *sqlitestore.CursorRepository
	doc *docstore.Repository
}

var _ cursor.Repository = (*storeCursorRepository)(nil)

func newStoreCursorRepository(sql *sqlitestore.CursorRepository, doc *docstore.Repository) *storeCursorRepository {
	return &storeCursorRepository{sql: sql, doc: doc}
}

func (r *storeCursorRepository) GetCursor(ctx context.Context, key cursor.TopicOriginator) (cursor.Cursor, error) {
	return r.sql.GetCursor(ctx, key)
}

func (r *storeCursorRepository) SetCursorIfGreater(ctx context.Context, key cursor.TopicOriginator, value cursor.Cursor) (bool, error) {
	return r.sql.SetCursorIfGreater(ctx, key, value)
}

func (r *storeCursorRepository) CursorsForTopic(ctx context.Context, topic string) (map[cursor.Originator]cursor.Cursor, error) {
	return r.sql.CursorsForTopic(ctx, topic)
}

func (r *storeCursorRepository) Ice(ctx context.Context, entries []cursor.IceboxEntry) error {
	return r.doc.Ice(ctx, entries)
}

func (r *storeCursorRepository) ResolveChildren(ctx context.Context, newCursors map[cursor.TopicOriginator]cursor.Cursor) ([]cursor.IceboxEntry, error) {
	return r.doc.ResolveChildren(ctx, newCursors)
}

func (r *storeCursorRepository) FindMessageDependencies(ctx context.Context, hashes [][]byte) (map[string]cursor.Cursor, error) {
	return r.doc.FindMessageDependencies(ctx, hashes)
}

func (r *storeCursorRepository) GetCutoverNs(ctx context.Context) (int64, error) {
	return r.sql.GetCutoverNs(ctx)
}

func (r *storeCursorRepository) SetCutoverNs(ctx context.Context, ns int64) error {
	return r.sql.SetCutoverNs(ctx, ns)
}

func (r *storeCursorRepository) HasMigrated(ctx context.Context) (bool, error) {
	return r.sql.HasMigrated(ctx)
}

func (r *storeCursorRepository) SetHasMigrated(ctx context.Context, done bool) error {
	return r.sql.SetHasMigrated(ctx, done)
}
