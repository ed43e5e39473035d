package sqlitestore

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/dbtx"
)

// StoredMessage is one decrypted group message (application message or
// commit) persisted for history, last-message projections, and
// disappearing-message expiry, alongside its group_messages row.
type StoredMessage struct {
	GroupID    []byte
	SequenceID uint64
	Content    []byte
	IsCommit   bool
	SentAtNs   int64
}

// MessageRepository implements group_messages: decrypted message history
// kept for list_conversations' last-message projection and the
// disappearing-messages worker's expiry sweep. Content is sealed at rest
// the same way other opaque payload columns are (see Connection's package
// doc).
type MessageRepository struct {
	conn *Connection
}

// NewMessageRepository wraps conn.
func NewMessageRepository(conn *Connection) *MessageRepository {
	return &MessageRepository{conn: conn}
}

// Insert records a decrypted message for groupID. A duplicate
// (group_id, sequence_id) is a silent no-op, matching the cursor store's
// replay tolerance.
func (r *MessageRepository) Insert(ctx context.Context, msg StoredMessage) error {
	sealed, err := r.conn.sealBytes(msg.Content)
	if err != nil {
		return apperr.NewStorageError("sqlitestore.message_insert", "seal failed", err, false)
	}

	isCommit := 0
	if msg.IsCommit {
		isCommit = 1
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO group_messages (group_id, sequence_id, content, is_commit, sent_at_ns)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(group_id, sequence_id) DO NOTHING`,
			msg.GroupID, msg.SequenceID, sealed, isCommit, msg.SentAtNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.message_insert", "insert failed", err, true)
		}

		return nil
	})
}

// LastMessageAtNs returns the most recent sent_at_ns recorded for
// groupID, or 0 if the group has no messages yet.
func (r *MessageRepository) LastMessageAtNs(ctx context.Context, groupID []byte) (int64, error) {
	var at sql.NullInt64

	err := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx,
		"SELECT MAX(sent_at_ns) FROM group_messages WHERE group_id = ?", groupID).Scan(&at)
	if err != nil {
		return 0, apperr.NewStorageError("sqlitestore.last_message", "query failed", err, true)
	}

	return at.Int64, nil
}

// ForGroup returns every message recorded for groupID at or after
// sinceSequenceID, ordered by sequence id. Used by the device-sync worker
// to replay a conversation's history to a newly-linked installation.
func (r *MessageRepository) ForGroup(ctx context.Context, groupID []byte, sinceSequenceID uint64) ([]StoredMessage, error) {
	query, args, err := sq.Select("group_id", "sequence_id", "content", "is_commit", "sent_at_ns").
		From("group_messages").
		Where(sq.And{sq.Eq{"group_id": groupID}, sq.GtOrEq{"sequence_id": sinceSequenceID}}).
		OrderBy("sequence_id ASC").
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.messages_for_group", "query build failed", err)
	}

	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.messages_for_group", "query failed", err, true)
	}

	defer rows.Close()

	var out []StoredMessage

	for rows.Next() {
		var (
			m        StoredMessage
			isCommit int
			sealed   []byte
		)

		if err := rows.Scan(&m.GroupID, &m.SequenceID, &sealed, &isCommit, &m.SentAtNs); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.messages_for_group", "scan failed", err, true)
		}

		m.Content, err = r.conn.openBytes(sealed)
		if err != nil {
			return nil, apperr.NewDecodeError("sqlitestore.messages_for_group", "unseal failed", err)
		}

		m.IsCommit = isCommit != 0
		out = append(out, m)
	}

	return out, rows.Err()
}

// DeleteExpired removes every message in groupID sent at or after
// sentAtFromNs and before the cutoff implied by the disappearing-message
// policy (computed by the caller as sentAt + InNs <= now). Returns the
// number of rows removed.
func (r *MessageRepository) DeleteExpired(ctx context.Context, groupID []byte, olderThanSentAtNs int64) (int, error) {
	var count int

	err := r.conn.WithWriteLock(func(db *sql.DB) error {
		exec := dbtx.GetExecutor(ctx, db)

		res, err := exec.ExecContext(ctx,
			"DELETE FROM group_messages WHERE group_id = ? AND sent_at_ns < ?", groupID, olderThanSentAtNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.delete_expired_messages", "delete failed", err, true)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return apperr.NewStorageError("sqlitestore.delete_expired_messages", "rows affected failed", err, false)
		}

		count = int(affected)

		return nil
	})

	return count, err
}
