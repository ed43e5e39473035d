package sqlitestore

import (
	"context"
	"fmt"

	"github.com/mlscore/core/pkg/apperr"
)

// schema is the full set of tables from §6's persisted state layout.
// Embedded as a single idempotent statement batch rather than a
// directory of numbered files: the local store has exactly one schema
// version per build, not a migration history to replay across releases.
const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_state (
	topic      TEXT NOT NULL,
	originator INTEGER NOT NULL,
	cursor     INTEGER NOT NULL,
	PRIMARY KEY (topic, originator)
);

CREATE TABLE IF NOT EXISTS identity_updates (
	inbox_id      TEXT NOT NULL,
	sequence_id   INTEGER NOT NULL,
	created_at_ns INTEGER NOT NULL,
	data          BLOB NOT NULL,
	PRIMARY KEY (inbox_id, sequence_id)
);

CREATE TABLE IF NOT EXISTS association_state (
	inbox_id    TEXT PRIMARY KEY,
	sequence_id INTEGER NOT NULL,
	data        BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	group_id           BLOB PRIMARY KEY,
	created_at_ns      INTEGER NOT NULL,
	membership         BLOB NOT NULL,
	mutable_metadata   BLOB,
	is_dm_group        INTEGER NOT NULL DEFAULT 0,
	dm_id              TEXT,
	is_sync_group      INTEGER NOT NULL DEFAULT 0,
	paused_for_version INTEGER NOT NULL DEFAULT 0,
	disappear_from_ns  INTEGER NOT NULL DEFAULT 0,
	disappear_in_ns    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_groups_dm_id ON groups(dm_id);

CREATE TABLE IF NOT EXISTS group_intents (
	id               TEXT PRIMARY KEY,
	group_id         BLOB NOT NULL,
	state            INTEGER NOT NULL,
	payload_hash     BLOB,
	staged_commit    BLOB,
	publish_attempts INTEGER NOT NULL DEFAULT 0,
	error_category   TEXT,
	inserted_at_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_intents_group_state ON group_intents(group_id, state, inserted_at_ns);

CREATE TABLE IF NOT EXISTS group_messages (
	group_id      BLOB NOT NULL,
	sequence_id   INTEGER NOT NULL,
	content       BLOB NOT NULL,
	is_commit     INTEGER NOT NULL DEFAULT 0,
	sent_at_ns    INTEGER NOT NULL,
	PRIMARY KEY (group_id, sequence_id)
);

CREATE TABLE IF NOT EXISTS consent_records (
	entity_id       TEXT PRIMARY KEY,
	state           INTEGER NOT NULL,
	consented_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS key_package_history (
	hash                BLOB PRIMARY KEY,
	installation_key    BLOB NOT NULL,
	bytes               BLOB NOT NULL,
	created_at_ns       INTEGER NOT NULL,
	post_rotation_ns    INTEGER NOT NULL,
	current             INTEGER NOT NULL DEFAULT 0,
	pruned              INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_key_package_installation ON key_package_history(installation_key, current);

CREATE TABLE IF NOT EXISTS icebox (
	topic         TEXT NOT NULL,
	originator    INTEGER NOT NULL,
	sequence_id   INTEGER NOT NULL,
	payload_hash  BLOB,
	depends_on    BLOB,
	envelope_blob BLOB
);

CREATE TABLE IF NOT EXISTS local_commit_log (
	group_id             BLOB NOT NULL,
	commit_sequence_id   INTEGER NOT NULL,
	epoch_authenticator  BLOB NOT NULL,
	result               INTEGER NOT NULL,
	PRIMARY KEY (group_id, commit_sequence_id)
);

CREATE TABLE IF NOT EXISTS remote_commit_log (
	group_id             BLOB NOT NULL,
	commit_sequence_id   INTEGER NOT NULL,
	epoch_authenticator  BLOB NOT NULL,
	result               INTEGER NOT NULL,
	PRIMARY KEY (group_id, commit_sequence_id)
);

CREATE TABLE IF NOT EXISTS fork_status (
	group_id BLOB PRIMARY KEY,
	known    INTEGER NOT NULL,
	value    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_device_sync_messages (
	inbox_id        TEXT NOT NULL,
	message_hash    BLOB NOT NULL,
	processed_at_ns INTEGER NOT NULL,
	PRIMARY KEY (inbox_id, message_hash)
);

CREATE TABLE IF NOT EXISTS user_preferences (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS d14n_migration_cutover (
	id           INTEGER PRIMARY KEY CHECK (id = 0),
	cutover_ns   INTEGER NOT NULL DEFAULT 0,
	has_migrated INTEGER NOT NULL DEFAULT 0
);
`

func (c *Connection) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return apperr.NewFatalStorageError("sqlitestore.migrate", "failed to apply schema", err)
	}

	var count int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return apperr.NewFatalStorageError("sqlitestore.migrate", "failed to read schema_meta", err)
	}

	if count == 0 {
		if _, err := c.db.ExecContext(ctx, "INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return apperr.NewFatalStorageError("sqlitestore.migrate", "failed to seed schema_meta", err)
		}

		if _, err := c.db.ExecContext(ctx, "INSERT OR IGNORE INTO d14n_migration_cutover (id, cutover_ns, has_migrated) VALUES (0, 0, 0)"); err != nil {
			return apperr.NewFatalStorageError("sqlitestore.migrate", "failed to seed d14n_migration_cutover", err)
		}

		c.logger.Infof("sqlitestore: initialized fresh database at schema version %d", schemaVersion)

		return nil
	}

	var storedVersion int
	if err := c.db.QueryRowContext(ctx, "SELECT version FROM schema_meta LIMIT 1").Scan(&storedVersion); err != nil {
		return apperr.NewFatalStorageError("sqlitestore.migrate", "failed to read schema version", err)
	}

	if storedVersion != schemaVersion {
		return apperr.NewFatalStorageError("sqlitestore.migrate", "InvalidVersion", invalidVersionErr{stored: storedVersion, want: schemaVersion})
	}

	return nil
}

type invalidVersionErr struct {
	stored, want int
}

func (e invalidVersionErr) Error() string {
	return fmt.Sprintf("database schema version %d does not match build version %d", e.stored, e.want)
}
