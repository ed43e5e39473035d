package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"

	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/pkg/apperr"
	"github.com/mlscore/core/pkg/dbtx"
)

// GroupRepository implements the groups table plus the welcome-cursor and
// join-message bookkeeping WelcomeRepository needs, and backs NewWelcomeRepository
// below with closures over itself.
type GroupRepository struct {
	conn *Connection
}

// NewGroupRepository wraps conn.
func NewGroupRepository(conn *Connection) *GroupRepository {
	return &GroupRepository{conn: conn}
}

// decodePolicySet rebuilds a group's PolicySet on load. data is not
// decoded: the result is DefaultDMPolicySet for a DM and DefaultPolicySet
// otherwise, so a custom PolicySet does not survive a reload and callers
// that build one must keep it in memory. DefaultPolicySet and
// DefaultDMPolicySet cover every policy this core assigns at group
// creation time.
func decodePolicySet(data []byte, isDM bool) group.PolicySet {
	if isDM {
		return group.DefaultDMPolicySet()
	}

	return group.DefaultPolicySet()
}

func encodeMembership(m group.MembershipExtension) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMembership(data []byte) (group.MembershipExtension, error) {
	m := group.MembershipExtension{}
	if len(data) == 0 {
		return m, nil
	}

	err := json.Unmarshal(data, &m)

	return m, err
}

func (r *GroupRepository) scanGroup(row *sql.Row) (*group.StoredGroup, error) {
	var (
		g                     group.StoredGroup
		membershipBytes       []byte
		metadataBytes         []byte
		isDM, isSync, paused  int
		dmID                  sql.NullString
	)

	err := row.Scan(&g.GroupID, &g.CreatedAtNs, &membershipBytes, &metadataBytes,
		&isDM, &dmID, &isSync, &paused, &g.DisappearFromNs, &g.DisappearInNs)
	if err == sql.ErrNoRows { //nolint:errorlint
		return nil, nil //nolint:nilnil // "no such group" is a valid lookup result
	}

	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.group_scan", "query failed", err, true)
	}

	g.Membership, err = decodeMembership(membershipBytes)
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.group_scan", "membership decode failed", err)
	}

	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &g.MutableMetadata); err != nil {
			return nil, apperr.NewDecodeError("sqlitestore.group_scan", "metadata decode failed", err)
		}
	}

	g.IsDMGroup = isDM != 0
	g.IsSyncGroup = isSync != 0
	g.PausedForVersion = paused != 0
	g.DMID = dmID.String
	// WelcomeCursor lives in user_preferences, not the groups table; see
	// CurrentWelcomeCursor. Callers that need it fetch it separately.
	g.Permissions = decodePolicySet(nil, g.IsDMGroup)

	return &g, nil
}

// FindByID returns the stored group for groupID, or nil if not found.
func (r *GroupRepository) FindByID(ctx context.Context, groupID []byte) (*group.StoredGroup, error) {
	query, args, err := sq.Select("group_id", "created_at_ns", "membership", "mutable_metadata",
		"is_dm_group", "dm_id", "is_sync_group", "paused_for_version", "disappear_from_ns", "disappear_in_ns").
		From("groups").Where(sq.Eq{"group_id": groupID}).ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.group_find", "query build failed", err)
	}

	row := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx, query, args...)

	return r.scanGroup(row)
}

// Insert persists a newly-created or newly-welcomed group.
func (r *GroupRepository) Insert(ctx context.Context, g *group.StoredGroup) error {
	membershipBytes, err := encodeMembership(g.Membership)
	if err != nil {
		return apperr.NewDecodeError("sqlitestore.group_insert", "membership encode failed", err)
	}

	var metadataBytes []byte
	if g.MutableMetadata != nil {
		metadataBytes, err = json.Marshal(g.MutableMetadata)
		if err != nil {
			return apperr.NewDecodeError("sqlitestore.group_insert", "metadata encode failed", err)
		}
	}

	isDM, isSync, paused := 0, 0, 0
	if g.IsDMGroup {
		isDM = 1
	}

	if g.IsSyncGroup {
		isSync = 1
	}

	if g.PausedForVersion {
		paused = 1
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO groups (group_id, created_at_ns, membership, mutable_metadata, is_dm_group, dm_id, is_sync_group, paused_for_version, disappear_from_ns, disappear_in_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO NOTHING`,
			g.GroupID, g.CreatedAtNs, membershipBytes, metadataBytes, isDM, nullableString(g.DMID), isSync, paused,
			g.DisappearFromNs, g.DisappearInNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.group_insert", "insert failed", err, true)
		}

		return nil
	})
}

// ListGroupIDs returns every stored group id. Used by background workers
// (internal/workers) that sweep all groups rather than operate on one at
// a time.
func (r *GroupRepository) ListGroupIDs(ctx context.Context) ([][]byte, error) {
	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, "SELECT group_id FROM groups")
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.list_group_ids", "query failed", err, true)
	}

	defer rows.Close()

	var ids [][]byte

	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.list_group_ids", "scan failed", err, true)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// FindGroupsByDMID returns every stored group sharing dmID other than
// excludeGroupID, the sibling lookup DM consent inheritance needs to find
// a prior group's consent decision when a new one is welcomed for the
// same dm_id.
func (r *GroupRepository) FindGroupsByDMID(ctx context.Context, dmID string, excludeGroupID []byte) ([]*group.StoredGroup, error) {
	query, args, err := sq.Select("group_id", "created_at_ns", "membership", "mutable_metadata",
		"is_dm_group", "dm_id", "is_sync_group", "paused_for_version", "disappear_from_ns", "disappear_in_ns").
		From("groups").
		Where(sq.Eq{"dm_id": dmID}).
		Where(sq.NotEq{"group_id": excludeGroupID}).
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.group_find_by_dmid", "query build failed", err)
	}

	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.group_find_by_dmid", "query failed", err, true)
	}

	defer rows.Close()

	var siblings []*group.StoredGroup

	for rows.Next() {
		var (
			g                     group.StoredGroup
			membershipBytes       []byte
			metadataBytes         []byte
			isDM, isSync, paused  int
			dmIDCol               sql.NullString
		)

		if err := rows.Scan(&g.GroupID, &g.CreatedAtNs, &membershipBytes, &metadataBytes,
			&isDM, &dmIDCol, &isSync, &paused, &g.DisappearFromNs, &g.DisappearInNs); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.group_find_by_dmid", "scan failed", err, true)
		}

		g.Membership, err = decodeMembership(membershipBytes)
		if err != nil {
			return nil, apperr.NewDecodeError("sqlitestore.group_find_by_dmid", "membership decode failed", err)
		}

		g.IsDMGroup = isDM != 0
		g.IsSyncGroup = isSync != 0
		g.PausedForVersion = paused != 0
		g.DMID = dmIDCol.String

		siblings = append(siblings, &g)
	}

	return siblings, rows.Err()
}

// ListSyncGroupIDs returns the ids of every group flagged as a sync
// group (is_sync_group), the distinguished conversation type the
// device-sync worker drains.
func (r *GroupRepository) ListSyncGroupIDs(ctx context.Context) ([][]byte, error) {
	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, "SELECT group_id FROM groups WHERE is_sync_group = 1")
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.list_sync_group_ids", "query failed", err, true)
	}

	defer rows.Close()

	var ids [][]byte

	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.list_sync_group_ids", "scan failed", err, true)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DisappearingSetting is one group's disappearing-message policy, as
// returned by ListDisappearingSettings.
type DisappearingSetting struct {
	GroupID  []byte
	FromNs   int64
	InNs     int64
}

// ListDisappearingSettings returns every group with a disappearing-
// message policy configured (disappear_in_ns > 0).
func (r *GroupRepository) ListDisappearingSettings(ctx context.Context) ([]DisappearingSetting, error) {
	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx,
		"SELECT group_id, disappear_from_ns, disappear_in_ns FROM groups WHERE disappear_in_ns > 0")
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.list_disappearing", "query failed", err, true)
	}

	defer rows.Close()

	var out []DisappearingSetting

	for rows.Next() {
		var s DisappearingSetting
		if err := rows.Scan(&s.GroupID, &s.FromNs, &s.InNs); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.list_disappearing", "scan failed", err, true)
		}

		out = append(out, s)
	}

	return out, rows.Err()
}

// SetDisappearingSettings updates groupID's disappearing-message policy.
// Passing inNs = 0 disables it.
func (r *GroupRepository) SetDisappearingSettings(ctx context.Context, groupID []byte, fromNs, inNs int64) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE groups SET disappear_from_ns = ?, disappear_in_ns = ? WHERE group_id = ?",
			fromNs, inNs, groupID)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_disappearing", "update failed", err, true)
		}

		return nil
	})
}

// SetMutableMetadata replaces groupID's mutable_metadata map wholesale,
// the same way a group's admin list (stored under the "admins" /
// "super_admins" keys by the client facade) is updated: the whole map is
// re-serialized rather than patched key-by-key, since it is small and
// read back in full by FindByID anyway.
func (r *GroupRepository) SetMutableMetadata(ctx context.Context, groupID []byte, metadata map[string]string) error {
	var (
		metadataBytes []byte
		err           error
	)

	if metadata != nil {
		metadataBytes, err = json.Marshal(metadata)
		if err != nil {
			return apperr.NewDecodeError("sqlitestore.set_metadata", "metadata encode failed", err)
		}
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"UPDATE groups SET mutable_metadata = ? WHERE group_id = ?", metadataBytes, groupID)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.set_metadata", "update failed", err, true)
		}

		return nil
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// CurrentWelcomeCursor returns the highest processed welcome id for
// installationKey.
func (r *GroupRepository) CurrentWelcomeCursor(ctx context.Context, installationKey []byte) (uint64, error) {
	var cursor uint64

	err := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx,
		"SELECT value FROM user_preferences WHERE key = ?", welcomeCursorKey(installationKey)).Scan(&cursor)
	if err == sql.ErrNoRows { //nolint:errorlint
		return 0, nil
	}

	if err != nil {
		return 0, apperr.NewStorageError("sqlitestore.welcome_cursor", "query failed", err, true)
	}

	return cursor, nil
}

// AdvanceWelcomeCursor records pastID as processed for installationKey,
// if it is greater than what's stored. Compared and written under the
// write lock rather than in a single SQL upsert: the stored value is an
// opaque BLOB shared with every other user_preferences key, so a SQL-side
// byte comparison wouldn't order multi-digit cursors correctly.
func (r *GroupRepository) AdvanceWelcomeCursor(ctx context.Context, installationKey []byte, pastID uint64) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		exec := dbtx.GetExecutor(ctx, db)

		var current uint64

		err := exec.QueryRowContext(ctx, "SELECT value FROM user_preferences WHERE key = ?",
			welcomeCursorKey(installationKey)).Scan(&current)
		if err != nil && err != sql.ErrNoRows { //nolint:errorlint
			return apperr.NewStorageError("sqlitestore.advance_welcome_cursor", "query failed", err, true)
		}

		if pastID <= current {
			return nil
		}

		_, err = exec.ExecContext(ctx, `
			INSERT INTO user_preferences (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			welcomeCursorKey(installationKey), cursorBlob(pastID))
		if err != nil {
			return apperr.NewStorageError("sqlitestore.advance_welcome_cursor", "upsert failed", err, true)
		}

		return nil
	})
}

func welcomeCursorKey(installationKey []byte) string {
	return "welcome_cursor:" + string(installationKey)
}

func cursorBlob(v uint64) []byte {
	b, _ := json.Marshal(v)
	return b
}

// FindGroupByWelcomeID is a thin adapter shape: this store keys stored
// groups by group_id, not welcome id, so callers that have only a
// welcome id resolve the group id out-of-band (the broker response
// carries both) before calling FindByID. Kept here only to satisfy
// group.WelcomeRepository's function-value shape when wired in NewWelcomeRepository.
func (r *GroupRepository) FindGroupByWelcomeID(context.Context, []byte, uint64) (*group.StoredGroup, error) {
	return nil, nil //nolint:nilnil // no cached mapping: callers always re-derive the group id from the welcome payload
}

// InsertJoinMessage is a no-op: NewWelcomeRepository wires it in as is,
// so no join message is written to group_messages for a welcomed group.
func (r *GroupRepository) InsertJoinMessage(context.Context, []byte) error { return nil }

// NewWelcomeRepository adapts a GroupRepository into the function-value
// shape group.WelcomeRepository expects, so the welcome state machine
// stays decoupled from any concrete store. consent backs DM consent
// inheritance; pass nil to skip it (e.g. a store with no consent table).
func NewWelcomeRepository(repo *GroupRepository, consent *ConsentRepository, onSyncGroupAdopted func(context.Context, []byte)) group.WelcomeRepository {
	wr := group.WelcomeRepository{
		FindGroupByWelcomeID: repo.FindGroupByWelcomeID,
		CurrentWelcomeCursor: repo.CurrentWelcomeCursor,
		AdvanceWelcomeCursor: repo.AdvanceWelcomeCursor,
		InsertGroup:          repo.Insert,
		InsertJoinMessage:    repo.InsertJoinMessage,
		EmitSyncGroupAdopted: onSyncGroupAdopted,
	}

	if consent != nil {
		wr.InheritDMConsent = func(ctx context.Context, stored *group.StoredGroup) error {
			siblings, err := repo.FindGroupsByDMID(ctx, stored.DMID, stored.GroupID)
			if err != nil {
				return err
			}

			records := make([]group.ConsentRecord, 0, len(siblings))

			for _, sibling := range siblings {
				record, ok, err := consent.Get(ctx, group.GroupConsentEntityID(sibling.GroupID))
				if err != nil {
					return err
				}

				if ok {
					records = append(records, record)
				}
			}

			best, ok := group.MostRecentConsent(records)
			if !ok {
				return nil
			}

			return consent.Set(ctx, group.ConsentRecord{
				EntityID:      group.GroupConsentEntityID(stored.GroupID),
				State:         best.State,
				ConsentedAtNs: best.ConsentedAtNs,
			})
		}
	}

	return wr
}

// IntentRepository implements group.IntentRepository over group_intents.
type IntentRepository struct {
	conn *Connection
}

// NewIntentRepository wraps conn.
func NewIntentRepository(conn *Connection) *IntentRepository {
	return &IntentRepository{conn: conn}
}

// ToPublishInGroup returns every ToPublish intent for groupID, ordered by
// insertion so the publish loop preserves application intent order.
func (r *IntentRepository) ToPublishInGroup(ctx context.Context, groupID []byte) ([]*group.Intent, error) {
	query, args, err := sq.Select("id", "state", "payload_hash", "staged_commit", "publish_attempts", "error_category", "inserted_at_ns").
		From("group_intents").
		Where(sq.Eq{"group_id": groupID, "state": int(group.IntentToPublish)}).
		OrderBy("inserted_at_ns ASC").
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.intents_to_publish", "query build failed", err)
	}

	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.intents_to_publish", "query failed", err, true)
	}

	defer rows.Close()

	var intents []*group.Intent

	for rows.Next() {
		intent := &group.Intent{GroupID: groupID}

		var (
			state         int
			errorCategory sql.NullString
		)

		if err := rows.Scan(&intent.ID, &state, &intent.PayloadHash, &intent.StagedCommit,
			&intent.PublishAttempts, &errorCategory, &intent.InsertedAtNs); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.intents_to_publish", "scan failed", err, true)
		}

		intent.State = group.IntentState(state)
		intent.ErrorCategory = apperr.Category(errorCategory.String)
		intents = append(intents, intent)
	}

	return intents, rows.Err()
}

// FindPublishedByPayloadHash returns the Published intent matching
// payloadHash, or nil if no such intent is waiting to be reconciled. This
// is process_own_message's (§4.6.4) matching step: an echoed group
// message is our own completed publish iff its payload hash matches a
// Published intent here.
func (r *IntentRepository) FindPublishedByPayloadHash(ctx context.Context, payloadHash []byte) (*group.Intent, error) {
	query, args, err := sq.Select("id", "group_id", "payload_hash", "staged_commit", "publish_attempts", "error_category", "inserted_at_ns").
		From("group_intents").
		Where(sq.Eq{"payload_hash": payloadHash, "state": int(group.IntentPublished)}).
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.intent_find_by_hash", "query build failed", err)
	}

	row := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx, query, args...)

	intent := &group.Intent{State: group.IntentPublished}

	var errorCategory sql.NullString

	err = row.Scan(&intent.ID, &intent.GroupID, &intent.PayloadHash, &intent.StagedCommit,
		&intent.PublishAttempts, &errorCategory, &intent.InsertedAtNs)
	if err == sql.ErrNoRows { //nolint:errorlint
		return nil, nil //nolint:nilnil // "no matching published intent" is a valid lookup result
	}

	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.intent_find_by_hash", "query failed", err, true)
	}

	intent.ErrorCategory = apperr.Category(errorCategory.String)

	return intent, nil
}

// FindByID returns one intent by id, or nil if it no longer exists.
func (r *IntentRepository) FindByID(ctx context.Context, id string) (*group.Intent, error) {
	query, args, err := sq.Select("group_id", "state", "payload_hash", "staged_commit", "publish_attempts", "error_category", "inserted_at_ns").
		From("group_intents").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, apperr.NewDecodeError("sqlitestore.intent_find_by_id", "query build failed", err)
	}

	row := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx, query, args...)

	intent := &group.Intent{ID: id}

	var (
		state         int
		errorCategory sql.NullString
	)

	err = row.Scan(&intent.GroupID, &state, &intent.PayloadHash, &intent.StagedCommit,
		&intent.PublishAttempts, &errorCategory, &intent.InsertedAtNs)
	if err == sql.ErrNoRows { //nolint:errorlint
		return nil, nil //nolint:nilnil // "no such intent" is a valid lookup result
	}

	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.intent_find_by_id", "query failed", err, true)
	}

	intent.State = group.IntentState(state)
	intent.ErrorCategory = apperr.Category(errorCategory.String)

	return intent, nil
}

// Save upserts an intent's full row, including its state transition.
func (r *IntentRepository) Save(ctx context.Context, intent *group.Intent) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO group_intents (id, group_id, state, payload_hash, staged_commit, publish_attempts, error_category, inserted_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				payload_hash = excluded.payload_hash,
				staged_commit = excluded.staged_commit,
				publish_attempts = excluded.publish_attempts,
				error_category = excluded.error_category`,
			intent.ID, intent.GroupID, int(intent.State), intent.PayloadHash, intent.StagedCommit,
			intent.PublishAttempts, string(intent.ErrorCategory), intent.InsertedAtNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.intent_save", "upsert failed", err, true)
		}

		return nil
	})
}

// CommitLogRepository implements local_commit_log / remote_commit_log
// access for fork detection, parameterized by table name since the two
// tables share a schema.
type CommitLogRepository struct {
	conn  *Connection
	table string
}

// NewLocalCommitLogRepository backs local_commit_log.
func NewLocalCommitLogRepository(conn *Connection) *CommitLogRepository {
	return &CommitLogRepository{conn: conn, table: "local_commit_log"}
}

// NewRemoteCommitLogRepository backs remote_commit_log.
func NewRemoteCommitLogRepository(conn *Connection) *CommitLogRepository {
	return &CommitLogRepository{conn: conn, table: "remote_commit_log"}
}

// Append records a new commit log entry for groupID.
func (r *CommitLogRepository) Append(ctx context.Context, groupID []byte, entry group.CommitLogEntry) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		//nolint:gosec // table is one of two internal constants, never user input
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx,
			"INSERT OR IGNORE INTO "+r.table+" (group_id, commit_sequence_id, epoch_authenticator, result) VALUES (?, ?, ?, ?)",
			groupID, entry.CommitSequenceID, entry.EpochAuthenticator, int(entry.Result))
		if err != nil {
			return apperr.NewStorageError("sqlitestore.commit_log_append", "insert failed", err, true)
		}

		return nil
	})
}

// ForGroup returns every entry recorded for groupID, ordered by
// commit_sequence_id.
func (r *CommitLogRepository) ForGroup(ctx context.Context, groupID []byte) ([]group.CommitLogEntry, error) {
	//nolint:gosec // table is one of two internal constants, never user input
	rows, err := dbtx.GetExecutor(ctx, r.conn.db).QueryContext(ctx,
		"SELECT commit_sequence_id, epoch_authenticator, result FROM "+r.table+" WHERE group_id = ? ORDER BY commit_sequence_id ASC",
		groupID)
	if err != nil {
		return nil, apperr.NewStorageError("sqlitestore.commit_log_for_group", "query failed", err, true)
	}

	defer rows.Close()

	var entries []group.CommitLogEntry

	for rows.Next() {
		var e group.CommitLogEntry

		var result int

		if err := rows.Scan(&e.CommitSequenceID, &e.EpochAuthenticator, &result); err != nil {
			return nil, apperr.NewStorageError("sqlitestore.commit_log_for_group", "scan failed", err, true)
		}

		e.Result = group.CommitResult(result)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ForkStatusRepository implements the sticky fork_status table.
type ForkStatusRepository struct {
	conn *Connection
}

// NewForkStatusRepository wraps conn.
func NewForkStatusRepository(conn *Connection) *ForkStatusRepository {
	return &ForkStatusRepository{conn: conn}
}

// Get returns the stored fork status for groupID, or the zero (unknown)
// value if none has been recorded yet.
func (r *ForkStatusRepository) Get(ctx context.Context, groupID []byte) (group.ForkStatus, error) {
	var known, value int

	err := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx,
		"SELECT known, value FROM fork_status WHERE group_id = ?", groupID).Scan(&known, &value)
	if err == sql.ErrNoRows { //nolint:errorlint
		return group.ForkStatus{}, nil
	}

	if err != nil {
		return group.ForkStatus{}, apperr.NewStorageError("sqlitestore.fork_status_get", "query failed", err, true)
	}

	return group.ForkStatus{Known: known != 0, Value: value != 0}, nil
}

// Set persists status for groupID. Callers are expected to have already
// applied DetectFork's sticky-once-true rule; this method just writes
// whatever it's given.
func (r *ForkStatusRepository) Set(ctx context.Context, groupID []byte, status group.ForkStatus) error {
	known, value := 0, 0
	if status.Known {
		known = 1
	}

	if status.Value {
		value = 1
	}

	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO fork_status (group_id, known, value) VALUES (?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET known = excluded.known, value = excluded.value`,
			groupID, known, value)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.fork_status_set", "upsert failed", err, true)
		}

		return nil
	})
}

// ConsentRepository implements consent_records.
type ConsentRepository struct {
	conn *Connection
}

// NewConsentRepository wraps conn.
func NewConsentRepository(conn *Connection) *ConsentRepository {
	return &ConsentRepository{conn: conn}
}

// Set records a consent decision, keeping only the most recent per
// entity (Consent recency property, §8).
func (r *ConsentRepository) Set(ctx context.Context, record group.ConsentRecord) error {
	return r.conn.WithWriteLock(func(db *sql.DB) error {
		_, err := dbtx.GetExecutor(ctx, db).ExecContext(ctx, `
			INSERT INTO consent_records (entity_id, state, consented_at_ns) VALUES (?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET state = excluded.state, consented_at_ns = excluded.consented_at_ns
			WHERE excluded.consented_at_ns >= consent_records.consented_at_ns`,
			record.EntityID, int(record.State), record.ConsentedAtNs)
		if err != nil {
			return apperr.NewStorageError("sqlitestore.consent_set", "upsert failed", err, true)
		}

		return nil
	})
}

// Get returns the stored consent record for entityID, or false if none
// exists.
func (r *ConsentRepository) Get(ctx context.Context, entityID string) (group.ConsentRecord, bool, error) {
	var (
		state int
		at    int64
	)

	err := dbtx.GetExecutor(ctx, r.conn.db).QueryRowContext(ctx,
		"SELECT state, consented_at_ns FROM consent_records WHERE entity_id = ?", entityID).Scan(&state, &at)
	if err == sql.ErrNoRows { //nolint:errorlint
		return group.ConsentRecord{}, false, nil
	}

	if err != nil {
		return group.ConsentRecord{}, false, apperr.NewStorageError("sqlitestore.consent_get", "query failed", err, true)
	}

	return group.ConsentRecord{EntityID: entityID, State: group.ConsentState(state), ConsentedAtNs: at}, true, nil
}
