package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/pkg/mlog"
)

func openTestConn(t *testing.T) *sqlitestore.Connection {
	t.Helper()

	conn, err := sqlitestore.Open(context.Background(), sqlitestore.Config{Path: ":memory:"}, mlog.NoneLogger{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// noCache always misses, forcing the Syncer to reload and fold from the
// identity log on every call, as a running client with an unreachable
// Redis would.
type noCache struct{}

func (noCache) Get(context.Context, string, uint64) (*identity.AssociationState, bool, error) {
	return nil, false, nil
}

func (noCache) Put(context.Context, *identity.AssociationState) error { return nil }

func testDeps(t *testing.T) Deps {
	t.Helper()

	conn := openTestConn(t)

	engine := identity.NewEngine(nil, mlog.NoneLogger{})
	identityStore := sqlitestore.NewIdentityRepository(conn)
	syncer := identity.NewSyncer(engine, identityStore, noCache{})

	return Deps{
		Groups:       sqlitestore.NewGroupRepository(conn),
		Messages:     sqlitestore.NewMessageRepository(conn),
		LocalCommits: sqlitestore.NewLocalCommitLogRepository(conn),
		ForkStatus:   sqlitestore.NewForkStatusRepository(conn),
		Identity:     syncer,
		IdentityLog:  identityStore,
		Engine:       engine,
		Version:      "test-build",
	}
}

func decodeJSON(t *testing.T, body io.Reader, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(out))
}

func TestRouter_HealthAndVersion(t *testing.T) {
	app := NewRouter(testDeps(t), mlog.NoneLogger{}, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var health map[string]string
	decodeJSON(t, resp.Body, &health)
	require.Equal(t, "ok", health["status"])

	resp, err = app.Test(httptest.NewRequest("GET", "/version", nil))
	require.NoError(t, err)

	var version map[string]string
	decodeJSON(t, resp.Body, &version)
	require.Equal(t, "test-build", version["version"])
}

func TestRouter_DebugRoutesRequireBearerWhenSecretConfigured(t *testing.T) {
	app := NewRouter(testDeps(t), mlog.NoneLogger{}, []byte("shh"))

	resp, err := app.Test(httptest.NewRequest("GET", "/debug/conversations", nil))
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestRouter_ForkStatusRoundTrip(t *testing.T) {
	deps := testDeps(t)
	app := NewRouter(deps, mlog.NoneLogger{}, nil)

	groupID := []byte("group-fork-http")
	require.NoError(t, deps.ForkStatus.Set(context.Background(), groupID, group.ForkStatus{Known: true, Value: true}))

	path := "/debug/groups/" + hex.EncodeToString(groupID) + "/fork_status"

	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var status struct {
		Known  bool `json:"known"`
		Forked bool `json:"forked"`
	}
	decodeJSON(t, resp.Body, &status)
	require.True(t, status.Known)
	require.True(t, status.Forked)
}

func TestRouter_EpochReportsHighWaterMark(t *testing.T) {
	deps := testDeps(t)
	app := NewRouter(deps, mlog.NoneLogger{}, nil)

	groupID := []byte("group-epoch-http")
	ctx := context.Background()
	require.NoError(t, deps.LocalCommits.Append(ctx, groupID, group.CommitLogEntry{CommitSequenceID: 1, Result: group.ResultSuccess}))
	require.NoError(t, deps.LocalCommits.Append(ctx, groupID, group.CommitLogEntry{CommitSequenceID: 5, Result: group.ResultSuccess}))

	path := "/debug/groups/" + hex.EncodeToString(groupID) + "/epoch"

	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var out struct {
		Epoch uint64 `json:"epoch"`
	}
	decodeJSON(t, resp.Body, &out)
	require.Equal(t, uint64(5), out.Epoch)
}

func TestRouter_ConversationsListsStoredGroups(t *testing.T) {
	deps := testDeps(t)
	app := NewRouter(deps, mlog.NoneLogger{}, nil)

	ctx := context.Background()
	require.NoError(t, deps.Groups.Insert(ctx, &group.StoredGroup{
		GroupID:     []byte("group-conv-http"),
		CreatedAtNs: 1,
		Membership:  group.MembershipExtension{"inbox-a": 1},
	}))
	require.NoError(t, deps.Messages.Insert(ctx, sqlitestore.StoredMessage{
		GroupID: []byte("group-conv-http"), SequenceID: 1, Content: []byte("hi"), SentAtNs: 42,
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/debug/conversations", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var summaries []group.ConversationSummary
	decodeJSON(t, resp.Body, &summaries)
	require.Len(t, summaries, 1)
	require.Equal(t, int64(42), summaries[0].LastMessageAtNs)
}

func TestRouter_InstallationDiffNotFoundForUnknownGroup(t *testing.T) {
	app := NewRouter(testDeps(t), mlog.NoneLogger{}, nil)

	path := "/debug/groups/" + hex.EncodeToString([]byte("no-such-group")) + "/installation_diff"

	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}
