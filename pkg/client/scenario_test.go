package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/domain/envelope"
	"github.com/mlscore/core/internal/domain/group"
)

// TestScenario_TwoClientGroupAndMessageDelivery reproduces, end to end
// against the public Client facade, installation B receiving a welcome
// into inbox A's group and then observing the message A sent after the
// welcome was processed: process_welcome commits the group, sync
// decrypts and persists the pending application message, and
// find_messages (here, the decoded result of Sync itself) returns
// exactly one message with the expected content.
func TestScenario_TwoClientGroupAndMessageDelivery(t *testing.T) {
	ctx := context.Background()

	a, fbA, _ := testClient(t)
	b, fbB, fpB := testClient(t)

	groupID := []byte("group-ab")

	storedA := &group.StoredGroup{
		GroupID:     groupID,
		Membership:  group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
		Permissions: group.DefaultPolicySet(),
	}
	require.NoError(t, a.groups.Insert(ctx, storedA))

	fpB.welcome = &group.DecryptedWelcome{
		TreeMembership:      group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
		ExtensionMembership: group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
	}

	joined, err := b.ProcessWelcome(ctx, group.IncomingWelcome{
		BrokerWelcomeID: 1,
		GroupID:         groupID,
		InstallationKey: []byte("install-b"),
	}, false, nil)
	require.NoError(t, err)
	require.Equal(t, groupID, joined.GroupID)

	require.NoError(t, a.Send(ctx, groupID, []byte("hello")))
	require.Len(t, fbA.sent, 1)

	wire := fbA.sent[0][0]
	fpB.envelopes[string(wire)] = &envelope.Envelope{
		Topic: "group-messages:ab", Originator: 1, SequenceID: 1,
		Kind:         envelope.KindGroupMessage,
		GroupMessage: &envelope.GroupMessage{GroupID: groupID, Data: []byte("hello")},
	}
	fbB.queryResults[string(groupID)] = []broker.Message{{Topic: "group-messages:ab", SequenceID: 1, Bytes: wire}}

	decoded, err := b.Sync(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, []byte("hello"), decoded[0].Content)
}

// TestScenario_WelcomeReplayReturnsCachedGroupWithoutDecrypting exercises
// process_welcome's replay guard through the public facade: delivering
// the same welcome id twice must not call Decrypt the second time, since
// the cached group is returned directly from the store.
func TestScenario_WelcomeReplayReturnsCachedGroupWithoutDecrypting(t *testing.T) {
	ctx := context.Background()
	c, _, fp := testClient(t)

	// sqlitestore.GroupRepository.FindGroupByWelcomeID never caches a
	// welcome-id-to-group mapping (see its doc comment): this store
	// expects callers to re-derive the group id out-of-band instead. The
	// replay guard itself lives in group.WelcomeProcessor regardless of
	// which WelcomeRepository backs it, so exercise it here with an
	// in-memory repository that does cache the mapping.
	cachedGroups := map[string]*group.StoredGroup{}
	cursors := map[string]uint64{}
	c.welcome = group.NewWelcomeProcessor(fp, group.WelcomeRepository{
		FindGroupByWelcomeID: func(_ context.Context, installationKey []byte, _ uint64) (*group.StoredGroup, error) {
			return cachedGroups[string(installationKey)], nil
		},
		CurrentWelcomeCursor: func(_ context.Context, installationKey []byte) (uint64, error) {
			return cursors[string(installationKey)], nil
		},
		AdvanceWelcomeCursor: func(_ context.Context, installationKey []byte, pastID uint64) error {
			cursors[string(installationKey)] = pastID
			return nil
		},
		InsertGroup: func(_ context.Context, g *group.StoredGroup) error {
			cachedGroups["install-a"] = g
			return nil
		},
		InsertJoinMessage: func(context.Context, []byte) error { return nil },
	})

	groupID := []byte("group-replay")
	fp.welcome = &group.DecryptedWelcome{
		TreeMembership:      group.MembershipExtension{"inbox-a": 0},
		ExtensionMembership: group.MembershipExtension{"inbox-a": 0},
	}

	w := group.IncomingWelcome{BrokerWelcomeID: 5, GroupID: groupID, InstallationKey: []byte("install-a")}

	first, err := c.ProcessWelcome(ctx, w, false, nil)
	require.NoError(t, err)

	// A decrypt failure on replay would surface as an error if Decrypt
	// were actually invoked again; clearing the stub result proves the
	// second call takes the cached-cursor branch instead.
	fp.welcome = nil

	second, err := c.ProcessWelcome(ctx, w, false, nil)
	require.NoError(t, err)
	require.Equal(t, first.GroupID, second.GroupID)
}

// TestScenario_SecondDMGroupInheritsConsent reproduces DM stitching's
// consent-inheritance rule: a consent decision recorded against an
// existing DM group is carried over to a second group welcomed for the
// same dm_id, without the caller ever setting consent on the new group
// directly.
func TestScenario_SecondDMGroupInheritsConsent(t *testing.T) {
	ctx := context.Background()
	c, _, fp := testClient(t)

	firstGroupID := []byte("dm-group-first")
	first := &group.StoredGroup{
		GroupID:    firstGroupID,
		Membership: group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
		IsDMGroup:  true,
		DMID:       group.DMID("inbox-a", "inbox-b"),
	}
	require.NoError(t, c.groups.Insert(ctx, first))
	require.NoError(t, c.SetConsent(ctx, group.GroupConsentEntityID(firstGroupID), group.ConsentAllowed, 10))

	secondGroupID := []byte("dm-group-second")
	fp.welcome = &group.DecryptedWelcome{
		TreeMembership:      group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
		ExtensionMembership: group.MembershipExtension{"inbox-a": 0, "inbox-b": 0},
	}

	second, err := c.ProcessWelcome(ctx, group.IncomingWelcome{
		BrokerWelcomeID: 1,
		GroupID:         secondGroupID,
		InstallationKey: []byte("install-a"),
	}, true, nil)
	require.NoError(t, err)
	require.Equal(t, first.DMID, second.DMID)

	record, ok, err := c.GetConsent(ctx, group.GroupConsentEntityID(secondGroupID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, group.ConsentAllowed, record.State)
}
