package group

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/internal/retry"
	"github.com/mlscore/core/pkg/apperr"
)

func TestPolicySet_RejectsNonAdminMembershipChange(t *testing.T) {
	ps := DefaultPolicySet()

	ok := ps.Evaluate(Change{Kind: MutationAddMember, ActorRole: RoleMember})
	require.False(t, ok)

	ok = ps.Evaluate(Change{Kind: MutationAddMember, ActorRole: RoleAdmin})
	require.True(t, ok)
}

func TestPolicySet_AdminRoleChangesRequireSuperAdmin(t *testing.T) {
	ps := DefaultPolicySet()

	require.False(t, ps.Evaluate(Change{Kind: MutationAddAdmin, ActorRole: RoleAdmin}))
	require.True(t, ps.Evaluate(Change{Kind: MutationAddAdmin, ActorRole: RoleSuperAdmin}))
}

func TestAndAny_Combinators(t *testing.T) {
	and := And{Policies: []Policy{Allow{}, Deny{}}}
	require.False(t, and.Evaluate(Change{}))

	any := Any{Policies: []Policy{Deny{}, Allow{}}}
	require.True(t, any.Evaluate(Change{}))
}

// fakeLookup answers two distinct queries CommitValidator makes against
// the same AssociationDiffLookup method: diffs backs the (oldSeq, newSeq)
// expected-add/remove query ExpectedInstallationDiff issues, and members
// backs the (0, toSeq) from-genesis membership query
// installationCurrentlyInInbox issues to check the commit actor. Real
// callers never see two different answers for the same inbox depending
// on fromSeq — this split only exists to keep the two checks' test
// fixtures independent of each other.
type fakeLookup struct {
	diffs   map[string]identity.Diff
	members map[string][]string
}

func (f *fakeLookup) InstallationDiff(inboxID string, fromSeq, _ uint64) (identity.Diff, error) {
	if fromSeq == 0 && f.members != nil {
		var added []identity.Member
		for _, id := range f.members[inboxID] {
			added = append(added, identity.Member{Kind: identity.MemberInstallation, Identifier: id})
		}

		return identity.Diff{Added: added}, nil
	}

	return f.diffs[inboxID], nil
}

type fakeRoles struct{ role ActorRole }

func (f fakeRoles) RoleOf(string) ActorRole { return f.role }

func TestCommitValidator_RejectsUnexpectedInstallationAdded(t *testing.T) {
	lookup := &fakeLookup{
		diffs: map[string]identity.Diff{
			"inbox-a": {Added: []identity.Member{{Kind: identity.MemberInstallation, Identifier: "N-expected"}}},
		},
		members: map[string][]string{"inbox-a": {"actor"}},
	}
	validator := NewCommitValidator(lookup)

	commit := IncomingCommit{
		ActorLeafInstallationKey: "actor",
		ActorInboxID:             "inbox-a",
		OldMembership:            MembershipExtension{"inbox-a": 1},
		NewMembership:            MembershipExtension{"inbox-a": 2},
		Proposals: []Proposal{
			{Kind: MutationAddMember, InstallationKey: "N-unexpected"},
		},
	}

	err := validator.Validate(commit, DefaultPolicySet(), fakeRoles{role: RoleSuperAdmin})
	require.Error(t, err)

	var ve apperr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestCommitValidator_AcceptsMatchingDiff(t *testing.T) {
	lookup := &fakeLookup{
		diffs: map[string]identity.Diff{
			"inbox-a": {Added: []identity.Member{{Kind: identity.MemberInstallation, Identifier: "N1"}}},
		},
		members: map[string][]string{"inbox-a": {"actor"}},
	}
	validator := NewCommitValidator(lookup)

	commit := IncomingCommit{
		ActorLeafInstallationKey: "actor",
		ActorInboxID:             "inbox-a",
		OldMembership:            MembershipExtension{"inbox-a": 1},
		NewMembership:            MembershipExtension{"inbox-a": 2},
		Proposals: []Proposal{
			{Kind: MutationAddMember, InstallationKey: "N1"},
		},
	}

	err := validator.Validate(commit, DefaultPolicySet(), fakeRoles{role: RoleSuperAdmin})
	require.NoError(t, err)
}

// TestCommitValidator_RejectsNonMemberActorWithNoMembershipProposals
// reproduces the exploit the add/remove diff check alone cannot catch: a
// commit authored by an installation that was never a member of the
// group, carrying no Add/Remove proposals at all (here, an admin-role
// change), so the expected/actual sets are both empty and trivially
// agree. Only the actor-membership check introduced alongside it rejects
// this.
func TestCommitValidator_RejectsNonMemberActorWithNoMembershipProposals(t *testing.T) {
	lookup := &fakeLookup{members: map[string][]string{"inbox-a": {"real-member"}}}
	validator := NewCommitValidator(lookup)

	commit := IncomingCommit{
		ActorLeafInstallationKey: "intruder",
		ActorInboxID:             "inbox-a",
		OldMembership:            MembershipExtension{"inbox-a": 1},
		NewMembership:            MembershipExtension{"inbox-a": 1},
		Proposals: []Proposal{
			{Kind: MutationAddAdmin, MetadataField: "admins"},
		},
	}

	err := validator.Validate(commit, DefaultPolicySet(), fakeRoles{role: RoleSuperAdmin})
	require.Error(t, err)

	var ve apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "ActorNotMember", ve.Message)
}

func TestDetectFork_DifferentAuthenticatorsIsAFork(t *testing.T) {
	local := []CommitLogEntry{{CommitSequenceID: 2, EpochAuthenticator: []byte{0xDD, 0xFF}, Result: ResultSuccess}}
	remote := []CommitLogEntry{{CommitSequenceID: 2, EpochAuthenticator: []byte{0xDD, 0x11}, Result: ResultSuccess}}

	status := DetectFork(ForkStatus{}, local, remote)
	require.True(t, status.Known)
	require.True(t, status.Value)
}

func TestDetectFork_StickyOnceTrue(t *testing.T) {
	prev := ForkStatus{Known: true, Value: true}

	status := DetectFork(prev, nil, nil)
	require.True(t, status.Value)
}

func TestDMID_OrderIndependent(t *testing.T) {
	require.Equal(t, DMID("a", "b"), DMID("b", "a"))
}

func TestDedupeConversations_KeepsMostRecentPerDMID(t *testing.T) {
	groups := []ConversationSummary{
		{GroupID: []byte("g1"), IsDMGroup: true, DMID: "a:b", LastMessageAtNs: 1},
		{GroupID: []byte("g2"), IsDMGroup: true, DMID: "a:b", LastMessageAtNs: 5},
		{GroupID: []byte("g3"), IsDMGroup: false},
	}

	out := DedupeConversations(groups)
	require.Len(t, out, 2)

	var keptDM *ConversationSummary

	for i := range out {
		if out[i].IsDMGroup {
			keptDM = &out[i]
		}
	}

	require.NotNil(t, keptDM)
	require.Equal(t, "g2", string(keptDM.GroupID))
}

func TestMostRecentConsent(t *testing.T) {
	records := []ConsentRecord{
		{State: ConsentDenied, ConsentedAtNs: 10},
		{State: ConsentAllowed, ConsentedAtNs: 20},
	}

	best, ok := MostRecentConsent(records)
	require.True(t, ok)
	require.Equal(t, ConsentAllowed, best.State)
}

type fakeIntentRepo struct {
	intents []*Intent
	saved   []*Intent
}

func (f *fakeIntentRepo) ToPublishInGroup(_ context.Context, groupID []byte) ([]*Intent, error) {
	var out []*Intent

	for _, i := range f.intents {
		if string(i.GroupID) == string(groupID) && i.State == IntentToPublish {
			out = append(out, i)
		}
	}

	return out, nil
}

func (f *fakeIntentRepo) Save(_ context.Context, intent *Intent) error {
	f.saved = append(f.saved, intent)
	return nil
}

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, intent *Intent) ([]byte, []byte, error) {
	return []byte("wire"), []byte("hash-" + intent.ID), nil
}

type failingBroker struct{ rateLimited bool }

func (f *failingBroker) SendGroupMessages(context.Context, [][]byte) error {
	if f.rateLimited {
		return apperr.NewRateLimitedError("send", errors.New("429"))
	}

	return nil
}

func TestPublishLoop_MarksIntentPublishedOnSuccess(t *testing.T) {
	repo := &fakeIntentRepo{intents: []*Intent{{ID: "1", GroupID: []byte("g"), State: IntentToPublish}}}
	loop := NewPublishLoop(repo, &failingBroker{}, fakeBuilder{}, NewCommitLock(), retry.New(retry.DefaultConfig()), 5)

	err := loop.PublishMessages(context.Background(), []byte("g"))
	require.NoError(t, err)
	require.Len(t, repo.saved, 1)
	require.Equal(t, IntentPublished, repo.saved[0].State)
}

func TestProcessOwnMessage_MatchedIntentReachesCommitted(t *testing.T) {
	intent := &Intent{ID: "1", GroupID: []byte("g"), State: IntentPublished, PayloadHash: []byte("hash")}
	repo := &fakeIntentRepo{intents: []*Intent{intent}}

	var appliedAt uint64

	own := NewProcessOwnMessage(repo,
		func(_ context.Context, hash []byte) (*Intent, error) {
			if string(hash) == string(intent.PayloadHash) {
				return intent, nil
			}

			return nil, nil //nolint:nilnil // "no matching intent" is a valid lookup result
		},
		func(_ context.Context, _ *Intent, sequenceID uint64) error {
			appliedAt = sequenceID
			return nil
		},
		func(context.Context, []byte, []byte) error {
			t.Fatal("processForeignCommit should not run for a matched own intent")
			return nil
		},
	)

	err := own.Handle(context.Background(), []byte("hash"), []byte("wire"), 7)
	require.NoError(t, err)
	require.Equal(t, IntentCommitted, intent.State)
	require.Equal(t, uint64(7), appliedAt)
	require.Len(t, repo.saved, 1)
}

func TestProcessOwnMessage_UnmatchedEchoFallsThroughToForeignCommit(t *testing.T) {
	repo := &fakeIntentRepo{}

	var foreignCalled bool

	own := NewProcessOwnMessage(repo,
		func(context.Context, []byte) (*Intent, error) { return nil, nil }, //nolint:nilnil
		func(context.Context, *Intent, uint64) error {
			t.Fatal("applyStagedCommit should not run when there is no matching intent")
			return nil
		},
		func(context.Context, []byte, []byte) error {
			foreignCalled = true
			return nil
		},
	)

	err := own.Handle(context.Background(), []byte("someone-elses-hash"), []byte("wire"), 3)
	require.NoError(t, err)
	require.True(t, foreignCalled)
	require.Empty(t, repo.saved)
}

func TestPublishLoop_ExhaustsIntoError(t *testing.T) {
	intent := &Intent{ID: "1", GroupID: []byte("g"), State: IntentToPublish, PublishAttempts: 4}
	repo := &fakeIntentRepo{intents: []*Intent{intent}}
	loop := NewPublishLoop(repo, &failingBroker{rateLimited: true}, fakeBuilder{}, NewCommitLock(), retry.New(retry.DefaultConfig()), 5)

	err := loop.PublishMessages(context.Background(), []byte("g"))
	require.NoError(t, err) // loop itself doesn't bubble per-intent errors

	require.Equal(t, IntentError, repo.saved[0].State)
}
