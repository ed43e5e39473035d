package group

import (
	"github.com/mlscore/core/pkg/apperr"
)

// Proposal is one membership mutation carried inside an incoming commit.
type Proposal struct {
	Kind          MutationKind
	InstallationKey string
	MetadataField string
}

// IncomingCommit is the decoded form of a commit the engine is about to
// validate.
type IncomingCommit struct {
	ActorLeafInstallationKey string
	ActorInboxID             string
	OldMembership            MembershipExtension
	NewMembership            MembershipExtension
	Proposals                []Proposal
}

// CommitValidator implements the §4.6.2 authorization rule: installations
// change only because the association state says they should.
type CommitValidator struct {
	lookup AssociationDiffLookup
}

// NewCommitValidator builds a CommitValidator.
func NewCommitValidator(lookup AssociationDiffLookup) *CommitValidator {
	return &CommitValidator{lookup: lookup}
}

// actorRoleResolver resolves an inbox's role within a group, used to
// evaluate permission policies against the commit's actor.
type actorRoleResolver interface {
	RoleOf(inboxID string) ActorRole
}

// Validate checks commit against the expected installation diff and the
// group's permission policy set. It returns a ValidationError tagged
// UnexpectedInstallationAdded/UnexpectedInstallationsRemoved-equivalent
// on divergence, or a nil error if the commit is authorized.
func (v *CommitValidator) Validate(commit IncomingCommit, policies PolicySet, roles actorRoleResolver) error {
	if err := validateSingleActor(commit); err != nil {
		return err
	}

	if err := validateSequenceIDsOnlyIncrease(commit.OldMembership, commit.NewMembership); err != nil {
		return err
	}

	if err := v.validateActorMembership(commit); err != nil {
		return err
	}

	expected, err := ExpectedInstallationDiff(commit.OldMembership, commit.NewMembership, v.lookup)
	if err != nil {
		return err
	}

	actualAdded, actualRemoved := actualInstallationSets(commit.Proposals)

	if !sameSet(expected.Added, actualAdded) {
		return apperr.NewValidationError("commit.validate", "UnexpectedInstallationAdded", nil)
	}

	if !sameSet(expected.Removed, actualRemoved) {
		return apperr.NewValidationError("commit.validate", "UnexpectedInstallationsRemoved", nil)
	}

	changes := changesFromProposals(commit, roles)
	if !policies.EvaluateAll(changes) {
		return apperr.NewValidationError("commit.validate", "policy denied", nil)
	}

	return nil
}

func validateSingleActor(commit IncomingCommit) error {
	// All proposals in a single commit must come from the same actor
	// (leaf node); IncomingCommit models this as one actor field, so a
	// caller presenting proposals from multiple actors must normalize
	// upstream into separate IncomingCommit values. Guard against the
	// degenerate empty-actor case here.
	if commit.ActorLeafInstallationKey == "" {
		return apperr.NewValidationError("commit.validate", "multiple actors in commit", nil)
	}

	return nil
}

func validateSequenceIDsOnlyIncrease(oldM, newM MembershipExtension) error {
	for inbox, newSeq := range newM {
		if oldSeq, ok := oldM[inbox]; ok && newSeq < oldSeq {
			return apperr.NewValidationError("commit.validate", "sequence id decreased", nil)
		}
	}

	return nil
}

// validateActorMembership enforces the other half of §4.6.2's
// authorization rule, the half the add/remove diff check below cannot
// see: the commit actor's leaf credential must resolve to an inbox that
// actually contains this installation at the to_sequence_id recorded in
// the new membership. A commit that adds or removes no installations
// (a metadata-only or admin-role commit) passes the diff check on empty
// sets regardless of who signed it, so that check alone never catches an
// installation that was never a member authoring a commit.
func (v *CommitValidator) validateActorMembership(commit IncomingCommit) error {
	toSeq := commit.NewMembership[commit.ActorInboxID]

	member, err := v.installationCurrentlyInInbox(commit.ActorInboxID, toSeq, commit.ActorLeafInstallationKey)
	if err != nil {
		return err
	}

	if !member {
		return apperr.NewValidationError("commit.validate", "ActorNotMember", nil)
	}

	return nil
}

// installationCurrentlyInInbox resolves whether installationKey is an
// active member of inboxID's association state at sequence id seq, by
// folding the full diff from genesis (fromSeq 0, the same convention
// ExpectedInstallationDiff uses for an inbox with no prior recorded
// sequence) and netting every add against every later revoke. Like
// ExpectedInstallationDiff, this nets adds against revokes by identifier
// across the whole range rather than tracking their order, so an
// installation added and revoked more than once within [0, seq] is
// resolved by revoke-wins, matching the association engine's own
// diff shape.
func (v *CommitValidator) installationCurrentlyInInbox(inboxID string, seq uint64, installationKey string) (bool, error) {
	diff, err := v.lookup.InstallationDiff(inboxID, 0, seq)
	if err != nil {
		return false, err
	}

	revoked := false

	for _, m := range diff.Removed {
		if m.Identifier == installationKey {
			revoked = true

			break
		}
	}

	if revoked {
		return false, nil
	}

	for _, m := range diff.Added {
		if m.Identifier == installationKey {
			return true, nil
		}
	}

	return false, nil
}

func actualInstallationSets(proposals []Proposal) (added, removed []string) {
	for _, p := range proposals {
		switch p.Kind {
		case MutationAddMember:
			added = append(added, p.InstallationKey)
		case MutationRemoveMember:
			removed = append(removed, p.InstallationKey)
		}
	}

	return added, removed
}

func changesFromProposals(commit IncomingCommit, roles actorRoleResolver) []Change {
	role := RoleMember
	if roles != nil {
		role = roles.RoleOf(commit.ActorInboxID)
	}

	changes := make([]Change, 0, len(commit.Proposals))

	for _, p := range commit.Proposals {
		changes = append(changes, Change{
			Kind:          p.Kind,
			MetadataField: p.MetadataField,
			ActorInboxID:  commit.ActorInboxID,
			ActorRole:     role,
		})
	}

	return changes
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	counts := make(map[string]int, len(a))
	for _, v := range a {
		counts[v]++
	}

	for _, v := range b {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}

	return true
}
