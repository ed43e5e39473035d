// Package group implements the group engine described in §4.6: welcome
// processing, commit validation, permissions, the intent publish loop,
// fork detection, and DM stitching.
package group

import "github.com/mlscore/core/internal/domain/identity"

// MembershipExtension is the application-level group-membership
// extension carried on every MLS group: a map from inbox id to the
// sequence id that inbox's installations were last observed at.
type MembershipExtension map[string]uint64

// StoredGroup is the persisted row backing a group. Per the design note
// on cyclic ownership, this is the only durable representation; the MLS
// tree is rebuilt from the store on each operation rather than cached in
// memory alongside it.
type StoredGroup struct {
	GroupID            []byte
	CreatedAtNs        int64
	Membership         MembershipExtension
	MutableMetadata    map[string]string
	IsDMGroup          bool
	DMID               string
	IsSyncGroup        bool
	PausedForVersion   bool
	WelcomeCursor      uint64
	Permissions        PolicySet

	// DisappearFromNs/DisappearInNs configure this group's disappearing-
	// message policy: messages sent at or after DisappearFromNs expire
	// DisappearInNs nanoseconds after they were sent. Both zero means
	// disappearing messages are off.
	DisappearFromNs int64
	DisappearInNs   int64
}

// DisappearingEnabled reports whether this group has a disappearing-
// message policy configured.
func (g *StoredGroup) DisappearingEnabled() bool {
	return g.DisappearInNs > 0
}

// MlsGroup is the ephemeral in-memory handle callers operate through. It
// holds only the group id plus a cheap context handle; every operation
// rebuilds the MLS tree state from the store rather than keeping
// back-references in memory.
type MlsGroup struct {
	GroupID []byte
}

// InstallationDiff is the result of comparing two MembershipExtension
// snapshots: which installations an inbox's sequence-id advance implies
// were added or removed.
type InstallationDiff struct {
	Added   []string
	Removed []string
}

// AssociationDiffLookup resolves, for an inbox moving from one sequence
// id to another, which installations were added or removed.
type AssociationDiffLookup interface {
	InstallationDiff(inboxID string, fromSeq, toSeq uint64) (identity.Diff, error)
}

// ExpectedInstallationDiff computes the expected-add/expected-remove sets
// per §4.6.2: for each inbox whose mapped sequence id increased (or is
// new), fetch the association-state diff and union the results.
func ExpectedInstallationDiff(oldM, newM MembershipExtension, lookup AssociationDiffLookup) (InstallationDiff, error) {
	var out InstallationDiff

	for inboxID, newSeq := range newM {
		oldSeq := oldM[inboxID]
		if newSeq <= oldSeq {
			continue
		}

		diff, err := lookup.InstallationDiff(inboxID, oldSeq, newSeq)
		if err != nil {
			return InstallationDiff{}, err
		}

		for _, m := range diff.Added {
			out.Added = append(out.Added, m.Identifier)
		}

		for _, m := range diff.Removed {
			out.Removed = append(out.Removed, m.Identifier)
		}
	}

	return out, nil
}
