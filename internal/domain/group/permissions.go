package group

// MutationKind enumerates the membership/metadata mutations a commit may
// carry, each of which is governed by its own policy (§4.6.3).
type MutationKind int

const (
	MutationAddMember MutationKind = iota
	MutationRemoveMember
	MutationAddAdmin
	MutationRemoveAdmin
	MutationUpdateMetadata
)

// ActorRole is the acting installation's standing within the group at
// the time a mutation is evaluated.
type ActorRole int

const (
	RoleMember ActorRole = iota
	RoleAdmin
	RoleSuperAdmin
)

// Change describes one observed membership or metadata mutation a commit
// is attempting, for policy evaluation.
type Change struct {
	Kind          MutationKind
	MetadataField string
	ActorInboxID  string
	ActorRole     ActorRole
}

// Policy decides whether a Change performed by an actor is allowed.
type Policy interface {
	Evaluate(change Change) bool
}

// Allow always permits the mutation.
type Allow struct{}

func (Allow) Evaluate(Change) bool { return true }

// Deny always rejects the mutation.
type Deny struct{}

func (Deny) Evaluate(Change) bool { return false }

// AllowIfAdminOrSuperAdmin permits the mutation only for admins and
// super-admins.
type AllowIfAdminOrSuperAdmin struct{}

func (AllowIfAdminOrSuperAdmin) Evaluate(c Change) bool {
	return c.ActorRole == RoleAdmin || c.ActorRole == RoleSuperAdmin
}

// AllowIfSuperAdmin permits the mutation only for super-admins.
type AllowIfSuperAdmin struct{}

func (AllowIfSuperAdmin) Evaluate(c Change) bool {
	return c.ActorRole == RoleSuperAdmin
}

// And composes policies: every one must pass.
type And struct {
	Policies []Policy
}

func (a And) Evaluate(c Change) bool {
	for _, p := range a.Policies {
		if !p.Evaluate(c) {
			return false
		}
	}

	return true
}

// Any composes policies: at least one must pass.
type Any struct {
	Policies []Policy
}

func (a Any) Evaluate(c Change) bool {
	for _, p := range a.Policies {
		if p.Evaluate(c) {
			return true
		}
	}

	return false
}

// PolicySet maps each mutation kind to the policy governing it.
// UpdateMetadata policies may additionally be keyed per field via
// MetadataFieldPolicies, falling back to the UpdateMetadata entry when a
// field has no specific override.
type PolicySet struct {
	AddMember             Policy
	RemoveMember          Policy
	AddAdmin              Policy
	RemoveAdmin           Policy
	UpdateMetadata        Policy
	MetadataFieldPolicies map[string]Policy
}

// DefaultPolicySet returns the conventional defaults: membership changes
// require admin-or-above, admin-role changes require super-admin, and
// metadata updates are open to any member.
func DefaultPolicySet() PolicySet {
	return PolicySet{
		AddMember:      AllowIfAdminOrSuperAdmin{},
		RemoveMember:   AllowIfAdminOrSuperAdmin{},
		AddAdmin:       AllowIfSuperAdmin{},
		RemoveAdmin:    AllowIfSuperAdmin{},
		UpdateMetadata: Allow{},
	}
}

// DefaultDMPolicySet returns the DM-specific defaults required by §4.6.1:
// empty admin lists and default permissions. Neither member may add or
// remove members or admins; either may update metadata.
func DefaultDMPolicySet() PolicySet {
	return PolicySet{
		AddMember:      Deny{},
		RemoveMember:   Deny{},
		AddAdmin:       Deny{},
		RemoveAdmin:    Deny{},
		UpdateMetadata: Allow{},
	}
}

// Evaluate resolves the policy for change.Kind (consulting
// MetadataFieldPolicies for UpdateMetadata when set) and evaluates it.
func (ps PolicySet) Evaluate(change Change) bool {
	switch change.Kind {
	case MutationAddMember:
		return ps.AddMember.Evaluate(change)
	case MutationRemoveMember:
		return ps.RemoveMember.Evaluate(change)
	case MutationAddAdmin:
		return ps.AddAdmin.Evaluate(change)
	case MutationRemoveAdmin:
		return ps.RemoveAdmin.Evaluate(change)
	case MutationUpdateMetadata:
		if p, ok := ps.MetadataFieldPolicies[change.MetadataField]; ok {
			return p.Evaluate(change)
		}

		return ps.UpdateMetadata.Evaluate(change)
	default:
		return false
	}
}

// EvaluateAll rejects the commit if any observed change fails its
// policy, per §4.6.3's "if any policy returns false, the commit is
// rejected" rule.
func (ps PolicySet) EvaluateAll(changes []Change) bool {
	for _, c := range changes {
		if !ps.Evaluate(c) {
			return false
		}
	}

	return true
}
