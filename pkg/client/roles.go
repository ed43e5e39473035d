package client

import (
	"strings"

	"github.com/mlscore/core/internal/domain/group"
)

// No dedicated admin-list table exists anywhere in this core's storage
// layout (group.StoredGroup carries only a generic MutableMetadata
// string map); admin and super-admin inbox ids are kept as a
// comma-separated list under these two metadata keys, following the
// store's existing convention of folding small, rarely-changed sets into
// mutable_metadata rather than adding a table per concern.
const (
	metadataKeyAdmins      = "admins"
	metadataKeySuperAdmins = "super_admins"
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

func joinCSV(ids []string) string {
	return strings.Join(ids, ",")
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}

	return false
}

func withoutID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))

	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}

	return out
}

// groupRoleResolver adapts a StoredGroup's admin/super-admin metadata
// into the actorRoleResolver shape group.CommitValidator.Validate
// expects.
type groupRoleResolver struct {
	admins      []string
	superAdmins []string
}

func newGroupRoleResolver(g *group.StoredGroup) *groupRoleResolver {
	if g == nil || g.MutableMetadata == nil {
		return &groupRoleResolver{}
	}

	return &groupRoleResolver{
		admins:      splitCSV(g.MutableMetadata[metadataKeyAdmins]),
		superAdmins: splitCSV(g.MutableMetadata[metadataKeySuperAdmins]),
	}
}

func (r *groupRoleResolver) RoleOf(inboxID string) group.ActorRole {
	if containsID(r.superAdmins, inboxID) {
		return group.RoleSuperAdmin
	}

	if containsID(r.admins, inboxID) {
		return group.RoleAdmin
	}

	return group.RoleMember
}

// withAdminAdded returns a copy of metadata with inboxID added to the
// admins list, creating the map if necessary.
func withAdminAdded(metadata map[string]string, inboxID string) map[string]string {
	out := cloneMetadata(metadata)

	admins := splitCSV(out[metadataKeyAdmins])
	if !containsID(admins, inboxID) {
		admins = append(admins, inboxID)
	}

	out[metadataKeyAdmins] = joinCSV(admins)

	return out
}

// withAdminRemoved returns a copy of metadata with inboxID removed from
// the admins list.
func withAdminRemoved(metadata map[string]string, inboxID string) map[string]string {
	out := cloneMetadata(metadata)
	out[metadataKeyAdmins] = joinCSV(withoutID(splitCSV(out[metadataKeyAdmins]), inboxID))

	return out
}

func cloneMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}

	return out
}
