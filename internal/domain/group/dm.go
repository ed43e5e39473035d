package group

import "fmt"

// DMID computes a DM's logical identity as the ordered pair of the two
// inbox ids, so that either party creating the DM independently arrives
// at the same identifier (§4.6.6).
func DMID(inboxA, inboxB string) string {
	if inboxA > inboxB {
		inboxA, inboxB = inboxB, inboxA
	}

	return inboxA + ":" + inboxB
}

// ConsentState is the user-controlled label on conversations and
// inboxes.
type ConsentState int

const (
	ConsentUnknown ConsentState = iota
	ConsentAllowed
	ConsentDenied
)

// ConsentRecord is one observed consent decision, timestamped so the
// most recent one wins (Consent recency property, §8). EntityID is
// caller-chosen: an inbox id for a wallet-level decision, or, for a DM
// group's own conversation-level decision, GroupConsentEntityID(groupID).
type ConsentRecord struct {
	EntityID     string
	State        ConsentState
	ConsentedAtNs int64
}

// GroupConsentEntityID is the consent entity key a DM group's own
// conversation-level decision is stored under. Re-welcoming the same
// dm_id into a new group produces a new group id and therefore a new
// entity id under this convention — see WelcomeRepository.InheritDMConsent
// for how the new group recovers the dm_id's prior decision.
func GroupConsentEntityID(groupID []byte) string {
	return fmt.Sprintf("%x", groupID)
}

// MostRecentConsent returns the record with the greatest ConsentedAtNs.
func MostRecentConsent(records []ConsentRecord) (ConsentRecord, bool) {
	var best ConsentRecord

	found := false

	for _, r := range records {
		if !found || r.ConsentedAtNs > best.ConsentedAtNs {
			best = r
			found = true
		}
	}

	return best, found
}

// DedupeConversations implements list_conversations(include_duplicate_dms
// = false): groups DM groups by dm_id and keeps only the one with the
// most recent message, leaving non-DM groups untouched.
func DedupeConversations(groups []ConversationSummary) []ConversationSummary {
	bestByDMID := map[string]ConversationSummary{}

	var nonDM []ConversationSummary

	for _, g := range groups {
		if !g.IsDMGroup {
			nonDM = append(nonDM, g)

			continue
		}

		existing, ok := bestByDMID[g.DMID]
		if !ok || g.LastMessageAtNs > existing.LastMessageAtNs {
			bestByDMID[g.DMID] = g
		}
	}

	out := append([]ConversationSummary{}, nonDM...)
	for _, g := range bestByDMID {
		out = append(out, g)
	}

	return out
}

// ConversationSummary is the per-group projection list_conversations
// operates over.
type ConversationSummary struct {
	GroupID         []byte
	IsDMGroup       bool
	DMID            string
	LastMessageAtNs int64
}

// ValidateDMWelcome checks the DM-specific welcome rule from §4.6.1:
// exactly two members and an empty admin list. The group's permission
// policy set is not checked here.
func ValidateDMWelcome(members MembershipExtension, admins []string) bool {
	return len(members) == 2 && len(admins) == 0
}
