package client

import (
	"context"

	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
)

// watchedInboxesAdapter implements workers.WatchedInboxes by unioning
// every inbox id appearing in any tracked group's membership extension,
// each paired with the sequence id this client has already consumed for
// it (IdentityRepository.MaxSequenceID), so the identity-updates worker
// resumes each inbox's poll from where it left off instead of refetching
// its whole history every tick.
type watchedInboxesAdapter struct {
	groups   *sqlitestore.GroupRepository
	identity *sqlitestore.IdentityRepository
}

func newWatchedInboxesAdapter(groups *sqlitestore.GroupRepository, identity *sqlitestore.IdentityRepository) *watchedInboxesAdapter {
	return &watchedInboxesAdapter{groups: groups, identity: identity}
}

func (w *watchedInboxesAdapter) List(ctx context.Context) (map[string]uint64, error) {
	groupIDs, err := w.groups.ListGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	inboxes := map[string]struct{}{}

	for _, id := range groupIDs {
		stored, err := w.groups.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if stored == nil {
			continue
		}

		for inboxID := range stored.Membership {
			inboxes[inboxID] = struct{}{}
		}
	}

	out := make(map[string]uint64, len(inboxes))

	for inboxID := range inboxes {
		seq, err := w.identity.MaxSequenceID(ctx, inboxID)
		if err != nil {
			return nil, err
		}

		out[inboxID] = seq
	}

	return out, nil
}
