package http

import (
	"context"

	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/identity"
)

// associationDiffLookup implements group.AssociationDiffLookup by
// re-folding an inbox's identity-update log twice: once up to fromSeq to
// recover the prior association state, then again from there to toSeq to
// recover just the delta. This is the same engine the identity-sync
// worker and Syncer use, just invoked over two history slices instead of
// one, since a debug view has no cached "state at sequence N" to read
// back directly.
type associationDiffLookup struct {
	engine *identity.Engine
	store  identity.UpdateStore
}

func (d *associationDiffLookup) InstallationDiff(inboxID string, fromSeq, toSeq uint64) (identity.Diff, error) {
	ctx := context.Background()

	updates, err := d.store.LoadUpdates(ctx, inboxID, toSeq)
	if err != nil {
		return identity.Diff{}, err
	}

	identity.SortUpdates(updates)

	var before, delta []identity.Update

	for _, u := range updates {
		if u.SequenceID <= fromSeq {
			before = append(before, u)
		} else {
			delta = append(delta, u)
		}
	}

	priorState, _, err := d.engine.Fold(ctx, nil, before)
	if err != nil {
		return identity.Diff{}, err
	}

	_, diff, err := d.engine.Fold(ctx, priorState, delta)
	if err != nil {
		return identity.Diff{}, err
	}

	return *diff, nil
}

var _ group.AssociationDiffLookup = (*associationDiffLookup)(nil)
