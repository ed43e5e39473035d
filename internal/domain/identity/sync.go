package identity

import (
	"context"
	"fmt"

	"github.com/mlscore/core/internal/telemetry"
)

// UpdateStore is the persistence seam for an inbox's raw identity-update
// log (the identity_updates table).
type UpdateStore interface {
	// LoadUpdates returns every identity-update row for inboxID, ordered
	// by sequence id, optionally bounded to sequence ids <= toSequenceID
	// when toSequenceID is non-zero.
	LoadUpdates(ctx context.Context, inboxID string, toSequenceID uint64) ([]Update, error)
}

// StateCache is the read-through association-state cache, backed by the
// Redis adapter: Get returns a cached state for inboxID only if its
// sequence id is at least atLeastSequenceID.
type StateCache interface {
	Get(ctx context.Context, inboxID string, atLeastSequenceID uint64) (*AssociationState, bool, error)
	Put(ctx context.Context, state *AssociationState) error
}

// Syncer implements get_association_state (§4.4.3): a cache lookup
// followed by a full reload-and-fold on miss.
type Syncer struct {
	engine *Engine
	store  UpdateStore
	cache  StateCache
}

// NewSyncer builds a Syncer.
func NewSyncer(engine *Engine, store UpdateStore, cache StateCache) *Syncer {
	return &Syncer{engine: engine, store: store, cache: cache}
}

// GetAssociationState returns the association state for inboxID, at
// least as current as toSequenceID (0 means "latest known").
func (s *Syncer) GetAssociationState(ctx context.Context, inboxID string, toSequenceID uint64) (*AssociationState, error) {
	ctx, span := telemetry.StartSpan(ctx, "identity.get_association_state")
	defer span.End()

	if cached, ok, err := s.cache.Get(ctx, inboxID, toSequenceID); err != nil {
		telemetry.HandleSpanError(&span, "cache lookup failed", err)

		return nil, err
	} else if ok {
		return cached, nil
	}

	updates, err := s.store.LoadUpdates(ctx, inboxID, toSequenceID)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to load identity updates", err)

		return nil, fmt.Errorf("identity: loading updates for %s: %w", inboxID, err)
	}

	SortUpdates(updates)

	state, _, err := s.engine.Fold(ctx, nil, updates)
	if err != nil {
		telemetry.HandleSpanError(&span, "fold failed", err)

		return nil, err
	}

	if err := s.cache.Put(ctx, state); err != nil {
		telemetry.HandleSpanError(&span, "failed to populate cache", err)

		return nil, err
	}

	return state, nil
}
