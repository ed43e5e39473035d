// Package cache implements the association-state read-through cache
// (§4.4.3) over Redis, keyed by inbox_id alone: each inbox has one entry
// holding the most recently stored state, and a lookup is served only
// when that state's sequence id is at least the one asked for. States at
// earlier sequence ids are not kept.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
)

// defaultTTL bounds how long a folded association state is trusted before a
// fresh load is forced, independent of sequence-id staleness checks.
const defaultTTL = 10 * time.Minute

// AssociationStateCache implements identity.StateCache over a Redis
// client.
type AssociationStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAssociationStateCache wraps client.
func NewAssociationStateCache(client *redis.Client) *AssociationStateCache {
	return &AssociationStateCache{client: client, ttl: defaultTTL}
}

var _ identity.StateCache = (*AssociationStateCache)(nil)

func cacheKey(inboxID string) string {
	return fmt.Sprintf("core:association_state:%s", inboxID)
}

// Get returns the cached state for inboxID if present and at least as
// current as atLeastSequenceID.
func (c *AssociationStateCache) Get(ctx context.Context, inboxID string, atLeastSequenceID uint64) (*identity.AssociationState, bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "cache.association_state.get")
	defer span.End()

	raw, err := c.client.Get(ctx, cacheKey(inboxID)).Bytes()
	if err != nil {
		if err == redis.Nil { //nolint:errorlint // redis.Nil is a sentinel, not a wrapped error
			return nil, false, nil
		}

		wrapped := apperr.NewNetworkError("cache.get", "redis GET failed", err, true)
		telemetry.HandleSpanError(&span, "redis GET failed", wrapped)

		return nil, false, wrapped
	}

	var state identity.AssociationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, apperr.NewDecodeError("cache.get", "corrupt cache entry", err)
	}

	if state.SequenceID < atLeastSequenceID {
		return nil, false, nil
	}

	return &state, true, nil
}

// Delete evicts inboxID's cached state, forcing the next
// GetAssociationState call to reload and re-fold from the update store.
// Used by the identity-updates sync worker after it appends fresh rows
// the cached state doesn't reflect yet.
func (c *AssociationStateCache) Delete(ctx context.Context, inboxID string) error {
	ctx, span := telemetry.StartSpan(ctx, "cache.association_state.delete")
	defer span.End()

	if err := c.client.Del(ctx, cacheKey(inboxID)).Err(); err != nil {
		wrapped := apperr.NewNetworkError("cache.delete", "redis DEL failed", err, true)
		telemetry.HandleSpanError(&span, "redis DEL failed", wrapped)

		return wrapped
	}

	return nil
}

// Put writes state into the cache under its inbox id.
func (c *AssociationStateCache) Put(ctx context.Context, state *identity.AssociationState) error {
	ctx, span := telemetry.StartSpan(ctx, "cache.association_state.put")
	defer span.End()

	raw, err := json.Marshal(state)
	if err != nil {
		return apperr.NewDecodeError("cache.put", "marshal failed", err)
	}

	if err := c.client.Set(ctx, cacheKey(state.InboxID), raw, c.ttl).Err(); err != nil {
		wrapped := apperr.NewNetworkError("cache.put", "redis SET failed", err, true)
		telemetry.HandleSpanError(&span, "redis SET failed", wrapped)

		return wrapped
	}

	return nil
}
