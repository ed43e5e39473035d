// Package d14n implements the cutover-routing facade between the two
// coexisting wire-protocol generations described in §6: traffic routes
// to the new ("d14n") generation once the current time passes a
// configured cutover_ns timestamp, and to the legacy generation before
// it.
package d14n

import (
	"context"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/domain/cursor"
)

// Clock abstracts the current time so tests can control which side of
// the cutover a call lands on.
type Clock func() int64

// Router implements broker.Broker by delegating to legacy or next based
// on the cursor store's cutover_ns / has_migrated state. Once
// has_migrated is set, Router stops re-evaluating cutover_ns for the
// remainder of the process, per the sticky-for-process-lifetime decision
// (SPEC_FULL.md §9).
type Router struct {
	legacy broker.Broker
	next   broker.Broker
	cursors *cursor.Store
	clock   Clock

	decided bool
	useNext bool
}

// NewRouter builds a Router over the two generation-specific brokers.
func NewRouter(legacy, next broker.Broker, cursors *cursor.Store, clock Clock) *Router {
	return &Router{legacy: legacy, next: next, cursors: cursors, clock: clock}
}

func (r *Router) active(ctx context.Context) (broker.Broker, error) {
	if r.decided {
		if r.useNext {
			return r.next, nil
		}

		return r.legacy, nil
	}

	migrated, err := r.cursors.HasMigrated(ctx)
	if err != nil {
		return nil, err
	}

	if migrated {
		r.decided = true
		r.useNext = true

		return r.next, nil
	}

	cutoverNs, err := r.cursors.GetCutoverNs(ctx)
	if err != nil {
		return nil, err
	}

	if cutoverNs != 0 && r.clock() >= cutoverNs {
		r.decided = true
		r.useNext = true

		if err := r.cursors.SetHasMigrated(ctx, true); err != nil {
			return nil, err
		}

		return r.next, nil
	}

	return r.legacy, nil
}

var _ broker.Broker = (*Router)(nil)

func (r *Router) UploadKeyPackage(ctx context.Context, kp []byte, isInboxIDCredential bool) error {
	b, err := r.active(ctx)
	if err != nil {
		return err
	}

	return b.UploadKeyPackage(ctx, kp, isInboxIDCredential)
}

func (r *Router) FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([]broker.KeyPackage, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.FetchKeyPackages(ctx, installationKeys)
}

func (r *Router) SendGroupMessages(ctx context.Context, messages [][]byte) error {
	b, err := r.active(ctx)
	if err != nil {
		return err
	}

	return b.SendGroupMessages(ctx, messages)
}

func (r *Router) SendWelcomeMessages(ctx context.Context, messages [][]byte) error {
	b, err := r.active(ctx)
	if err != nil {
		return err
	}

	return b.SendWelcomeMessages(ctx, messages)
}

func (r *Router) QueryGroupMessages(ctx context.Context, groupID []byte, paging broker.Paging) ([]broker.Message, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.QueryGroupMessages(ctx, groupID, paging)
}

func (r *Router) QueryWelcomeMessages(ctx context.Context, installationKey []byte, paging broker.Paging) ([]broker.Message, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.QueryWelcomeMessages(ctx, installationKey, paging)
}

func (r *Router) SubscribeGroupMessages(ctx context.Context, filters []broker.SubscriptionFilter) (<-chan broker.Message, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.SubscribeGroupMessages(ctx, filters)
}

func (r *Router) SubscribeWelcomeMessages(ctx context.Context, filters []broker.SubscriptionFilter) (<-chan broker.Message, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.SubscribeWelcomeMessages(ctx, filters)
}

func (r *Router) PublishIdentityUpdate(ctx context.Context, update []byte) error {
	b, err := r.active(ctx)
	if err != nil {
		return err
	}

	return b.PublishIdentityUpdate(ctx, update)
}

func (r *Router) GetIdentityUpdatesV2(ctx context.Context, requests []broker.IdentityUpdateRequest) (map[string][]broker.Message, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.GetIdentityUpdatesV2(ctx, requests)
}

func (r *Router) GetInboxIDs(ctx context.Context, addresses []string) (map[string]string, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.GetInboxIDs(ctx, addresses)
}

func (r *Router) VerifySmartContractWalletSignatures(ctx context.Context, sigs []broker.SCWSignatureRequest) ([]broker.SCWSignatureResult, error) {
	b, err := r.active(ctx)
	if err != nil {
		return nil, err
	}

	return b.VerifySmartContractWalletSignatures(ctx, sigs)
}
