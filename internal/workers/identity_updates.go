package workers

import (
	"context"
	"time"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/pkg/mlog"
)

// IdentityUpdateDecoder turns one raw broker message into a verified
// identity.Update. The wire codec itself lives outside this core (the
// MLS/identity crypto library owns framing), so this is a seam the
// caller plugs in, the same way group.StagedCommitBuilder plugs the MLS
// layer into the intent publish loop.
type IdentityUpdateDecoder interface {
	DecodeIdentityUpdate(raw []byte) (identity.Update, error)
}

// WatchedInboxes lists the inboxes this client currently cares about,
// each paired with the sequence id already consumed for it.
type WatchedInboxes interface {
	List(ctx context.Context) (map[string]uint64, error)
}

// UpdateAppender is the write path identity updates land on once fetched
// and decoded.
type UpdateAppender interface {
	InsertUpdate(ctx context.Context, update identity.Update) error
}

// CacheInvalidator evicts a stale cached association state so the next
// read re-folds from the now-longer update log.
type CacheInvalidator interface {
	Delete(ctx context.Context, inboxID string) error
}

// IdentityUpdatesWorker implements the identity-updates sync worker
// (§4.7): on a fixed interval, or an explicit wake-up, it fetches new
// identity-update rows for every watched inbox, appends them, and
// invalidates that inbox's cached association state.
type IdentityUpdatesWorker struct {
	Broker   identityUpdatesBroker
	Watched  WatchedInboxes
	Decoder  IdentityUpdateDecoder
	Appender UpdateAppender
	Cache    CacheInvalidator
	Logger   mlog.Logger
	Interval time.Duration
	Wake     *Signal
}

type identityUpdatesBroker interface {
	GetIdentityUpdatesV2(ctx context.Context, requests []broker.IdentityUpdateRequest) (map[string][]broker.Message, error)
}

// Run blocks until ctx is cancelled, polling on Interval and Wake.
func (w *IdentityUpdatesWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.Wake.C():
			w.poll(ctx)
		}
	}
}

func (w *IdentityUpdatesWorker) poll(ctx context.Context) {
	logger := w.Logger.WithFields("worker", "identity_updates")

	watched, err := w.Watched.List(ctx)
	if err != nil {
		logger.Errorf("failed to list watched inboxes: %v", err)

		return
	}

	if len(watched) == 0 {
		return
	}

	requests := make([]broker.IdentityUpdateRequest, 0, len(watched))
	for inboxID, fromSeq := range watched {
		requests = append(requests, broker.IdentityUpdateRequest{InboxID: inboxID, FromSequenceID: fromSeq})
	}

	byInbox, err := w.Broker.GetIdentityUpdatesV2(ctx, requests)
	if err != nil {
		logger.Errorf("failed to fetch identity updates: %v", err)

		return
	}

	for inboxID, messages := range byInbox {
		if len(messages) == 0 {
			continue
		}

		if !w.applyMessages(ctx, logger, inboxID, messages) {
			continue
		}

		if err := w.Cache.Delete(ctx, inboxID); err != nil {
			logger.Errorf("failed to invalidate association-state cache for %s: %v", inboxID, err)
		}
	}
}

func (w *IdentityUpdatesWorker) applyMessages(ctx context.Context, logger mlog.Logger, inboxID string, messages []broker.Message) bool {
	applied := false

	for _, msg := range messages {
		update, err := w.Decoder.DecodeIdentityUpdate(msg.Bytes)
		if err != nil {
			logger.Errorf("dropping unparseable identity update for %s at seq %d: %v", inboxID, msg.SequenceID, err)

			continue
		}

		if err := w.Appender.InsertUpdate(ctx, update); err != nil {
			logger.Errorf("failed to persist identity update for %s at seq %d: %v", inboxID, msg.SequenceID, err)

			continue
		}

		applied = true
	}

	return applied
}
