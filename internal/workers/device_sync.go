package workers

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/adapters/store/docstore"
	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/pkg/mlog"
)

// DeviceSyncPayload is the decoded contents of one sync-group message:
// the slice of consent decisions, contact identifiers, and message
// history another installation of the same inbox is pushing (§4.7's
// "exchanges consent records, contact data, and message history").
type DeviceSyncPayload struct {
	ConsentRecords []group.ConsentRecord
	Contacts       []string
	Messages       []sqlitestore.StoredMessage
}

// DeviceSyncDecoder turns one sync-group wire message into a
// DeviceSyncPayload.
type DeviceSyncDecoder interface {
	DecodeDeviceSyncPayload(raw []byte) (DeviceSyncPayload, error)
}

// SyncGroupLister lists the group ids this installation has adopted as
// sync groups.
type SyncGroupLister interface {
	ListSyncGroupIDs(ctx context.Context) ([][]byte, error)
}

// SyncGroupBroker is the narrow broker surface the device-sync worker
// needs: paginated reads of a sync group's messages.
type SyncGroupBroker interface {
	QueryGroupMessages(ctx context.Context, groupID []byte, paging broker.Paging) ([]broker.Message, error)
}

// ConsentWriter is the write side of consent_records the device-sync
// worker applies incoming decisions through. ConsentRepository.Set
// already enforces the recency rule, so applying an out-of-date decision
// here is always safe.
type ConsentWriter interface {
	Set(ctx context.Context, record group.ConsentRecord) error
}

// ProcessedTracker deduplicates sync-group messages so a replayed
// message (the same content observed twice, e.g. after a resubscribe)
// is a no-op.
type ProcessedTracker interface {
	WasProcessed(ctx context.Context, inboxID string, messageHash []byte) (bool, error)
	MarkProcessed(ctx context.Context, msg docstore.ProcessedDeviceSyncMessage) error
}

// MessageWriter is the write side of group_messages the device-sync
// worker replays another installation's message history through.
type MessageWriter interface {
	Insert(ctx context.Context, msg sqlitestore.StoredMessage) error
}

// DeviceSyncWorker implements the device-sync worker (§4.7).
type DeviceSyncWorker struct {
	InboxID   string
	SyncGroups SyncGroupLister
	Broker    SyncGroupBroker
	Decoder   DeviceSyncDecoder
	Consent   ConsentWriter
	Messages  MessageWriter
	Processed ProcessedTracker
	Clock     Clock
	Interval  time.Duration
	Wake      *Signal
	Logger    mlog.Logger
}

// Run blocks until ctx is cancelled.
func (w *DeviceSyncWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.Wake.C():
			w.sweep(ctx)
		}
	}
}

func (w *DeviceSyncWorker) sweep(ctx context.Context) {
	logger := w.Logger.WithFields("worker", "device_sync")

	groupIDs, err := w.SyncGroups.ListSyncGroupIDs(ctx)
	if err != nil {
		logger.Errorf("failed to list sync groups: %v", err)

		return
	}

	for _, groupID := range groupIDs {
		if err := w.drainGroup(ctx, logger, groupID); err != nil {
			logger.Errorf("device sync failed for sync group %x: %v", groupID, err)
		}
	}
}

func (w *DeviceSyncWorker) drainGroup(ctx context.Context, logger mlog.Logger, groupID []byte) error {
	messages, err := w.Broker.QueryGroupMessages(ctx, groupID, broker.Paging{PageSize: 100})
	if err != nil {
		return err
	}

	for _, msg := range messages {
		hash := sha256.Sum256(msg.Bytes)

		processed, err := w.Processed.WasProcessed(ctx, w.InboxID, hash[:])
		if err != nil {
			return err
		}

		if processed {
			continue
		}

		payload, err := w.Decoder.DecodeDeviceSyncPayload(msg.Bytes)
		if err != nil {
			logger.Errorf("dropping unparseable device-sync message in %x at seq %d: %v", groupID, msg.SequenceID, err)

			continue
		}

		for _, record := range payload.ConsentRecords {
			if err := w.Consent.Set(ctx, record); err != nil {
				return err
			}
		}

		for _, historyMsg := range payload.Messages {
			if err := w.Messages.Insert(ctx, historyMsg); err != nil {
				return err
			}
		}

		if len(payload.Contacts) > 0 {
			// Contact identifiers have no dedicated store yet (no
			// "contacts" table in §6's persisted state layout); surfaced
			// here rather than silently dropped.
			logger.Warn("device sync payload carried contact data with no store to persist it; dropping")
		}

		if err := w.Processed.MarkProcessed(ctx, docstore.ProcessedDeviceSyncMessage{
			InboxID:       w.InboxID,
			MessageHash:   hash[:],
			ProcessedAtNs: w.Clock().UnixNano(),
		}); err != nil {
			return err
		}
	}

	return nil
}
