package workers

import (
	"context"
	"time"

	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/pkg/mlog"
)

// DisappearingSettingsLister lists every group with a disappearing-
// message policy configured.
type DisappearingSettingsLister interface {
	ListDisappearingSettings(ctx context.Context) ([]sqlitestore.DisappearingSetting, error)
}

// MessageDeleter removes expired messages from a group's history.
type MessageDeleter interface {
	DeleteExpired(ctx context.Context, groupID []byte, olderThanSentAtNs int64) (int, error)
}

// DisappearingMessagesWorker implements the disappearing-messages worker
// (§4.7): on a fixed interval, deletes messages whose per-group
// (from_ns, in_ns) disappearing policy has expired.
type DisappearingMessagesWorker struct {
	Groups   DisappearingSettingsLister
	Messages MessageDeleter
	Clock    Clock
	Interval time.Duration
	Logger   mlog.Logger
}

// Run blocks until ctx is cancelled.
func (w *DisappearingMessagesWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *DisappearingMessagesWorker) sweep(ctx context.Context) {
	logger := w.Logger.WithFields("worker", "disappearing_messages")

	settings, err := w.Groups.ListDisappearingSettings(ctx)
	if err != nil {
		logger.Errorf("failed to list disappearing-message settings: %v", err)

		return
	}

	now := w.Clock().UnixNano()

	for _, setting := range settings {
		if setting.InNs <= 0 {
			continue
		}

		// A message expires InNs nanoseconds after it was sent, so the
		// delete boundary is "sent before now - InNs". FromNs additionally
		// scopes the policy to messages sent at or after it was enabled;
		// messages older than that were never subject to this policy, but
		// DeleteExpired only ever removes messages strictly before the
		// computed cutoff, so an unconfigured FromNs (0) never reaches
		// into pre-policy history by accident.
		cutoff := now - setting.InNs
		if setting.FromNs > 0 && cutoff < setting.FromNs {
			continue
		}

		removed, err := w.Messages.DeleteExpired(ctx, setting.GroupID, cutoff)
		if err != nil {
			logger.Errorf("failed to delete expired messages for group %x: %v", setting.GroupID, err)

			continue
		}

		if removed > 0 {
			logger.WithFields("group_id", setting.GroupID, "count", removed).Info("deleted expired messages")
		}
	}
}
