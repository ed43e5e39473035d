package workers

import (
	"context"
	"time"

	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/pkg/mlog"
)

// GroupLister enumerates every group this client currently tracks, so
// the commit-log and disappearing-messages workers can sweep all of
// them each tick instead of requiring a per-group subscription.
type GroupLister interface {
	ListGroupIDs(ctx context.Context) ([][]byte, error)
}

// CommitLogReader reads one side (local or remote) of a group's commit
// log.
type CommitLogReader interface {
	ForGroup(ctx context.Context, groupID []byte) ([]group.CommitLogEntry, error)
}

// ForkStatusStore persists the sticky per-group fork verdict.
type ForkStatusStore interface {
	Get(ctx context.Context, groupID []byte) (group.ForkStatus, error)
	Set(ctx context.Context, groupID []byte, status group.ForkStatus) error
}

// CommitLogWorker implements the commit-log sync worker (§4.7): for
// every tracked group, it compares the local and remote commit logs via
// group.DetectFork and persists the updated fork status.
type CommitLogWorker struct {
	Groups    GroupLister
	Local     CommitLogReader
	Remote    CommitLogReader
	ForkStore ForkStatusStore
	Interval  time.Duration
	Logger    mlog.Logger
}

// Run blocks until ctx is cancelled.
func (w *CommitLogWorker) Run(ctx context.Context) {
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

func (w *CommitLogWorker) sweep(ctx context.Context) {
	logger := w.Logger.WithFields("worker", "commit_log")

	groupIDs, err := w.Groups.ListGroupIDs(ctx)
	if err != nil {
		logger.Errorf("failed to list groups: %v", err)

		return
	}

	for _, groupID := range groupIDs {
		if err := w.checkGroup(ctx, groupID); err != nil {
			logger.Errorf("fork check failed for group %x: %v", groupID, err)
		}
	}
}

func (w *CommitLogWorker) checkGroup(ctx context.Context, groupID []byte) error {
	previous, err := w.ForkStore.Get(ctx, groupID)
	if err != nil {
		return err
	}

	// Once a fork is known and sticky-true, there is nothing left to
	// recompute until an explicit recovery (§4.6.5) resets it out of band.
	if previous.Known && previous.Value {
		return nil
	}

	local, err := w.Local.ForGroup(ctx, groupID)
	if err != nil {
		return err
	}

	remote, err := w.Remote.ForGroup(ctx, groupID)
	if err != nil {
		return err
	}

	next := group.DetectFork(previous, local, remote)
	if next == previous {
		return nil
	}

	return w.ForkStore.Set(ctx, groupID, next)
}
