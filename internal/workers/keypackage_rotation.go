package workers

import (
	"context"
	"time"

	"github.com/mlscore/core/internal/domain/keypackage"
	"github.com/mlscore/core/pkg/mlog"
)

// KeyPackageRotationWorker implements the key-package rotation worker
// (§4.7): ticks keypackage.Store.MaybeRotate on a fixed cadence, and
// immediately on an external compromise signal (e.g. the application
// layer learning an installation's signing key may have leaked).
type KeyPackageRotationWorker struct {
	Store           *keypackage.Store
	InstallationKey []byte
	Interval        time.Duration
	Compromised     *Signal
	Clock           Clock
	Logger          mlog.Logger
}

// Run blocks until ctx is cancelled.
func (w *KeyPackageRotationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rotate(ctx, false)
		case <-w.Compromised.C():
			w.rotate(ctx, true)
		}
	}
}

func (w *KeyPackageRotationWorker) rotate(ctx context.Context, compromised bool) {
	logger := w.Logger.WithFields("worker", "keypackage_rotation")

	rotated, err := w.Store.MaybeRotate(ctx, w.InstallationKey, w.Clock().UnixNano(), compromised)
	if err != nil {
		logger.Errorf("rotation attempt failed: %v", err)

		return
	}

	if rotated {
		logger.Info("rotated key package")
	}
}
