// Package keypackage implements the rotation policy and storage
// invariants for MLS leaf credentials described in §4.5.
package keypackage

import (
	"context"
	"time"

	"github.com/mlscore/core/internal/telemetry"
)

// KeyPackage is one MLS leaf credential this installation has generated
// and uploaded to the broker.
type KeyPackage struct {
	Hash                    []byte
	InstallationKey         []byte
	Bytes                   []byte
	CreatedAtNs             int64
	PostRotationNs          int64 // when the next rotation is due
	Current                 bool
	Pruned                  bool
}

// Uploader publishes a freshly generated key package to the broker.
type Uploader interface {
	UploadKeyPackage(ctx context.Context, kp []byte, isInboxIDCredential bool) error
}

// Generator produces a fresh MLS leaf credential bound to this
// installation's signature key.
type Generator interface {
	GenerateKeyPackage(ctx context.Context) (KeyPackage, error)
}

// Repository is the persistence seam for key_package_history.
type Repository interface {
	Insert(ctx context.Context, kp KeyPackage) error
	CurrentFor(ctx context.Context, installationKey []byte) (*KeyPackage, error)
	ClearCurrent(ctx context.Context, installationKey []byte) error
	PruneExpired(ctx context.Context, olderThanNs int64) (int, error)
}

// Store drives rotation: on a fixed cadence, or immediately on a
// detected compromise signal, it generates and uploads a fresh key
// package and records the next rotation timestamp.
type Store struct {
	repo     Repository
	gen      Generator
	uploader Uploader
	interval time.Duration
}

// NewStore builds a Store with the given rotation cadence.
func NewStore(repo Repository, gen Generator, uploader Uploader, interval time.Duration) *Store {
	return &Store{repo: repo, gen: gen, uploader: uploader, interval: interval}
}

// MaybeRotate rotates the key package for installationKey if the
// scheduled rotation time has passed, or unconditionally if
// compromiseSignal is set. It enforces the "at most one current" store
// invariant by clearing the previous current row before inserting the
// new one; previous rows remain usable for unwrapping welcomes already
// in flight until pruned.
func (s *Store) MaybeRotate(ctx context.Context, installationKey []byte, nowNs int64, compromiseSignal bool) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "keypackage.maybe_rotate")
	defer span.End()

	current, err := s.repo.CurrentFor(ctx, installationKey)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to load current key package", err)

		return false, err
	}

	due := compromiseSignal || current == nil || nowNs >= current.PostRotationNs
	if !due {
		return false, nil
	}

	fresh, err := s.gen.GenerateKeyPackage(ctx)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to generate key package", err)

		return false, err
	}

	if err := s.uploader.UploadKeyPackage(ctx, fresh.Bytes, false); err != nil {
		telemetry.HandleSpanError(&span, "failed to upload key package", err)

		return false, err
	}

	if current != nil {
		if err := s.repo.ClearCurrent(ctx, installationKey); err != nil {
			telemetry.HandleSpanError(&span, "failed to clear previous current key package", err)

			return false, err
		}
	}

	fresh.InstallationKey = installationKey
	fresh.CreatedAtNs = nowNs
	fresh.PostRotationNs = nowNs + s.interval.Nanoseconds()
	fresh.Current = true

	if err := s.repo.Insert(ctx, fresh); err != nil {
		telemetry.HandleSpanError(&span, "failed to persist rotated key package", err)

		return false, err
	}

	return true, nil
}

// Prune removes key packages older than the broker's welcome-retention
// window plus a grace period, per §4.5's pruning rule.
func (s *Store) Prune(ctx context.Context, nowNs int64, retentionWindow time.Duration, grace time.Duration) (int, error) {
	cutoff := nowNs - retentionWindow.Nanoseconds() - grace.Nanoseconds()
	return s.repo.PruneExpired(ctx, cutoff)
}
