// Package cursor implements the per-(topic, originator) progress tracking
// described for the refresh_state and icebox tables: strictly monotonic
// cursor writes, and an icebox for envelopes whose dependencies are not
// yet satisfied.
package cursor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/mlscore/core/internal/telemetry"
)

// Originator identifies the signer of a wire envelope's outer layer.
type Originator uint32

// Cursor is the sequence id up to which envelopes from an originator on a
// topic have been processed, inclusive.
type Cursor uint64

// TopicOriginator is the composite key cursor state is tracked under.
type TopicOriginator struct {
	Topic      string
	Originator Originator
}

// IceboxEntry is an envelope that could not be applied because one or
// more of its payload-hash dependencies have not yet been observed.
type IceboxEntry struct {
	Topic        string
	Originator   Originator
	SequenceID   Cursor
	PayloadHash  []byte
	DependsOn    [][]byte
	EnvelopeBlob []byte
}

// Repository is the persistence seam for cursor state, backed by the
// refresh_state and icebox tables in the local store.
type Repository interface {
	// GetCursor returns the current cursor for (topic, originator), or 0
	// if none has been recorded.
	GetCursor(ctx context.Context, key TopicOriginator) (Cursor, error)

	// SetCursorIfGreater writes value for key only if it is strictly
	// greater than the stored value. Returns whether the write took
	// effect.
	SetCursorIfGreater(ctx context.Context, key TopicOriginator, value Cursor) (bool, error)

	// CursorsForTopic returns the cursor recorded for every originator
	// observed on topic.
	CursorsForTopic(ctx context.Context, topic string) (map[Originator]Cursor, error)

	// Ice persists entries whose dependencies are unmet.
	Ice(ctx context.Context, entries []IceboxEntry) error

	// ResolveChildren returns, and removes, icebox entries whose
	// dependencies are now satisfied by newCursors.
	ResolveChildren(ctx context.Context, newCursors map[TopicOriginator]Cursor) ([]IceboxEntry, error)

	// FindMessageDependencies maps payload hashes to the parent commit
	// cursor they depend on, where known.
	FindMessageDependencies(ctx context.Context, hashes [][]byte) (map[string]Cursor, error)

	// GetCutoverNs returns the configured d14n migration cutover
	// timestamp in nanoseconds, or 0 if unset.
	GetCutoverNs(ctx context.Context) (int64, error)

	// SetCutoverNs persists the d14n migration cutover timestamp.
	SetCutoverNs(ctx context.Context, ns int64) error

	// HasMigrated reports whether this process has already decided the
	// d14n migration is complete.
	HasMigrated(ctx context.Context) (bool, error)

	// SetHasMigrated persists the sticky migration-complete flag.
	SetHasMigrated(ctx context.Context, done bool) error
}

// Store is the cursor/icebox use-case layer, wrapping a Repository with
// the monotonicity and dependency-resolution rules §4.2 and §8 require.
type Store struct {
	repo Repository
}

// NewStore builds a Store over repo.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Latest returns the greatest sequence id observed across all
// originators for topic.
func (s *Store) Latest(ctx context.Context, topic string) (Cursor, error) {
	ctx, span := telemetry.StartSpan(ctx, "cursor.latest")
	defer span.End()

	cursors, err := s.repo.CursorsForTopic(ctx, topic)
	if err != nil {
		handleErr(&span, "failed to load cursors for topic", err)

		return 0, err
	}

	var max Cursor

	for _, c := range cursors {
		if c > max {
			max = c
		}
	}

	return max, nil
}

// LatestPerOriginator returns the cursor for each requested originator on
// topic, defaulting to 0 for originators that have never been observed.
func (s *Store) LatestPerOriginator(ctx context.Context, topic string, originators []Originator) (map[Originator]Cursor, error) {
	all, err := s.repo.CursorsForTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(map[Originator]Cursor, len(originators))

	for _, o := range originators {
		out[o] = all[o]
	}

	return out, nil
}

// LowestCommonCursor returns, per originator, the minimum cursor observed
// across all of topics. Used to batch subscriptions: the broker need not
// replay anything before the slowest topic's progress.
func (s *Store) LowestCommonCursor(ctx context.Context, topics []string) (map[Originator]Cursor, error) {
	result := make(map[Originator]Cursor)
	seen := make(map[Originator]bool)

	for _, topic := range topics {
		cursors, err := s.repo.CursorsForTopic(ctx, topic)
		if err != nil {
			return nil, err
		}

		for originator, c := range cursors {
			if !seen[originator] {
				result[originator] = c
				seen[originator] = true

				continue
			}

			if c < result[originator] {
				result[originator] = c
			}
		}
	}

	return result, nil
}

// Advance records that (topic, originator) has progressed to sequenceID.
// Per §4.2 a non-increasing write is a silent no-op: callers need not
// special-case replays or out-of-order delivery.
func (s *Store) Advance(ctx context.Context, key TopicOriginator, sequenceID Cursor) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "cursor.advance")
	defer span.End()

	advanced, err := s.repo.SetCursorIfGreater(ctx, key, sequenceID)
	if err != nil {
		handleErr(&span, "failed to advance cursor", err)

		return false, err
	}

	return advanced, nil
}

// Ice stores envelopes that cannot yet be applied, alongside the
// dependencies that must resolve first.
func (s *Store) Ice(ctx context.Context, entries []IceboxEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return s.repo.Ice(ctx, entries)
}

// ResolveChildren reports icebox entries unblocked by cursors that have
// just advanced to newCursors.
func (s *Store) ResolveChildren(ctx context.Context, newCursors map[TopicOriginator]Cursor) ([]IceboxEntry, error) {
	return s.repo.ResolveChildren(ctx, newCursors)
}

// FindMessageDependencies maps payload hashes to their parent commit
// cursor.
func (s *Store) FindMessageDependencies(ctx context.Context, hashes [][]byte) (map[string]Cursor, error) {
	return s.repo.FindMessageDependencies(ctx, hashes)
}

// GetCutoverNs returns the configured d14n cutover timestamp.
func (s *Store) GetCutoverNs(ctx context.Context) (int64, error) {
	return s.repo.GetCutoverNs(ctx)
}

// SetCutoverNs persists the d14n cutover timestamp.
func (s *Store) SetCutoverNs(ctx context.Context, ns int64) error {
	return s.repo.SetCutoverNs(ctx, ns)
}

// HasMigrated reports whether the d14n migration has already been
// decided complete for this process. Per the sticky-for-process-lifetime
// decision recorded in the design notes, a true here never flips back to
// false within a single store's lifetime.
func (s *Store) HasMigrated(ctx context.Context) (bool, error) {
	return s.repo.HasMigrated(ctx)
}

// SetHasMigrated persists the sticky migration-complete flag.
func (s *Store) SetHasMigrated(ctx context.Context, done bool) error {
	return s.repo.SetHasMigrated(ctx, done)
}

func handleErr(span *trace.Span, msg string, err error) {
	telemetry.HandleSpanError(span, msg, err)
}

// String renders a TopicOriginator as a stable map/log key.
func (k TopicOriginator) String() string {
	return fmt.Sprintf("%s/%d", k.Topic, k.Originator)
}
