package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	cursors   map[TopicOriginator]Cursor
	icebox    []IceboxEntry
	cutoverNs int64
	migrated  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{cursors: map[TopicOriginator]Cursor{}}
}

func (f *fakeRepo) GetCursor(_ context.Context, key TopicOriginator) (Cursor, error) {
	return f.cursors[key], nil
}

func (f *fakeRepo) SetCursorIfGreater(_ context.Context, key TopicOriginator, value Cursor) (bool, error) {
	if value > f.cursors[key] {
		f.cursors[key] = value
		return true, nil
	}

	return false, nil
}

func (f *fakeRepo) CursorsForTopic(_ context.Context, topic string) (map[Originator]Cursor, error) {
	out := map[Originator]Cursor{}

	for k, v := range f.cursors {
		if k.Topic == topic {
			out[k.Originator] = v
		}
	}

	return out, nil
}

func (f *fakeRepo) Ice(_ context.Context, entries []IceboxEntry) error {
	f.icebox = append(f.icebox, entries...)
	return nil
}

func (f *fakeRepo) ResolveChildren(_ context.Context, newCursors map[TopicOriginator]Cursor) ([]IceboxEntry, error) {
	var resolved []IceboxEntry

	var remaining []IceboxEntry

	for _, e := range f.icebox {
		unblocked := true

		for k, c := range newCursors {
			if k.Topic == e.Topic && k.Originator == e.Originator && c < e.SequenceID {
				unblocked = false
			}
		}

		if unblocked {
			resolved = append(resolved, e)
		} else {
			remaining = append(remaining, e)
		}
	}

	f.icebox = remaining

	return resolved, nil
}

func (f *fakeRepo) FindMessageDependencies(_ context.Context, _ [][]byte) (map[string]Cursor, error) {
	return map[string]Cursor{}, nil
}

func (f *fakeRepo) GetCutoverNs(_ context.Context) (int64, error) { return f.cutoverNs, nil }
func (f *fakeRepo) SetCutoverNs(_ context.Context, ns int64) error {
	f.cutoverNs = ns
	return nil
}

func (f *fakeRepo) HasMigrated(_ context.Context) (bool, error) { return f.migrated, nil }
func (f *fakeRepo) SetHasMigrated(_ context.Context, done bool) error {
	f.migrated = done
	return nil
}

func TestAdvance_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeRepo())
	key := TopicOriginator{Topic: "group/1", Originator: 7}

	advanced, err := store.Advance(ctx, key, 10)
	require.NoError(t, err)
	require.True(t, advanced)

	advanced, err = store.Advance(ctx, key, 5)
	require.NoError(t, err)
	require.False(t, advanced, "non-increasing write must be a silent no-op")

	c, err := store.repo.GetCursor(ctx, key)
	require.NoError(t, err)
	require.Equal(t, Cursor(10), c)
}

func TestLatest_MaxAcrossOriginators(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := NewStore(repo)

	_, _ = store.Advance(ctx, TopicOriginator{Topic: "t", Originator: 1}, 3)
	_, _ = store.Advance(ctx, TopicOriginator{Topic: "t", Originator: 2}, 9)

	latest, err := store.Latest(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, Cursor(9), latest)
}

func TestLowestCommonCursor(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := NewStore(repo)

	_, _ = store.Advance(ctx, TopicOriginator{Topic: "a", Originator: 1}, 5)
	_, _ = store.Advance(ctx, TopicOriginator{Topic: "b", Originator: 1}, 2)

	lcc, err := store.LowestCommonCursor(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, Cursor(2), lcc[Originator(1)])
}

func TestResolveChildren_UnblocksOnlyWhenDependencyMet(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	store := NewStore(repo)

	entry := IceboxEntry{Topic: "g", Originator: 1, SequenceID: 5}
	require.NoError(t, store.Ice(ctx, []IceboxEntry{entry}))

	resolved, err := store.ResolveChildren(ctx, map[TopicOriginator]Cursor{{Topic: "g", Originator: 1}: 4})
	require.NoError(t, err)
	require.Empty(t, resolved)

	resolved, err = store.ResolveChildren(ctx, map[TopicOriginator]Cursor{{Topic: "g", Originator: 1}: 5})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
}

func TestHasMigrated_Sticky(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeRepo())

	migrated, err := store.HasMigrated(ctx)
	require.NoError(t, err)
	require.False(t, migrated)

	require.NoError(t, store.SetHasMigrated(ctx, true))

	migrated, err = store.HasMigrated(ctx)
	require.NoError(t, err)
	require.True(t, migrated)
}
