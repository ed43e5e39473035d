package workers

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/adapters/store/docstore"
	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/identity"
	"github.com/mlscore/core/internal/domain/keypackage"
	"github.com/mlscore/core/pkg/mlog"
)

func TestSignal_CoalescesBursts(t *testing.T) {
	s := NewSignal()

	s.Notify()
	s.Notify()
	s.Notify()

	select {
	case <-s.C():
	default:
		t.Fatal("expected a pending wake-up")
	}

	select {
	case <-s.C():
		t.Fatal("expected only one pending wake-up after a burst of Notify calls")
	default:
	}
}

func TestSignal_NotifyAfterDrainSchedulesAgain(t *testing.T) {
	s := NewSignal()

	s.Notify()
	<-s.C()

	s.Notify()

	select {
	case <-s.C():
	default:
		t.Fatal("expected a new wake-up after drain")
	}
}

type fakeWatchedInboxes struct{ inboxes map[string]uint64 }

func (f *fakeWatchedInboxes) List(context.Context) (map[string]uint64, error) { return f.inboxes, nil }

type fakeIdentityBroker struct {
	byInbox map[string][]broker.Message
	calls   int
}

func (f *fakeIdentityBroker) GetIdentityUpdatesV2(context.Context, []broker.IdentityUpdateRequest) (map[string][]broker.Message, error) {
	f.calls++
	return f.byInbox, nil
}

type fakeDecoder struct{}

func (fakeDecoder) DecodeIdentityUpdate(raw []byte) (identity.Update, error) {
	return identity.Update{InboxID: string(raw), SequenceID: 1}, nil
}

type fakeAppender struct{ inserted []identity.Update }

func (f *fakeAppender) InsertUpdate(_ context.Context, update identity.Update) error {
	f.inserted = append(f.inserted, update)
	return nil
}

type fakeCache struct{ deleted []string }

func (f *fakeCache) Delete(_ context.Context, inboxID string) error {
	f.deleted = append(f.deleted, inboxID)
	return nil
}

func TestIdentityUpdatesWorker_WakeTriggersPollAndInvalidatesCache(t *testing.T) {
	appender := &fakeAppender{}
	cache := &fakeCache{}

	w := &IdentityUpdatesWorker{
		Broker:   &fakeIdentityBroker{byInbox: map[string][]broker.Message{"inbox-a": {{Bytes: []byte("inbox-a"), SequenceID: 1}}}},
		Watched:  &fakeWatchedInboxes{inboxes: map[string]uint64{"inbox-a": 0}},
		Decoder:  fakeDecoder{},
		Appender: appender,
		Cache:    cache,
		Logger:   mlog.NoneLogger{},
		Interval: time.Hour,
		Wake:     NewSignal(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Wake.Notify()

	require.Eventually(t, func() bool { return len(appender.inserted) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(cache.deleted) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "inbox-a", cache.deleted[0])

	cancel()
	<-done
}

type fakeKeyPackageRepo struct {
	current *keypackage.KeyPackage
	inserts int
}

func (f *fakeKeyPackageRepo) Insert(_ context.Context, kp keypackage.KeyPackage) error {
	f.inserts++
	f.current = &kp

	return nil
}
func (f *fakeKeyPackageRepo) CurrentFor(context.Context, []byte) (*keypackage.KeyPackage, error) {
	return f.current, nil
}
func (f *fakeKeyPackageRepo) ClearCurrent(context.Context, []byte) error { return nil }
func (f *fakeKeyPackageRepo) PruneExpired(context.Context, int64) (int, error) { return 0, nil }

type fakeGenerator struct{}

func (fakeGenerator) GenerateKeyPackage(context.Context) (keypackage.KeyPackage, error) {
	return keypackage.KeyPackage{Bytes: []byte("kp")}, nil
}

type fakeUploader struct{ uploaded int }

func (f *fakeUploader) UploadKeyPackage(context.Context, []byte, bool) error {
	f.uploaded++
	return nil
}

func TestKeyPackageRotationWorker_CompromiseSignalForcesImmediateRotation(t *testing.T) {
	repo := &fakeKeyPackageRepo{}
	uploader := &fakeUploader{}
	store := keypackage.NewStore(repo, fakeGenerator{}, uploader, 7*24*time.Hour)

	w := &KeyPackageRotationWorker{
		Store:           store,
		InstallationKey: []byte("install-1"),
		Interval:        time.Hour,
		Compromised:     NewSignal(),
		Clock:           func() time.Time { return time.Unix(0, 1000) },
		Logger:          mlog.NoneLogger{},
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Compromised.Notify()

	require.Eventually(t, func() bool { return uploader.uploaded == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, repo.inserts)

	cancel()
	<-done
}

type fakeGroupLister struct{ ids [][]byte }

func (f *fakeGroupLister) ListGroupIDs(context.Context) ([][]byte, error) { return f.ids, nil }

type fakeCommitLogReader struct{ entries []group.CommitLogEntry }

func (f *fakeCommitLogReader) ForGroup(context.Context, []byte) ([]group.CommitLogEntry, error) {
	return f.entries, nil
}

type fakeForkStore struct {
	status map[string]group.ForkStatus
}

func (f *fakeForkStore) Get(_ context.Context, groupID []byte) (group.ForkStatus, error) {
	return f.status[string(groupID)], nil
}

func (f *fakeForkStore) Set(_ context.Context, groupID []byte, status group.ForkStatus) error {
	if f.status == nil {
		f.status = map[string]group.ForkStatus{}
	}

	f.status[string(groupID)] = status

	return nil
}

func TestCommitLogWorker_DetectsForkAndPersistsStatus(t *testing.T) {
	groupID := []byte("group-1")

	local := &fakeCommitLogReader{entries: []group.CommitLogEntry{
		{CommitSequenceID: 1, EpochAuthenticator: []byte("a"), Result: group.ResultSuccess},
	}}
	remote := &fakeCommitLogReader{entries: []group.CommitLogEntry{
		{CommitSequenceID: 1, EpochAuthenticator: []byte("b"), Result: group.ResultSuccess},
	}}
	forkStore := &fakeForkStore{}

	w := &CommitLogWorker{
		Groups:    &fakeGroupLister{ids: [][]byte{groupID}},
		Local:     local,
		Remote:    remote,
		ForkStore: forkStore,
		Interval:  time.Hour,
		Logger:    mlog.NoneLogger{},
	}

	w.sweep(context.Background())

	status, err := forkStore.Get(context.Background(), groupID)
	require.NoError(t, err)
	require.True(t, status.Known)
	require.True(t, status.Value)
}

func TestCommitLogWorker_SkipsGroupsAlreadyStickyForked(t *testing.T) {
	groupID := []byte("group-1")

	forkStore := &fakeForkStore{status: map[string]group.ForkStatus{
		string(groupID): {Known: true, Value: true},
	}}

	calledLocal := false
	w := &CommitLogWorker{
		Groups: &fakeGroupLister{ids: [][]byte{groupID}},
		Local: commitLogReaderFunc(func(context.Context, []byte) ([]group.CommitLogEntry, error) {
			calledLocal = true
			return nil, nil
		}),
		Remote:    &fakeCommitLogReader{},
		ForkStore: forkStore,
		Interval:  time.Hour,
		Logger:    mlog.NoneLogger{},
	}

	w.sweep(context.Background())

	require.False(t, calledLocal, "sticky-forked groups should not be recompared")
}

type commitLogReaderFunc func(context.Context, []byte) ([]group.CommitLogEntry, error)

func (f commitLogReaderFunc) ForGroup(ctx context.Context, groupID []byte) ([]group.CommitLogEntry, error) {
	return f(ctx, groupID)
}

type fakeDisappearingLister struct{ settings []sqlitestore.DisappearingSetting }

func (f *fakeDisappearingLister) ListDisappearingSettings(context.Context) ([]sqlitestore.DisappearingSetting, error) {
	return f.settings, nil
}

type fakeMessageDeleter struct {
	calls []int64
	count int
}

func (f *fakeMessageDeleter) DeleteExpired(_ context.Context, _ []byte, olderThanSentAtNs int64) (int, error) {
	f.calls = append(f.calls, olderThanSentAtNs)
	return f.count, nil
}

func TestDisappearingMessagesWorker_DeletesPastCutoff(t *testing.T) {
	lister := &fakeDisappearingLister{settings: []sqlitestore.DisappearingSetting{
		{GroupID: []byte("g1"), FromNs: 0, InNs: int64(time.Hour)},
	}}
	deleter := &fakeMessageDeleter{count: 3}

	w := &DisappearingMessagesWorker{
		Groups:   lister,
		Messages: deleter,
		Clock:    func() time.Time { return time.Unix(0, int64(2*time.Hour)) },
		Interval: time.Hour,
		Logger:   mlog.NoneLogger{},
	}

	w.sweep(context.Background())

	require.Len(t, deleter.calls, 1)
	require.Equal(t, int64(time.Hour), deleter.calls[0])
}

func TestDisappearingMessagesWorker_SkipsDisabledPolicies(t *testing.T) {
	lister := &fakeDisappearingLister{settings: []sqlitestore.DisappearingSetting{
		{GroupID: []byte("g1"), InNs: 0},
	}}
	deleter := &fakeMessageDeleter{}

	w := &DisappearingMessagesWorker{
		Groups:   lister,
		Messages: deleter,
		Clock:    func() time.Time { return time.Unix(0, 0) },
		Interval: time.Hour,
		Logger:   mlog.NoneLogger{},
	}

	w.sweep(context.Background())

	require.Empty(t, deleter.calls)
}

type fakeSyncGroupLister struct{ ids [][]byte }

func (f *fakeSyncGroupLister) ListSyncGroupIDs(context.Context) ([][]byte, error) { return f.ids, nil }

type fakeSyncGroupBroker struct{ messages []broker.Message }

func (f *fakeSyncGroupBroker) QueryGroupMessages(context.Context, []byte, broker.Paging) ([]broker.Message, error) {
	return f.messages, nil
}

type fakeDeviceSyncDecoder struct{ payload DeviceSyncPayload }

func (f fakeDeviceSyncDecoder) DecodeDeviceSyncPayload([]byte) (DeviceSyncPayload, error) {
	return f.payload, nil
}

type fakeConsentWriter struct{ set []group.ConsentRecord }

func (f *fakeConsentWriter) Set(_ context.Context, record group.ConsentRecord) error {
	f.set = append(f.set, record)
	return nil
}

type fakeMessageWriter struct{ inserted []sqlitestore.StoredMessage }

func (f *fakeMessageWriter) Insert(_ context.Context, msg sqlitestore.StoredMessage) error {
	f.inserted = append(f.inserted, msg)
	return nil
}

type fakeProcessedTracker struct {
	processed map[string]bool
	marked    []docstore.ProcessedDeviceSyncMessage
}

func (f *fakeProcessedTracker) WasProcessed(_ context.Context, inboxID string, hash []byte) (bool, error) {
	return f.processed[inboxID+string(hash)], nil
}

func (f *fakeProcessedTracker) MarkProcessed(_ context.Context, msg docstore.ProcessedDeviceSyncMessage) error {
	f.marked = append(f.marked, msg)
	return nil
}

func TestDeviceSyncWorker_AppliesConsentAndMessagesThenMarksProcessed(t *testing.T) {
	consent := &fakeConsentWriter{}
	messages := &fakeMessageWriter{}
	processed := &fakeProcessedTracker{processed: map[string]bool{}}

	w := &DeviceSyncWorker{
		InboxID:    "inbox-a",
		SyncGroups: &fakeSyncGroupLister{ids: [][]byte{[]byte("sync-1")}},
		Broker:     &fakeSyncGroupBroker{messages: []broker.Message{{SequenceID: 1, Bytes: []byte("payload")}}},
		Decoder: fakeDeviceSyncDecoder{payload: DeviceSyncPayload{
			ConsentRecords: []group.ConsentRecord{{EntityID: "peer-1", State: group.ConsentAllowed, ConsentedAtNs: 5}},
			Messages:       []sqlitestore.StoredMessage{{GroupID: []byte("g1"), SequenceID: 1, Content: []byte("hi")}},
		}},
		Consent:   consent,
		Messages:  messages,
		Processed: processed,
		Clock:     func() time.Time { return time.Unix(0, 42) },
		Interval:  time.Hour,
		Wake:      NewSignal(),
		Logger:    mlog.NoneLogger{},
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Wake.Notify()

	require.Eventually(t, func() bool { return len(consent.set) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(messages.inserted) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(processed.marked) == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestDeviceSyncWorker_SkipsAlreadyProcessedMessages(t *testing.T) {
	consent := &fakeConsentWriter{}
	messages := &fakeMessageWriter{}

	hash := sha256.Sum256([]byte("payload"))
	processed := &fakeProcessedTracker{processed: map[string]bool{"inbox-a" + string(hash[:]): true}}

	w := &DeviceSyncWorker{
		InboxID:    "inbox-a",
		SyncGroups: &fakeSyncGroupLister{ids: [][]byte{[]byte("sync-1")}},
		Broker:     &fakeSyncGroupBroker{messages: []broker.Message{{SequenceID: 1, Bytes: []byte("payload")}}},
		Decoder: fakeDeviceSyncDecoder{payload: DeviceSyncPayload{
			ConsentRecords: []group.ConsentRecord{{EntityID: "peer-1", State: group.ConsentAllowed}},
		}},
		Consent:   consent,
		Messages:  messages,
		Processed: processed,
		Clock:     func() time.Time { return time.Unix(0, 0) },
		Interval:  time.Hour,
		Logger:    mlog.NoneLogger{},
	}

	require.NoError(t, w.drainGroup(context.Background(), mlog.NoneLogger{}, []byte("sync-1")))
	require.Empty(t, consent.set, "an already-processed message must not be re-applied")
}
