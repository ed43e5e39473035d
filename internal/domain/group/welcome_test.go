package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDecryptor struct {
	result *DecryptedWelcome
	err    error
}

func (f *fakeDecryptor) Decrypt(context.Context, IncomingWelcome, bool) (*DecryptedWelcome, error) {
	return f.result, f.err
}

func newTestRepo() (WelcomeRepository, map[string]*StoredGroup, map[string]uint64) {
	groups := map[string]*StoredGroup{}
	cursors := map[string]uint64{}

	repo := WelcomeRepository{
		FindGroupByWelcomeID: func(_ context.Context, installationKey []byte, welcomeID uint64) (*StoredGroup, error) {
			return groups[string(installationKey)], nil
		},
		CurrentWelcomeCursor: func(_ context.Context, installationKey []byte) (uint64, error) {
			return cursors[string(installationKey)], nil
		},
		AdvanceWelcomeCursor: func(_ context.Context, installationKey []byte, pastID uint64) error {
			cursors[string(installationKey)] = pastID
			return nil
		},
		InsertGroup: func(_ context.Context, g *StoredGroup) error {
			groups["install-1"] = g
			return nil
		},
		InsertJoinMessage: func(context.Context, []byte) error { return nil },
	}

	return repo, groups, cursors
}

func TestWelcomeProcessor_ReplayReturnsCachedGroup(t *testing.T) {
	repo, groups, cursors := newTestRepo()
	cursors["install-1"] = 10
	groups["install-1"] = &StoredGroup{GroupID: []byte("g1")}

	processor := NewWelcomeProcessor(&fakeDecryptor{}, repo)

	got, err := processor.Process(context.Background(), IncomingWelcome{BrokerWelcomeID: 5, InstallationKey: []byte("install-1")}, false, nil)
	require.NoError(t, err)
	require.Equal(t, "g1", string(got.GroupID))
}

func TestWelcomeProcessor_CommitsNewWelcome(t *testing.T) {
	repo, _, cursors := newTestRepo()

	membership := MembershipExtension{"inbox-a": 1, "inbox-b": 1}
	decryptor := &fakeDecryptor{result: &DecryptedWelcome{
		TreeMembership:      membership,
		ExtensionMembership: membership,
		MinProtocolVersion:  1,
		ThisClientVersion:   1,
	}}

	processor := NewWelcomeProcessor(decryptor, repo)

	got, err := processor.Process(context.Background(), IncomingWelcome{BrokerWelcomeID: 1, InstallationKey: []byte("install-1"), GroupID: []byte("g2")}, false, nil)
	require.NoError(t, err)
	require.Equal(t, "g2", string(got.GroupID))
	require.Equal(t, uint64(1), cursors["install-1"])
}

func TestWelcomeProcessor_RejectsOnMembershipMismatch(t *testing.T) {
	repo, _, cursors := newTestRepo()

	decryptor := &fakeDecryptor{result: &DecryptedWelcome{
		TreeMembership:      MembershipExtension{"inbox-a": 1},
		ExtensionMembership: MembershipExtension{"inbox-a": 2},
		MinProtocolVersion:  1,
		ThisClientVersion:   1,
	}}

	processor := NewWelcomeProcessor(decryptor, repo)

	_, err := processor.Process(context.Background(), IncomingWelcome{BrokerWelcomeID: 3, InstallationKey: []byte("install-1"), GroupID: []byte("g3")}, false, nil)
	require.Error(t, err)
	require.Equal(t, uint64(3), cursors["install-1"], "non-retryable rejection must still advance the cursor")
}
