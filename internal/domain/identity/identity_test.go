package identity

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlscore/core/pkg/mlog"
)

func TestFold_CreateInboxThenAddInstallation(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(nil, mlog.NoneLogger{})

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	wallet := "0xWallet"

	createMsg := []byte("create-inbox-I")
	createSig := Signature{Kind: SignerWalletEIP191, Identifier: wallet, Message: createMsg}

	updates := []Update{
		{
			InboxID:    "I",
			SequenceID: 1,
			Actions: []Action{
				{
					Kind:                    ActionCreateInbox,
					InitialWalletIdentifier: wallet,
					Nonce:                   0,
					Signatures:              []Signature{createSig},
				},
			},
		},
	}

	// EIP-191 verification requires an actual signature match; since we
	// don't have a wallet key here, CreateInbox must use a kind the
	// fold can actually validate in this unit test: swap to ed25519 to
	// keep the test self-contained and deterministic.
	updates[0].Actions[0].Signatures[0] = Signature{
		Kind:       SignerInstallationEd25519,
		Identifier: wallet,
		Message:    createMsg,
		Sig:        ed25519.Sign(priv, createMsg),
		PublicKey:  pub,
	}

	state, diff, err := engine.Fold(ctx, nil, updates)
	require.NoError(t, err)
	require.Equal(t, wallet, state.Recovery)
	require.Len(t, state.Members, 1)
	require.Len(t, diff.Added, 1)
}

func TestFold_RejectsActionWithBadSignatureButContinues(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(nil, mlog.NoneLogger{})

	pub, priv, _ := ed25519.GenerateKey(nil)
	wallet := "0xWallet"
	createMsg := []byte("create")

	state, _, err := engine.Fold(ctx, nil, []Update{
		{
			InboxID:    "I",
			SequenceID: 1,
			Actions: []Action{{
				Kind:                    ActionCreateInbox,
				InitialWalletIdentifier: wallet,
				Signatures: []Signature{{
					Kind: SignerInstallationEd25519, Identifier: wallet,
					Message: createMsg, Sig: ed25519.Sign(priv, createMsg), PublicKey: pub,
				}},
			}},
		},
	})
	require.NoError(t, err)

	// A second update with a bogus signature must be rejected, not abort
	// the fold.
	state2, diff, err := engine.Fold(ctx, state, []Update{
		{
			InboxID:    "I",
			SequenceID: 2,
			Actions: []Action{{
				Kind:   ActionAddAssociation,
				Member: Member{Kind: MemberInstallation, Identifier: "N2"},
				Signatures: []Signature{{
					Kind: SignerInstallationEd25519, Identifier: "N2",
					Message: []byte("bad"), Sig: []byte("not-a-real-signature-000000000000000000000000000000000000000000"), PublicKey: pub,
				}},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, state2.Members, 1, "bad signature must not add the member")
	require.Empty(t, diff.Added)
}

func TestFold_CreateInboxFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(nil, mlog.NoneLogger{})

	_, _, err := engine.Fold(ctx, nil, []Update{
		{
			InboxID:    "I",
			SequenceID: 1,
			Actions: []Action{{
				Kind:                    ActionCreateInbox,
				InitialWalletIdentifier: "0xWallet",
				Signatures:              nil,
			}},
		},
	})
	require.Error(t, err)
}

func TestSortUpdates_OrdersBySequenceThenTimestamp(t *testing.T) {
	updates := []Update{
		{SequenceID: 2, CreatedAtNs: 5},
		{SequenceID: 1, CreatedAtNs: 10},
		{SequenceID: 1, CreatedAtNs: 1},
	}

	SortUpdates(updates)

	require.Equal(t, uint64(1), updates[0].SequenceID)
	require.Equal(t, int64(1), updates[0].CreatedAtNs)
	require.Equal(t, uint64(2), updates[2].SequenceID)
}
