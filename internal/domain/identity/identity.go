// Package identity implements the association-state fold described in
// §4.4: a left-fold over an inbox's ordered, verified identity updates
// that produces the set of active members and the current recovery
// identifier.
package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/mlog"
)

// SignerKind enumerates the four ways an identifier may authorize an
// identity update action.
type SignerKind int

const (
	SignerInstallationEd25519 SignerKind = iota
	SignerWalletEIP191
	SignerLegacyDelegated
	SignerSmartContractWallet
)

// MemberKind distinguishes wallet and installation members within an
// association state.
type MemberKind int

const (
	MemberWallet MemberKind = iota
	MemberInstallation
)

// Member is one active identifier associated with an inbox.
type Member struct {
	Kind       MemberKind
	Identifier string
}

// AssociationState is the derived set of active members for an inbox at
// a given sequence id.
type AssociationState struct {
	InboxID    string
	SequenceID uint64
	Members    []Member
	Recovery   string
}

// Diff summarizes how a fold changed an association state.
type Diff struct {
	Added          []Member
	Removed        []Member
	RecoveryBefore string
	RecoveryAfter  string
}

// ActionKind enumerates the identity-update action variants.
type ActionKind int

const (
	ActionCreateInbox ActionKind = iota
	ActionAddAssociation
	ActionRevokeAssociation
	ActionChangeRecoveryAddress
)

// Signature carries one signer's proof over an action.
type Signature struct {
	Kind       SignerKind
	Identifier string // the identifier this signature is attributed to
	Message    []byte
	Sig        []byte
	PublicKey  []byte // ed25519 public key, when Kind is installation-based

	// LegacyDelegated fields: the legacy key signs the installation key,
	// and the wallet signs the legacy key.
	LegacyKeySig     []byte
	LegacyPublicKey  []byte
	WalletOverLegacySig []byte
	WalletIdentifier string
}

// Action is one mutation carried by an identity update.
type Action struct {
	Kind ActionKind

	// CreateInbox
	InitialWalletIdentifier string
	Nonce                   uint64

	// AddAssociation / RevokeAssociation / ChangeRecoveryAddress
	Member Member

	// Signatures presented in support of this action. The rules per
	// action kind are enforced in fold.go.
	Signatures []Signature
}

// Update is one verified entry from an inbox's identity-update log.
type Update struct {
	InboxID      string
	SequenceID   uint64
	CreatedAtNs  int64
	Actions      []Action
}

// SCWVerifier is the abstract smart-contract-wallet verification
// capability. The core depends only on this interface, never on a
// concrete chain client (§4.4.2).
type SCWVerifier interface {
	Validate(ctx context.Context, accountID string, hash []byte, signature []byte, blockNumber *uint64) (isValid bool, atBlock uint64, err error)
}

// Engine runs the association-state fold and signature verification
// rules.
type Engine struct {
	verifier SCWVerifier
	logger   mlog.Logger
}

// NewEngine builds an Engine. verifier may be nil if no smart-contract
// wallet support is configured; fold rejects SCW signatures in that case.
func NewEngine(verifier SCWVerifier, logger mlog.Logger) *Engine {
	return &Engine{verifier: verifier, logger: logger}
}

// SortUpdates orders updates first by sequence id, then by creation
// timestamp, per §4.4.1. Ties within the same sequence id are a broker
// invariant violation and are left in encounter order — callers should
// treat this as a data integrity bug upstream, not something the fold
// resolves.
func SortUpdates(updates []Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		if updates[i].SequenceID != updates[j].SequenceID {
			return updates[i].SequenceID < updates[j].SequenceID
		}

		return updates[i].CreatedAtNs < updates[j].CreatedAtNs
	})
}

// Fold applies an ordered sequence of verified identity updates on top of
// prev (which may be nil for a fresh inbox), producing the resulting
// state and a diff describing what changed. The fold never aborts
// mid-sequence: an update whose signatures fail verification is skipped
// and logged, except CreateInbox, whose failure is fatal.
func (e *Engine) Fold(ctx context.Context, prev *AssociationState, updates []Update) (*AssociationState, *Diff, error) {
	ctx, span := telemetry.StartSpan(ctx, "identity.fold")
	defer span.End()

	state := cloneState(prev)
	diff := &Diff{}

	if state != nil {
		diff.RecoveryBefore = state.Recovery
	}

	for _, update := range updates {
		for _, action := range update.Actions {
			ok, err := e.verifyAction(ctx, state, action)
			if err != nil {
				telemetry.HandleSpanError(&span, "fatal action verification error", err)

				return nil, nil, err
			}

			if !ok {
				if action.Kind == ActionCreateInbox {
					err := fmt.Errorf("identity: CreateInbox signature verification failed for inbox %s", update.InboxID)
					telemetry.HandleSpanError(&span, "CreateInbox failed verification", err)

					return nil, nil, err
				}

				e.logger.WithFields("inbox_id", update.InboxID, "action", action.Kind).
					Warn("rejected identity update action: signature rules not satisfied")

				continue
			}

			state = applyAction(state, update, action, diff)
		}

		state.SequenceID = update.SequenceID
	}

	diff.RecoveryAfter = state.Recovery

	return state, diff, nil
}

func cloneState(prev *AssociationState) *AssociationState {
	if prev == nil {
		return &AssociationState{}
	}

	members := make([]Member, len(prev.Members))
	copy(members, prev.Members)

	return &AssociationState{
		InboxID:    prev.InboxID,
		SequenceID: prev.SequenceID,
		Members:    members,
		Recovery:   prev.Recovery,
	}
}

func applyAction(state *AssociationState, update Update, action Action, diff *Diff) *AssociationState {
	switch action.Kind {
	case ActionCreateInbox:
		state.InboxID = update.InboxID
		state.Recovery = action.InitialWalletIdentifier
		state.Members = []Member{{Kind: MemberWallet, Identifier: action.InitialWalletIdentifier}}
		diff.Added = append(diff.Added, state.Members...)

	case ActionAddAssociation:
		if !containsMember(state.Members, action.Member) {
			state.Members = append(state.Members, action.Member)
			diff.Added = append(diff.Added, action.Member)
		}

	case ActionRevokeAssociation:
		if idx := indexOfMember(state.Members, action.Member); idx >= 0 {
			state.Members = append(state.Members[:idx], state.Members[idx+1:]...)
			diff.Removed = append(diff.Removed, action.Member)
		}

	case ActionChangeRecoveryAddress:
		state.Recovery = action.Member.Identifier
	}

	return state
}

func containsMember(members []Member, m Member) bool {
	return indexOfMember(members, m) >= 0
}

func indexOfMember(members []Member, m Member) int {
	for i, existing := range members {
		if existing.Kind == m.Kind && existing.Identifier == m.Identifier {
			return i
		}
	}

	return -1
}

// verifyAction enforces the signature rules per action kind (§4.4.1).
func (e *Engine) verifyAction(ctx context.Context, state *AssociationState, action Action) (bool, error) {
	switch action.Kind {
	case ActionCreateInbox:
		// The first update establishes trust; there is no prior member
		// to countersign, so we only require the wallet's own signature
		// over the creation payload.
		return e.anySignatureValidFor(ctx, action.Signatures, action.InitialWalletIdentifier)

	case ActionAddAssociation:
		existingOK, err := e.anySignatureValidFromMembers(ctx, state, action.Signatures, false)
		if err != nil {
			return false, err
		}

		newOK, err := e.anySignatureValidFor(ctx, action.Signatures, action.Member.Identifier)
		if err != nil {
			return false, err
		}

		return existingOK && newOK, nil

	case ActionRevokeAssociation:
		return e.anySignatureValidFor(ctx, action.Signatures, state.Recovery)

	case ActionChangeRecoveryAddress:
		return e.anySignatureValidFor(ctx, action.Signatures, state.Recovery)

	default:
		return false, fmt.Errorf("identity: unknown action kind %v", action.Kind)
	}
}

// anySignatureValidFromMembers checks whether any signature is valid and
// attributed to a current member or the recovery identifier.
func (e *Engine) anySignatureValidFromMembers(ctx context.Context, state *AssociationState, sigs []Signature, recoveryOnly bool) (bool, error) {
	for _, sig := range sigs {
		isMember := sig.Identifier == state.Recovery
		if !recoveryOnly {
			isMember = isMember || containsMember(state.Members, Member{Kind: MemberWallet, Identifier: sig.Identifier}) ||
				containsMember(state.Members, Member{Kind: MemberInstallation, Identifier: sig.Identifier})
		}

		if !isMember {
			continue
		}

		ok, err := e.verifySignature(ctx, sig)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// anySignatureValidFor checks whether any signature attributed to
// identifier verifies correctly.
func (e *Engine) anySignatureValidFor(ctx context.Context, sigs []Signature, identifier string) (bool, error) {
	for _, sig := range sigs {
		if sig.Identifier != identifier {
			continue
		}

		ok, err := e.verifySignature(ctx, sig)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// verifySignature checks one signature according to its signer kind
// (§4.4.2).
func (e *Engine) verifySignature(ctx context.Context, sig Signature) (bool, error) {
	switch sig.Kind {
	case SignerInstallationEd25519:
		if len(sig.PublicKey) != ed25519.PublicKeySize {
			return false, nil
		}

		return ed25519.Verify(sig.PublicKey, sig.Message, sig.Sig), nil

	case SignerWalletEIP191:
		return verifyEIP191(sig.Message, sig.Sig, sig.Identifier)

	case SignerLegacyDelegated:
		return verifyLegacyDelegated(sig)

	case SignerSmartContractWallet:
		if e.verifier == nil {
			return false, nil
		}

		valid, _, err := e.verifier.Validate(ctx, sig.Identifier, sig.Message, sig.Sig, nil)

		return valid, err

	default:
		return false, fmt.Errorf("identity: unknown signer kind %v", sig.Kind)
	}
}

// verifyEIP191 recovers the signing address from an EIP-191 personal-sign
// signature and compares it against the declared identifier.
func verifyEIP191(message, sig []byte, wantAddress string) (bool, error) {
	if len(sig) != 65 {
		return false, nil
	}

	hash := eip191Hash(message)

	// go-ethereum's recovery id is the final signature byte, 0/1 after
	// normalization from the wire's 27/28 convention.
	normalized := make([]byte, 65)
	copy(normalized, sig)

	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return false, nil //nolint:nilerr // malformed signature is a verification failure, not a fatal error
	}

	recovered := crypto.PubkeyToAddress(*pub)

	return strings.EqualFold(recovered.Hex(), wantAddress), nil
}

func eip191Hash(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

// verifyLegacyDelegated checks the two-hop chain: the legacy key signs
// the installation key, and the wallet signs the legacy key.
func verifyLegacyDelegated(sig Signature) (bool, error) {
	if len(sig.LegacyPublicKey) != ed25519.PublicKeySize {
		return false, nil
	}

	if !ed25519.Verify(sig.LegacyPublicKey, sig.Message, sig.LegacyKeySig) {
		return false, nil
	}

	return verifyEIP191(sig.LegacyPublicKey, sig.WalletOverLegacySig, sig.WalletIdentifier)
}
