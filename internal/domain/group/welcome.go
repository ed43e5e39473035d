package group

import (
	"context"

	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
)

// IncomingWelcome is the decoded form of a welcome-v1 envelope awaiting
// processing.
type IncomingWelcome struct {
	BrokerWelcomeID uint64
	GroupID         []byte
	InstallationKey []byte
	IsSyncGroup     bool
	Data            []byte
}

// WelcomeDecryptor decrypts a welcome. DryRun performs the decrypt inside
// a rolled-back transaction with no side effects, for the validate step;
// a real decrypt commits the resulting group state.
type WelcomeDecryptor interface {
	Decrypt(ctx context.Context, w IncomingWelcome, dryRun bool) (*DecryptedWelcome, error)
}

// DecryptedWelcome is the result of unwrapping a welcome: the group's
// membership extension and minimum protocol version, for cross-checking
// against the MLS tree before committing.
type DecryptedWelcome struct {
	TreeMembership     MembershipExtension
	ExtensionMembership MembershipExtension
	MinProtocolVersion int
	ThisClientVersion  int
}

// WelcomeRepository is the persistence seam for welcome processing:
// looking up cached groups and advancing the per-installation welcome
// cursor.
type WelcomeRepository struct {
	FindGroupByWelcomeID func(ctx context.Context, installationKey []byte, welcomeID uint64) (*StoredGroup, error)
	CurrentWelcomeCursor func(ctx context.Context, installationKey []byte) (uint64, error)
	AdvanceWelcomeCursor func(ctx context.Context, installationKey []byte, pastID uint64) error
	InsertGroup          func(ctx context.Context, g *StoredGroup) error
	InsertJoinMessage    func(ctx context.Context, groupID []byte) error
	EmitSyncGroupAdopted func(ctx context.Context, groupID []byte)

	// InheritDMConsent implements DM consent stitching (§4.6.6): when a
	// freshly welcomed DM group's dm_id already has a consent decision
	// recorded against an earlier group sharing that dm_id, the new group
	// inherits the most recent one under its own entity id. Optional; a
	// nil value (as in a non-DM-aware repository) skips inheritance.
	InheritDMConsent func(ctx context.Context, stored *StoredGroup) error
}

// WelcomeProcessor implements the deterministic welcome state machine of
// §4.6.1.
type WelcomeProcessor struct {
	decryptor WelcomeDecryptor
	repo      WelcomeRepository
}

// NewWelcomeProcessor builds a WelcomeProcessor.
func NewWelcomeProcessor(decryptor WelcomeDecryptor, repo WelcomeRepository) *WelcomeProcessor {
	return &WelcomeProcessor{decryptor: decryptor, repo: repo}
}

// Process runs the four-step state machine and returns the resulting
// group, or an error. Non-retryable failures still advance the welcome
// cursor so the same welcome is never retried.
func (p *WelcomeProcessor) Process(ctx context.Context, w IncomingWelcome, isDM bool, dmAdmins []string) (*StoredGroup, error) {
	ctx, span := telemetry.StartSpan(ctx, "group.process_welcome")
	defer span.End()

	// Step 1: already processed?
	cursor, err := p.repo.CurrentWelcomeCursor(ctx, w.InstallationKey)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to load welcome cursor", err)

		return nil, err
	}

	if w.BrokerWelcomeID <= cursor {
		cached, err := p.repo.FindGroupByWelcomeID(ctx, w.InstallationKey, w.BrokerWelcomeID)
		if err != nil {
			telemetry.HandleSpanError(&span, "failed to load cached welcome group", err)

			return nil, err
		}

		return cached, nil
	}

	// Step 2: validate membership, decrypting inside a rolled-back
	// transaction (dryRun=true) so validation has no side effects.
	decoded, err := p.decryptor.Decrypt(ctx, w, true)
	if err != nil {
		return nil, p.rejectNonRetryable(ctx, w, err)
	}

	if !membershipsAgree(decoded.TreeMembership, decoded.ExtensionMembership) {
		return nil, p.rejectNonRetryable(ctx, w, apperr.NewMLSError("welcome.validate", "tree membership disagrees with group-membership extension", nil, false))
	}

	pausedForVersion := decoded.MinProtocolVersion > decoded.ThisClientVersion

	if isDM && !ValidateDMWelcome(decoded.ExtensionMembership, dmAdmins) {
		return nil, p.rejectNonRetryable(ctx, w, apperr.NewValidationError("welcome.validate", "DM welcome failed DM-specific validation", nil))
	}

	// Step 3: commit or fail-forever.
	real, err := p.decryptor.Decrypt(ctx, w, false)
	if err != nil {
		return nil, p.rejectNonRetryable(ctx, w, err)
	}

	stored := &StoredGroup{
		GroupID:          w.GroupID,
		Membership:       real.ExtensionMembership,
		IsDMGroup:        isDM,
		IsSyncGroup:      w.IsSyncGroup,
		PausedForVersion: pausedForVersion,
	}

	if isDM {
		pair := dmInboxes(real.ExtensionMembership)
		if len(pair) == 2 {
			stored.DMID = DMID(pair[0], pair[1])
		}
	}

	if err := p.repo.InsertGroup(ctx, stored); err != nil {
		telemetry.HandleSpanError(&span, "failed to insert group", err)

		return nil, err
	}

	if isDM && stored.DMID != "" && p.repo.InheritDMConsent != nil {
		if err := p.repo.InheritDMConsent(ctx, stored); err != nil {
			telemetry.HandleSpanError(&span, "failed to inherit DM consent", err)

			return nil, err
		}
	}

	if err := p.repo.InsertJoinMessage(ctx, w.GroupID); err != nil {
		telemetry.HandleSpanError(&span, "failed to insert join message", err)

		return nil, err
	}

	if err := p.repo.AdvanceWelcomeCursor(ctx, w.InstallationKey, w.BrokerWelcomeID); err != nil {
		telemetry.HandleSpanError(&span, "failed to advance welcome cursor", err)

		return nil, err
	}

	// Step 4: sync groups additionally notify the device-sync subsystem.
	if w.IsSyncGroup && p.repo.EmitSyncGroupAdopted != nil {
		p.repo.EmitSyncGroupAdopted(ctx, w.GroupID)
	}

	return stored, nil
}

func (p *WelcomeProcessor) rejectNonRetryable(ctx context.Context, w IncomingWelcome, err error) error {
	if !apperr.IsRetryable(err) {
		if advErr := p.repo.AdvanceWelcomeCursor(ctx, w.InstallationKey, w.BrokerWelcomeID); advErr != nil {
			return advErr
		}
	}

	return err
}

func membershipsAgree(tree, extension MembershipExtension) bool {
	if len(tree) != len(extension) {
		return false
	}

	for inbox, seq := range extension {
		if tree[inbox] != seq {
			return false
		}
	}

	return true
}

func dmInboxes(m MembershipExtension) []string {
	out := make([]string, 0, len(m))
	for inbox := range m {
		out = append(out, inbox)
	}

	return out
}
