package group

import (
	"context"

	"github.com/mlscore/core/internal/retry"
	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
)

// IntentState is the durable state machine every intent moves through:
// ToPublish -> Published -> Committed, with a non-retryable or
// attempts-exhausted path from ToPublish to Error.
type IntentState int

const (
	IntentToPublish IntentState = iota
	IntentPublished
	IntentCommitted
	IntentError
)

// Intent is a durable record of one pending local mutation (an
// application message or a staged commit) for a group.
type Intent struct {
	ID               string
	GroupID          []byte
	State            IntentState
	PayloadHash      []byte
	StagedCommit     []byte
	PublishAttempts  int
	ErrorCategory    apperr.Category
	InsertedAtNs     int64
}

// Broker is the narrow publish surface the intent loop depends on.
type Broker interface {
	SendGroupMessages(ctx context.Context, messages [][]byte) error
}

// StagedCommitBuilder computes the MLS staged commit or application
// message payload for an intent, returning the wire bytes and their
// payload hash.
type StagedCommitBuilder interface {
	Build(ctx context.Context, intent *Intent) (wire []byte, payloadHash []byte, err error)
}

// IntentRepository is the persistence seam for group_intents, including
// the single-transaction durability the design notes mandate: the intent
// row and the MLS staged-commit artifact must be written together.
type IntentRepository interface {
	ToPublishInGroup(ctx context.Context, groupID []byte) ([]*Intent, error)
	Save(ctx context.Context, intent *Intent) error
}

// PublishLoop implements publish_messages (§4.6.4): one group at a time,
// serialized by the per-group commit lock, publishing every ToPublish
// intent in insertion order.
type PublishLoop struct {
	repo     IntentRepository
	broker   Broker
	builder  StagedCommitBuilder
	lock     *CommitLock
	strategy *retry.Strategy
	maxAttempts int
}

// NewPublishLoop builds a PublishLoop.
func NewPublishLoop(repo IntentRepository, broker Broker, builder StagedCommitBuilder, lock *CommitLock, strategy *retry.Strategy, maxAttempts int) *PublishLoop {
	return &PublishLoop{repo: repo, broker: broker, builder: builder, lock: lock, strategy: strategy, maxAttempts: maxAttempts}
}

// PublishMessages runs the publish loop for groupID under its commit
// lock.
func (p *PublishLoop) PublishMessages(ctx context.Context, groupID []byte) error {
	return p.lock.WithLock(string(groupID), func() error {
		return p.publishLocked(ctx, groupID)
	})
}

func (p *PublishLoop) publishLocked(ctx context.Context, groupID []byte) error {
	ctx, span := telemetry.StartSpan(ctx, "group.publish_messages")
	defer span.End()

	intents, err := p.repo.ToPublishInGroup(ctx, groupID)
	if err != nil {
		telemetry.HandleSpanError(&span, "failed to load ToPublish intents", err)

		return err
	}

	for _, intent := range intents {
		if err := p.publishOne(ctx, intent); err != nil {
			telemetry.HandleSpanError(&span, "intent publish failed", err)
			// Errors from one intent do not abort the loop for the
			// others: each intent's own state machine records its own
			// outcome.
		}
	}

	return nil
}

func (p *PublishLoop) publishOne(ctx context.Context, intent *Intent) error {
	wire, payloadHash, err := p.builder.Build(ctx, intent)
	if err != nil {
		return p.failIntent(ctx, intent, err)
	}

	intent.PayloadHash = payloadHash

	err = p.broker.SendGroupMessages(ctx, [][]byte{wire})
	if err == nil {
		intent.State = IntentPublished

		return p.repo.Save(ctx, intent)
	}

	if !apperr.IsRetryable(err) {
		return p.failIntent(ctx, intent, err)
	}

	intent.PublishAttempts++

	if intent.PublishAttempts >= p.maxAttempts {
		return p.failIntent(ctx, intent, err)
	}

	// Stays ToPublish; the caller's retry strategy governs when this
	// intent is revisited.
	return p.repo.Save(ctx, intent)
}

func (p *PublishLoop) failIntent(ctx context.Context, intent *Intent, err error) error {
	intent.State = IntentError

	var tagged apperr.Tagged
	if apperr.AsTagged(err, &tagged) {
		intent.ErrorCategory = tagged.Category()
	}

	if saveErr := p.repo.Save(ctx, intent); saveErr != nil {
		return saveErr
	}

	return err
}

// ProcessOwnMessage implements process_own_message (§4.6.4): when a
// self-authored commit echoes back from the stream, it is matched by
// payload hash and, if it validates, applied and marked Committed.
type ProcessOwnMessage struct {
	repo                 IntentRepository
	matchByHash          func(ctx context.Context, payloadHash []byte) (*Intent, error)
	applyStagedCommit    func(ctx context.Context, intent *Intent, sequenceID uint64) error
	processForeignCommit func(ctx context.Context, payloadHash []byte, wire []byte) error
}

// NewProcessOwnMessage wires the callbacks ProcessOwnMessage needs from
// the surrounding group engine.
func NewProcessOwnMessage(
	repo IntentRepository,
	matchByHash func(ctx context.Context, payloadHash []byte) (*Intent, error),
	applyStagedCommit func(ctx context.Context, intent *Intent, sequenceID uint64) error,
	processForeignCommit func(ctx context.Context, payloadHash []byte, wire []byte) error,
) *ProcessOwnMessage {
	return &ProcessOwnMessage{
		repo:                 repo,
		matchByHash:          matchByHash,
		applyStagedCommit:    applyStagedCommit,
		processForeignCommit: processForeignCommit,
	}
}

// Handle processes one echoed wire message at sequenceID, the broker-
// assigned sequence number it arrived at, which applyStagedCommit needs
// to record this commit's position in the local commit log.
func (p *ProcessOwnMessage) Handle(ctx context.Context, payloadHash []byte, wire []byte, sequenceID uint64) error {
	intent, err := p.matchByHash(ctx, payloadHash)
	if err != nil {
		return err
	}

	if intent == nil {
		return p.processForeignCommit(ctx, payloadHash, wire)
	}

	if err := p.applyStagedCommit(ctx, intent, sequenceID); err != nil {
		return err
	}

	intent.State = IntentCommitted

	return p.repo.Save(ctx, intent)
}
