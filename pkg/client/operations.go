package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mlscore/core/internal/adapters/broker"
	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/cursor"
	"github.com/mlscore/core/internal/domain/envelope"
	"github.com/mlscore/core/internal/domain/group"
)

// CreateGroup persists a brand-new group owned by this installation, with
// the conventional default permission set (§4.6.3) and no disappearing-
// message policy.
func (c *Client) CreateGroup(ctx context.Context, members group.MembershipExtension, isSyncGroup bool) (*group.StoredGroup, error) {
	groupID, err := randomGroupID()
	if err != nil {
		return nil, fmt.Errorf("client: generating group id: %w", err)
	}

	stored := &group.StoredGroup{
		GroupID:     groupID,
		CreatedAtNs: time.Now().UnixNano(),
		Membership:  members,
		IsSyncGroup: isSyncGroup,
		Permissions: group.DefaultPolicySet(),
	}

	if err := c.groups.Insert(ctx, stored); err != nil {
		return nil, err
	}

	return stored, nil
}

// FindOrCreateDM implements find_or_create_dm (§4.6.6): DM identity is
// content-addressed by the ordered inbox pair, so concurrent callers on
// both sides converge on the same group instead of racing to create two.
func (c *Client) FindOrCreateDM(ctx context.Context, myInboxID, theirInboxID string) (*group.StoredGroup, error) {
	dmID := group.DMID(myInboxID, theirInboxID)

	existing, err := c.findGroupByDMID(ctx, dmID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		return existing, nil
	}

	groupID, err := randomGroupID()
	if err != nil {
		return nil, fmt.Errorf("client: generating group id: %w", err)
	}

	stored := &group.StoredGroup{
		GroupID:     groupID,
		CreatedAtNs: time.Now().UnixNano(),
		Membership:  group.MembershipExtension{myInboxID: 0, theirInboxID: 0},
		IsDMGroup:   true,
		DMID:        dmID,
		Permissions: group.DefaultDMPolicySet(),
	}

	if err := c.groups.Insert(ctx, stored); err != nil {
		return nil, err
	}

	return stored, nil
}

// ProcessWelcome implements process_welcome (§4.6.4): decrypts a welcome
// envelope delivered to this installation and commits the resulting
// group, or returns the cached group unchanged if this welcome id has
// already been processed. dmAdmins is only consulted when isDM is true.
func (c *Client) ProcessWelcome(ctx context.Context, w group.IncomingWelcome, isDM bool, dmAdmins []string) (*group.StoredGroup, error) {
	return c.welcome.Process(ctx, w, isDM, dmAdmins)
}

func (c *Client) findGroupByDMID(ctx context.Context, dmID string) (*group.StoredGroup, error) {
	ids, err := c.groups.ListGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		stored, err := c.groups.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if stored != nil && stored.IsDMGroup && stored.DMID == dmID {
			return stored, nil
		}
	}

	return nil, nil //nolint:nilnil // "no existing DM" is a valid lookup result
}

// ListConversations implements list_conversations: every stored group
// projected to its last-message timestamp, deduplicated across stitched
// DMs unless includeDuplicateDMs is set (§4.6.6).
func (c *Client) ListConversations(ctx context.Context, includeDuplicateDMs bool) ([]group.ConversationSummary, error) {
	ids, err := c.groups.ListGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]group.ConversationSummary, 0, len(ids))

	for _, id := range ids {
		stored, err := c.groups.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if stored == nil {
			continue
		}

		lastAt, err := c.messages.LastMessageAtNs(ctx, id)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, group.ConversationSummary{
			GroupID:         stored.GroupID,
			IsDMGroup:       stored.IsDMGroup,
			DMID:            stored.DMID,
			LastMessageAtNs: lastAt,
		})
	}

	if includeDuplicateDMs {
		return summaries, nil
	}

	return group.DedupeConversations(summaries), nil
}

// Send queues content as a ToPublish intent and drains the publish loop
// for groupID immediately, per send's synchronous-publish contract.
func (c *Client) Send(ctx context.Context, groupID []byte, content []byte) error {
	if err := c.queueIntent(ctx, groupID, content); err != nil {
		return err
	}

	return c.publish.PublishMessages(ctx, groupID)
}

// SendOptimistic queues content the same way Send does, but returns as
// soon as the intent is durably recorded ToPublish, without waiting for
// the publish loop to run. A caller that wants the local echo ahead of
// network confirmation uses this; PublishMessages (or the next call to
// Send) eventually drains it.
func (c *Client) SendOptimistic(ctx context.Context, groupID []byte, content []byte) error {
	return c.queueIntent(ctx, groupID, content)
}

func (c *Client) queueIntent(ctx context.Context, groupID []byte, content []byte) error {
	intent := &group.Intent{
		ID:           uuid.New().String(),
		GroupID:      groupID,
		State:        group.IntentToPublish,
		StagedCommit: content,
		InsertedAtNs: time.Now().UnixNano(),
	}

	return c.intents.Save(ctx, intent)
}

// PublishMessages exposes the intent publish loop directly, for a caller
// that queued messages with SendOptimistic and now wants them flushed.
func (c *Client) PublishMessages(ctx context.Context, groupID []byte) error {
	return c.publish.PublishMessages(ctx, groupID)
}

// groupMessageResumeTopic names the synthetic cursor topic this client
// tracks its own QueryGroupMessages pagination under. It is independent
// of the envelope-level (topic, originator) pairs TopicCursorVisitor
// records, which key the icebox's dependency resolution instead.
func groupMessageResumeTopic(groupID []byte) string {
	return "group-messages:" + fmt.Sprintf("%x", groupID)
}

// resumeOriginator is the placeholder originator this client's own
// per-group resume cursor is tracked under: QueryGroupMessages paginates
// by a single sequence number regardless of how many distinct signers
// appear in a page, so there is no real per-originator cursor to key it
// by.
const resumeOriginator = cursor.Originator(0)

// Sync implements sync's single-group shape: drain every group message
// published since this client's last poll, decode it once through the
// provider, persist the result and advance both the group's own resume
// cursor and the generic per-(topic, originator) cursors the icebox
// depends on, and return the decoded application messages.
func (c *Client) Sync(ctx context.Context, groupID []byte) ([]envelope.DecodedMessage, error) {
	topic := groupMessageResumeTopic(groupID)

	resumeFrom, err := c.cursors.Latest(ctx, topic)
	if err != nil {
		return nil, err
	}

	raw, err := c.brokerTransport.QueryGroupMessages(ctx, groupID, broker.Paging{Cursor: uint64(resumeFrom), PageSize: 100})
	if err != nil {
		return nil, err
	}

	topicCursors := envelope.NewTopicCursorVisitor()

	var (
		decoded []envelope.DecodedMessage
		maxSeq  cursor.Cursor
	)

	for _, msg := range raw {
		e, err := c.provider.DecodeEnvelope(msg.Bytes)
		if err != nil {
			return nil, fmt.Errorf("client: decoding group message: %w", err)
		}

		if err := envelope.Dispatch(topicCursors, e); err != nil {
			return nil, err
		}

		if e.Kind == envelope.KindGroupMessage && e.GroupMessage != nil {
			if err := c.processOwn.Handle(ctx, e.PayloadHash, msg.Bytes, e.SequenceID); err != nil {
				return nil, err
			}

			m := envelope.DecodedMessage{GroupID: e.GroupMessage.GroupID, Content: e.GroupMessage.Data, IsCommit: e.GroupMessage.IsCommit}
			decoded = append(decoded, m)

			if err := c.messages.Insert(ctx, sqlitestore.StoredMessage{
				GroupID:    m.GroupID,
				SequenceID: e.SequenceID,
				Content:    m.Content,
				IsCommit:   m.IsCommit,
				SentAtNs:   time.Now().UnixNano(),
			}); err != nil {
				return nil, err
			}
		}

		if cursor.Cursor(msg.SequenceID) > maxSeq {
			maxSeq = cursor.Cursor(msg.SequenceID)
		}
	}

	for key, value := range topicCursors.Cursors {
		if _, err := c.cursors.Advance(ctx, key, value); err != nil {
			return nil, err
		}
	}

	if maxSeq > 0 {
		if _, err := c.cursors.Advance(ctx, cursor.TopicOriginator{Topic: topic, Originator: resumeOriginator}, maxSeq); err != nil {
			return nil, err
		}
	}

	return decoded, nil
}

// SyncAllConversations runs Sync across every stored group, collecting
// per-group results. One group's failure does not stop the sweep; its
// error is attached to the returned map instead so a caller can retry
// just that group.
func (c *Client) SyncAllConversations(ctx context.Context) (map[string][]envelope.DecodedMessage, map[string]error) {
	ids, err := c.groups.ListGroupIDs(ctx)
	if err != nil {
		return nil, map[string]error{"": err}
	}

	messages := make(map[string][]envelope.DecodedMessage, len(ids))
	errs := map[string]error{}

	for _, id := range ids {
		key := fmt.Sprintf("%x", id)

		decoded, err := c.Sync(ctx, id)
		if err != nil {
			errs[key] = err

			continue
		}

		messages[key] = decoded
	}

	return messages, errs
}

// StreamAllMessages subscribes to every stored group's message topic and
// decodes each arriving envelope, returning a channel the caller reads
// until ctx is cancelled. Decode failures are dropped from the stream
// rather than closing it, matching the tolerant-of-one-bad-envelope
// posture the background workers take.
func (c *Client) StreamAllMessages(ctx context.Context) (<-chan envelope.DecodedMessage, error) {
	ids, err := c.groups.ListGroupIDs(ctx)
	if err != nil {
		return nil, err
	}

	filters := make([]broker.SubscriptionFilter, 0, len(ids))

	for _, id := range ids {
		latest, err := c.cursors.Latest(ctx, groupMessageResumeTopic(id))
		if err != nil {
			return nil, err
		}

		filters = append(filters, broker.SubscriptionFilter{Topic: groupMessageResumeTopic(id), FromSequenceID: uint64(latest)})
	}

	return c.StreamConversations(ctx, filters)
}

// StreamConversations subscribes to the given group-message filters and
// decodes each envelope that arrives, the streaming counterpart to Sync.
func (c *Client) StreamConversations(ctx context.Context, filters []broker.SubscriptionFilter) (<-chan envelope.DecodedMessage, error) {
	raw, err := c.brokerTransport.SubscribeGroupMessages(ctx, filters)
	if err != nil {
		return nil, err
	}

	out := make(chan envelope.DecodedMessage)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}

				c.decodeAndForward(ctx, msg, out)
			}
		}
	}()

	return out, nil
}

func (c *Client) decodeAndForward(ctx context.Context, msg broker.Message, out chan<- envelope.DecodedMessage) {
	e, err := c.provider.DecodeEnvelope(msg.Bytes)
	if err != nil {
		c.logger.WithFields("error", err.Error()).Warn("client: dropping undecodable streamed envelope")

		return
	}

	if _, err := c.cursors.Advance(ctx, cursor.TopicOriginator{Topic: e.Topic, Originator: cursor.Originator(e.Originator)}, cursor.Cursor(e.SequenceID)); err != nil {
		c.logger.WithFields("error", err.Error()).Warn("client: failed to advance streamed cursor")
	}

	if e.Kind != envelope.KindGroupMessage || e.GroupMessage == nil {
		return
	}

	if err := c.processOwn.Handle(ctx, e.PayloadHash, msg.Bytes, e.SequenceID); err != nil {
		c.logger.WithFields("error", err.Error()).Warn("client: failed to reconcile streamed envelope against published intents")
	}

	m := envelope.DecodedMessage{GroupID: e.GroupMessage.GroupID, Content: e.GroupMessage.Data, IsCommit: e.GroupMessage.IsCommit}

	if err := c.messages.Insert(ctx, sqlitestore.StoredMessage{
		GroupID:    m.GroupID,
		SequenceID: e.SequenceID,
		Content:    m.Content,
		IsCommit:   m.IsCommit,
		SentAtNs:   time.Now().UnixNano(),
	}); err != nil {
		c.logger.WithFields("error", err.Error()).Warn("client: failed to persist streamed message")
	}

	select {
	case out <- m:
	case <-ctx.Done():
	}
}

// GetConsent returns the stored consent decision for entityID.
func (c *Client) GetConsent(ctx context.Context, entityID string) (group.ConsentRecord, bool, error) {
	return c.consent.Get(ctx, entityID)
}

// SetConsent records a consent decision. Out-of-order writes are
// silently ignored by the store's recency rule (§8's Consent recency
// property), so callers never need to read-before-write.
func (c *Client) SetConsent(ctx context.Context, entityID string, state group.ConsentState, atNs int64) error {
	return c.consent.Set(ctx, group.ConsentRecord{EntityID: entityID, State: state, ConsentedAtNs: atNs})
}

// AddAdmin grants inboxID admin standing in groupID, per the csv-in-
// mutable-metadata convention documented alongside groupRoleResolver.
func (c *Client) AddAdmin(ctx context.Context, groupID []byte, inboxID string) error {
	stored, err := c.groups.FindByID(ctx, groupID)
	if err != nil {
		return err
	}

	if stored == nil {
		return fmt.Errorf("client: group %x not found", groupID)
	}

	return c.groups.SetMutableMetadata(ctx, groupID, withAdminAdded(stored.MutableMetadata, inboxID))
}

// RemoveAdmin revokes inboxID's admin standing in groupID.
func (c *Client) RemoveAdmin(ctx context.Context, groupID []byte, inboxID string) error {
	stored, err := c.groups.FindByID(ctx, groupID)
	if err != nil {
		return err
	}

	if stored == nil {
		return fmt.Errorf("client: group %x not found", groupID)
	}

	return c.groups.SetMutableMetadata(ctx, groupID, withAdminRemoved(stored.MutableMetadata, inboxID))
}

// SetDisappearingMessages configures groupID's disappearing-message
// policy; inNs = 0 disables it.
func (c *Client) SetDisappearingMessages(ctx context.Context, groupID []byte, fromNs, inNs int64) error {
	return c.groups.SetDisappearingSettings(ctx, groupID, fromNs, inNs)
}

// permissionOverrides holds per-group PolicySets that diverge from the
// store's Default/DefaultDM reload (see decodePolicySet's doc comment):
// the groups table round-trips only the two built-in policy sets, so a
// custom PolicySet is kept in memory for this Client's lifetime rather
// than silently discarded or falsely reported as persisted.
type permissionOverrides struct {
	mu    sync.RWMutex
	byKey map[string]group.PolicySet
}

func newPermissionOverrides() *permissionOverrides {
	return &permissionOverrides{byKey: map[string]group.PolicySet{}}
}

func (p *permissionOverrides) set(groupID []byte, ps group.PolicySet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byKey[fmt.Sprintf("%x", groupID)] = ps
}

func (p *permissionOverrides) get(groupID []byte, fallback group.PolicySet) group.PolicySet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if ps, ok := p.byKey[fmt.Sprintf("%x", groupID)]; ok {
		return ps
	}

	return fallback
}

// SetPermissions overrides groupID's permission policy set for the
// lifetime of this Client. See permissionOverrides' doc comment for why
// this cannot be handed to GroupRepository.Insert/FindByID instead.
func (c *Client) SetPermissions(ctx context.Context, groupID []byte, ps group.PolicySet) error {
	stored, err := c.groups.FindByID(ctx, groupID)
	if err != nil {
		return err
	}

	if stored == nil {
		return fmt.Errorf("client: group %x not found", groupID)
	}

	c.permissions.set(groupID, ps)

	return nil
}

// Permissions returns groupID's effective permission policy set: the
// in-memory override if one has been set this session, else the stored
// default.
func (c *Client) Permissions(ctx context.Context, groupID []byte) (group.PolicySet, error) {
	stored, err := c.groups.FindByID(ctx, groupID)
	if err != nil {
		return group.PolicySet{}, err
	}

	if stored == nil {
		return group.PolicySet{}, fmt.Errorf("client: group %x not found", groupID)
	}

	return c.permissions.get(groupID, stored.Permissions), nil
}

func randomGroupID() ([]byte, error) {
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	return id, nil
}
