package envelope

import "github.com/mlscore/core/internal/domain/cursor"

// TopicCursorVisitor derives the (topic, originator, sequence id) triple
// from whichever payload variant is present, so the cursor store can be
// advanced generically without a type switch at every call site.
type TopicCursorVisitor struct {
	Observed []cursor.TopicOriginator
	Cursors  map[cursor.TopicOriginator]cursor.Cursor
}

// NewTopicCursorVisitor builds an empty TopicCursorVisitor.
func NewTopicCursorVisitor() *TopicCursorVisitor {
	return &TopicCursorVisitor{Cursors: map[cursor.TopicOriginator]cursor.Cursor{}}
}

func (v *TopicCursorVisitor) record(e *Envelope) {
	key := cursor.TopicOriginator{Topic: e.Topic, Originator: cursor.Originator(e.Originator)}
	v.Observed = append(v.Observed, key)
	v.Cursors[key] = cursor.Cursor(e.SequenceID)
}

func (v *TopicCursorVisitor) VisitGroupMessage(e *Envelope, _ *GroupMessage) error {
	v.record(e)
	return nil
}

func (v *TopicCursorVisitor) VisitWelcome(e *Envelope, _ *Welcome) error {
	v.record(e)
	return nil
}

func (v *TopicCursorVisitor) VisitKeyPackageUpload(e *Envelope, _ *KeyPackageUpload) error {
	v.record(e)
	return nil
}

func (v *TopicCursorVisitor) VisitIdentityUpdate(e *Envelope, _ *IdentityUpdate) error {
	v.record(e)
	return nil
}

// DecodedMessage is the logical message a MessageExtractionVisitor
// reconstructs from a group-message envelope.
type DecodedMessage struct {
	GroupID  []byte
	Content  []byte
	IsCommit bool
}

// MessageExtractionVisitor reconstructs the decoded logical message from
// group-message payloads, ignoring every other variant. Used by sync to
// build the list the caller ultimately sees from find_messages.
type MessageExtractionVisitor struct {
	Messages []DecodedMessage
}

func (v *MessageExtractionVisitor) VisitGroupMessage(_ *Envelope, m *GroupMessage) error {
	v.Messages = append(v.Messages, DecodedMessage{
		GroupID:  m.GroupID,
		Content:  m.Data,
		IsCommit: m.IsCommit,
	})

	return nil
}

func (v *MessageExtractionVisitor) VisitWelcome(*Envelope, *Welcome) error { return nil }

func (v *MessageExtractionVisitor) VisitKeyPackageUpload(*Envelope, *KeyPackageUpload) error {
	return nil
}

func (v *MessageExtractionVisitor) VisitIdentityUpdate(*Envelope, *IdentityUpdate) error {
	return nil
}
