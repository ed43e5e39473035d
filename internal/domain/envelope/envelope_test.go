package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingVisitor struct {
	calls []Kind
	failOn Kind
}

func (r *recordingVisitor) VisitGroupMessage(e *Envelope, _ *GroupMessage) error {
	r.calls = append(r.calls, KindGroupMessage)
	if r.failOn == KindGroupMessage {
		return errors.New("boom")
	}

	return nil
}

func (r *recordingVisitor) VisitWelcome(e *Envelope, _ *Welcome) error {
	r.calls = append(r.calls, KindWelcome)
	if r.failOn == KindWelcome {
		return errors.New("boom")
	}

	return nil
}

func (r *recordingVisitor) VisitKeyPackageUpload(e *Envelope, _ *KeyPackageUpload) error {
	r.calls = append(r.calls, KindKeyPackageUpload)
	return nil
}

func (r *recordingVisitor) VisitIdentityUpdate(e *Envelope, _ *IdentityUpdate) error {
	r.calls = append(r.calls, KindIdentityUpdate)
	return nil
}

func TestComposite_ShortCircuitsOnFirstError(t *testing.T) {
	first := &recordingVisitor{failOn: KindGroupMessage}
	second := &recordingVisitor{}

	composite := NewComposite(first, second)
	env := &Envelope{Kind: KindGroupMessage, GroupMessage: &GroupMessage{}}

	err := Dispatch(composite, env)
	require.Error(t, err)
	require.Len(t, first.calls, 1)
	require.Empty(t, second.calls, "second visitor must not run after first errors")
}

func TestComposite_RunsAllOnSuccess(t *testing.T) {
	first := &recordingVisitor{}
	second := &recordingVisitor{}

	composite := NewComposite(first, second)
	env := &Envelope{Kind: KindWelcome, Welcome: &Welcome{}}

	require.NoError(t, Dispatch(composite, env))
	require.Equal(t, []Kind{KindWelcome}, first.calls)
	require.Equal(t, []Kind{KindWelcome}, second.calls)
}

func TestTopicCursorVisitor_RecordsPerVariant(t *testing.T) {
	v := NewTopicCursorVisitor()
	env := &Envelope{Topic: "group/1", Originator: 4, SequenceID: 9, Kind: KindGroupMessage, GroupMessage: &GroupMessage{}}

	require.NoError(t, Dispatch(v, env))
	require.Len(t, v.Observed, 1)
	require.Equal(t, uint64(9), uint64(v.Cursors[v.Observed[0]]))
}

func TestMessageExtractionVisitor_IgnoresNonGroupMessages(t *testing.T) {
	v := &MessageExtractionVisitor{}
	env := &Envelope{Kind: KindIdentityUpdate, IdentityUpdate: &IdentityUpdate{}}

	require.NoError(t, Dispatch(v, env))
	require.Empty(t, v.Messages)
}
