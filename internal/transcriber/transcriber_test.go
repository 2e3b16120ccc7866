package transcriber

import (
	"context"
	"testing"
	"time"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
)

type fakeSession struct {
	closed     bool
	utterances []botdomain.Utterance
}

func (s *fakeSession) SendAudio(ctx context.Context, relativeMS int64, pcm []byte) error {
	return nil
}

func (s *fakeSession) Close(ctx context.Context) ([]botdomain.Utterance, error) {
	s.closed = true
	return s.utterances, nil
}

type fakeFactory struct {
	opened map[string]*fakeSession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: make(map[string]*fakeSession)}
}

func (f *fakeFactory) Open(ctx context.Context, botID, participantUUID, languageCode string) (Session, error) {
	s := &fakeSession{utterances: []botdomain.Utterance{{ParticipantID: participantUUID, Transcript: "hello"}}}
	f.opened[participantUUID] = s
	return s, nil
}

type fakeSink struct {
	emitted []botdomain.Utterance
}

func (s *fakeSink) EmitUtterance(ctx context.Context, botID string, u botdomain.Utterance) error {
	s.emitted = append(s.emitted, u)
	return nil
}

func TestCoordinator_OpensOneSessionPerParticipant(t *testing.T) {
	factory := newFakeFactory()
	sink := &fakeSink{}
	c := NewCoordinator("bot-1", factory, sink, "en-US", clock.New())

	ctx := context.Background()
	if err := c.HandleAudioFrame(ctx, "p1", 0, []byte("frame1")); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleAudioFrame(ctx, "p1", 10, []byte("frame2")); err != nil {
		t.Fatal(err)
	}
	if len(factory.opened) != 1 {
		t.Fatalf("expected 1 session opened, got %d", len(factory.opened))
	}
}

func TestCoordinator_SweepIdleClosesAndFlushes(t *testing.T) {
	factory := newFakeFactory()
	sink := &fakeSink{}
	c := NewCoordinator("bot-1", factory, sink, "en-US", clock.New())

	ctx := context.Background()
	c.HandleAudioFrame(ctx, "p1", 0, []byte("frame"))

	future := time.Now().Add(IdleTimeout + time.Second)
	if err := c.SweepIdle(ctx, future); err != nil {
		t.Fatal(err)
	}
	if !factory.opened["p1"].closed {
		t.Fatal("expected session to be closed")
	}
	if len(sink.emitted) != 1 {
		t.Fatalf("expected 1 utterance emitted, got %d", len(sink.emitted))
	}
}

func TestOrderUtterances(t *testing.T) {
	utterances := []botdomain.Utterance{
		{ParticipantID: "b", RelativeTimestampMS: 100},
		{ParticipantID: "a", RelativeTimestampMS: 100},
		{ParticipantID: "z", RelativeTimestampMS: 50},
	}
	OrderUtterances(utterances)
	if utterances[0].RelativeTimestampMS != 50 {
		t.Fatalf("expected earliest timestamp first, got %+v", utterances[0])
	}
	if utterances[1].ParticipantID != "a" || utterances[2].ParticipantID != "b" {
		t.Fatalf("expected tie broken by participant id, got %+v", utterances)
	}
}
