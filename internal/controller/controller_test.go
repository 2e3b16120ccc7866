package controller

import (
	"context"
	"testing"
	"time"

	"github.com/meetingbots/orchestrator/internal/adapter"
	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
	"github.com/meetingbots/orchestrator/internal/repository"
)

type fakeBotStore struct {
	bot            *botdomain.Bot
	heartbeats     int
	pendingCommand string
}

func (s *fakeBotStore) GetBot(ctx context.Context, botID string) (*botdomain.Bot, error) {
	return s.bot, nil
}

func (s *fakeBotStore) Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error)) (*botdomain.Bot, error) {
	newState, sub, _, _, err := apply(s.bot)
	if err != nil {
		return nil, err
	}
	s.bot.State = newState
	s.bot.SubState = sub
	return s.bot, nil
}

func (s *fakeBotStore) TransitionWithDebit(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, *repository.DebitRequest, error)) (*botdomain.Bot, *repository.DebitResult, error) {
	newState, sub, _, _, debit, err := apply(s.bot)
	if err != nil {
		return nil, nil, err
	}
	s.bot.State = newState
	s.bot.SubState = sub
	var result *repository.DebitResult
	if debit != nil {
		result = &repository.DebitResult{NewBalance: debit.Amount}
	}
	return s.bot, result, nil
}

func (s *fakeBotStore) UpdateHeartbeat(ctx context.Context, botID string, at time.Time, snapshot botdomain.HeartbeatSnapshot) error {
	s.heartbeats++
	return nil
}

func (s *fakeBotStore) ClaimPendingCommand(ctx context.Context, botID string) (string, error) {
	command := s.pendingCommand
	s.pendingCommand = ""
	return command, nil
}

type fakeAdapter struct {
	events chan adapter.Event
	opened bool
	left   bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan adapter.Event, 8)}
}

func (a *fakeAdapter) Open(ctx context.Context, meetingURL, botName string) error { a.opened = true; return nil }
func (a *fakeAdapter) Events() <-chan adapter.Event                               { return a.events }
func (a *fakeAdapter) Platform() botdomain.Platform                               { return botdomain.PlatformGoogleMeet }
func (a *fakeAdapter) StartRecording(ctx context.Context) error                  { return nil }
func (a *fakeAdapter) PauseRecording(ctx context.Context) error                  { return nil }
func (a *fakeAdapter) ResumeRecording(ctx context.Context) error                 { return nil }
func (a *fakeAdapter) Leave(ctx context.Context) error                           { a.left = true; return nil }
func (a *fakeAdapter) SendChatMessage(ctx context.Context, text string) error     { return nil }

type fakeParticipantStore struct{}

func (fakeParticipantStore) UpsertParticipant(ctx context.Context, botID, platformUUID, fullName, userUUID string) (*botdomain.Participant, error) {
	return &botdomain.Participant{}, nil
}
func (fakeParticipantStore) InsertParticipantEvent(ctx context.Context, evt botdomain.ParticipantEvent) error {
	return nil
}
func (fakeParticipantStore) InsertChatMessage(ctx context.Context, msg botdomain.ChatMessage) error {
	return nil
}
func (fakeParticipantStore) ListParticipants(ctx context.Context, botID string) ([]botdomain.Participant, error) {
	return nil, nil
}

type fakeRecordingStore struct{}

func (fakeRecordingStore) CreateRecording(ctx context.Context, rec *botdomain.Recording) (*botdomain.Recording, error) {
	return rec, nil
}
func (fakeRecordingStore) UpdateRecording(ctx context.Context, rec *botdomain.Recording) error {
	return nil
}
func (fakeRecordingStore) GetPrimaryRecording(ctx context.Context, botID string) (*botdomain.Recording, error) {
	return nil, nil
}
func (fakeRecordingStore) IncrementFramesDropped(ctx context.Context, recordingID string, delta int64) error {
	return nil
}

func TestController_HappyPathToEnded(t *testing.T) {
	bot := &botdomain.Bot{ID: "bot-1", State: botdomain.BotStateStaged, ProjectID: "proj-1", Platform: botdomain.PlatformGoogleMeet}
	store := &fakeBotStore{bot: bot}
	adp := newFakeAdapter()
	c := New("bot-1", store, fakeParticipantStore{}, fakeRecordingStore{}, adp, nil, nil, nil, nil, nil, clock.New(), Config{
		HeartbeatInterval: time.Hour, // avoid firing during the test
		ShutdownTimeout:   time.Second,
	})

	adp.events <- adapter.Event{Type: adapter.EventAdmitted}
	adp.events <- adapter.Event{Type: adapter.EventMeetingEnded}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not finish in time")
	}

	if bot.State != botdomain.BotStateEnded {
		t.Fatalf("expected bot ended, got %s (sub %s)", bot.State, bot.SubState)
	}
	if !adp.left {
		t.Fatal("expected adapter.Leave to be called")
	}
}

func TestController_FatalOnAdapterOpenFailure(t *testing.T) {
	bot := &botdomain.Bot{ID: "bot-2", State: botdomain.BotStateStaged}
	store := &fakeBotStore{bot: bot}
	adp := &failingOpenAdapter{fakeAdapter: newFakeAdapter()}
	c := New("bot-2", store, fakeParticipantStore{}, fakeRecordingStore{}, adp, nil, nil, nil, nil, nil, clock.New(), Config{
		HeartbeatInterval: time.Hour,
		ShutdownTimeout:   time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bot.State != botdomain.BotStateFatalError {
		t.Fatalf("expected fatal error, got %s", bot.State)
	}
}

type failingOpenAdapter struct {
	*fakeAdapter
}

func (a *failingOpenAdapter) Open(ctx context.Context, meetingURL, botName string) error {
	return context.DeadlineExceeded
}

type recordingParticipantStore struct {
	fakeParticipantStore
	events []botdomain.ParticipantEvent
}

func (s *recordingParticipantStore) UpsertParticipant(ctx context.Context, botID, platformUUID, fullName, userUUID string) (*botdomain.Participant, error) {
	return &botdomain.Participant{ID: platformUUID, FullName: fullName}, nil
}

func (s *recordingParticipantStore) InsertParticipantEvent(ctx context.Context, evt botdomain.ParticipantEvent) error {
	s.events = append(s.events, evt)
	return nil
}

func TestController_RecordsParticipantJoinAndLeave(t *testing.T) {
	bot := &botdomain.Bot{ID: "bot-3", State: botdomain.BotStateStaged, ProjectID: "proj-3", Platform: botdomain.PlatformGoogleMeet}
	store := &fakeBotStore{bot: bot}
	parts := &recordingParticipantStore{}
	adp := newFakeAdapter()
	c := New("bot-3", store, parts, fakeRecordingStore{}, adp, nil, nil, nil, nil, nil, clock.New(), Config{
		HeartbeatInterval: time.Hour,
		ShutdownTimeout:   time.Second,
	})

	adp.events <- adapter.Event{Type: adapter.EventAdmitted}
	adp.events <- adapter.Event{Type: adapter.EventParticipantJoin, Payload: adapter.ParticipantJoin{PlatformUUID: "p1", FullName: "Alice"}}
	adp.events <- adapter.Event{Type: adapter.EventParticipantLeave, Payload: adapter.ParticipantLeave{PlatformUUID: "p1"}}
	adp.events <- adapter.Event{Type: adapter.EventMeetingEnded}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(parts.events) != 2 {
		t.Fatalf("expected 2 participant events recorded, got %d", len(parts.events))
	}
	if parts.events[0].EventType != botdomain.ParticipantEventJoin {
		t.Fatalf("expected first event JOIN, got %s", parts.events[0].EventType)
	}
	if parts.events[1].EventType != botdomain.ParticipantEventLeave {
		t.Fatalf("expected second event LEAVE, got %s", parts.events[1].EventType)
	}
}

type recordingRecordingStore struct {
	fakeRecordingStore
	created []*botdomain.Recording
}

func (s *recordingRecordingStore) CreateRecording(ctx context.Context, rec *botdomain.Recording) (*botdomain.Recording, error) {
	rec.ID = "rec-1"
	s.created = append(s.created, rec)
	return rec, nil
}

type startRecordingAdapter struct {
	*fakeAdapter
	started bool
}

func (a *startRecordingAdapter) StartRecording(ctx context.Context) error {
	a.started = true
	return nil
}

func TestController_AutoRecordStartsRecordingOnAdmit(t *testing.T) {
	bot := &botdomain.Bot{
		ID:        "bot-4",
		State:     botdomain.BotStateStaged,
		ProjectID: "proj-4",
		Platform:  botdomain.PlatformGoogleMeet,
		Settings:  botdomain.BotSettings{AutoRecord: true, RecordingType: botdomain.RecordingTypeAudioOnly},
	}
	store := &fakeBotStore{bot: bot}
	recs := &recordingRecordingStore{}
	adp := &startRecordingAdapter{fakeAdapter: newFakeAdapter()}
	c := New("bot-4", store, fakeParticipantStore{}, recs, adp, nil, nil, nil, nil, nil, clock.New(), Config{
		HeartbeatInterval: time.Hour,
		ShutdownTimeout:   time.Second,
	})

	adp.events <- adapter.Event{Type: adapter.EventAdmitted}
	adp.events <- adapter.Event{Type: adapter.EventMeetingEnded}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !adp.started {
		t.Fatal("expected adapter.StartRecording to be called")
	}
	if len(recs.created) != 1 {
		t.Fatalf("expected one recording created, got %d", len(recs.created))
	}
	if bot.State != botdomain.BotStateEnded {
		t.Fatalf("expected bot ended, got %s (sub %s)", bot.State, bot.SubState)
	}
}
