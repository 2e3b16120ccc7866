package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
	"github.com/meetingbots/orchestrator/internal/launcher"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

type fakeStore struct {
	due      []*botdomain.Bot
	ready    []*botdomain.Bot
	stale    []*botdomain.Bot
	bots     map[string]*botdomain.Bot
}

func newFakeStore() *fakeStore {
	return &fakeStore{bots: make(map[string]*botdomain.Bot)}
}

func (s *fakeStore) ListDueScheduled(ctx context.Context, now time.Time, preRoll time.Duration, limit int) ([]*botdomain.Bot, error) {
	return s.due, nil
}

func (s *fakeStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*botdomain.Bot, error) {
	return s.ready, nil
}

func (s *fakeStore) ScheduleLaunchRetry(ctx context.Context, botID string, nextAttemptAt time.Time) error {
	bot, ok := s.bots[botID]
	if !ok {
		bot = &botdomain.Bot{ID: botID}
		s.bots[botID] = bot
	}
	bot.State = botdomain.BotStateReady
	bot.SubState = ""
	bot.LaunchAttempts++
	if bot.FirstLaunchAttemptAt == nil {
		now := nextAttemptAt
		bot.FirstLaunchAttemptAt = &now
	}
	bot.NextLaunchAttemptAt = &nextAttemptAt
	return nil
}

func (s *fakeStore) ListStaleHeartbeats(ctx context.Context, now time.Time, timeout time.Duration) ([]*botdomain.Bot, error) {
	return s.stale, nil
}

func (s *fakeStore) Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error)) (*botdomain.Bot, error) {
	bot, ok := s.bots[botID]
	if !ok {
		bot = &botdomain.Bot{ID: botID}
		s.bots[botID] = bot
	}
	newState, sub, _, _, err := apply(bot)
	if err != nil {
		return nil, err
	}
	bot.State = newState
	bot.SubState = sub
	return bot, nil
}

func (s *fakeStore) MarkLaunched(ctx context.Context, botID string, at time.Time) error {
	if bot, ok := s.bots[botID]; ok {
		bot.LaunchedAt = &at
	}
	return nil
}

func (s *fakeStore) ExistsNonTerminal(ctx context.Context, botID string) (bool, error) {
	bot, ok := s.bots[botID]
	if !ok {
		return false, nil
	}
	return !bot.IsTerminal(), nil
}

type fakeLock struct {
	acquireResult bool
	released      bool
}

func (l *fakeLock) TryAcquire(ctx context.Context) (bool, error) { return l.acquireResult, nil }
func (l *fakeLock) Release(ctx context.Context) error             { l.released = true; return nil }

type fakeLauncher struct {
	failFor         map[string]bool
	capacityFailFor map[string]bool
	launched        []string
}

func (l *fakeLauncher) Launch(ctx context.Context, botID string) (launcher.Handle, error) {
	l.launched = append(l.launched, botID)
	if l.failFor[botID] {
		return nil, errors.New("launch failed")
	}
	if l.capacityFailFor[botID] {
		return nil, &launcher.CapacityError{Err: errors.New("no room at the inn")}
	}
	return fakeHandle{botID}, nil
}

type fakeHandle struct{ id string }

func (h fakeHandle) BotID() string                             { return h.id }
func (h fakeHandle) Alive(ctx context.Context) (bool, error)   { return true, nil }
func (h fakeHandle) Stop(ctx context.Context) error            { return nil }

func TestDispatcher_SkipsTickWithoutLeaderLock(t *testing.T) {
	store := newFakeStore()
	store.due = []*botdomain.Bot{{ID: "bot-1", State: botdomain.BotStateScheduled}}
	lock := &fakeLock{acquireResult: false}
	d := New(store, &fakeLauncher{}, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.bots["bot-1"]; ok {
		t.Fatal("expected no transition without leader lock")
	}
}

func TestDispatcher_PromotesAndLaunches(t *testing.T) {
	store := newFakeStore()
	store.due = []*botdomain.Bot{{ID: "bot-1", State: botdomain.BotStateScheduled}}
	store.ready = []*botdomain.Bot{{ID: "bot-2", State: botdomain.BotStateReady}}
	lock := &fakeLock{acquireResult: true}
	l := &fakeLauncher{failFor: map[string]bool{}}
	d := New(store, l, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-1"].State != botdomain.BotStateReady {
		t.Fatalf("expected bot-1 promoted to READY, got %s", store.bots["bot-1"].State)
	}
	if store.bots["bot-2"].State != botdomain.BotStateStaged {
		t.Fatalf("expected bot-2 staged, got %s", store.bots["bot-2"].State)
	}
	if len(l.launched) != 1 || l.launched[0] != "bot-2" {
		t.Fatalf("expected bot-2 launched, got %v", l.launched)
	}
	if !lock.released {
		t.Fatal("expected leader lock released")
	}
}

func TestDispatcher_MarksFatalOnLaunchFailure(t *testing.T) {
	store := newFakeStore()
	store.ready = []*botdomain.Bot{{ID: "bot-3", State: botdomain.BotStateReady}}
	lock := &fakeLock{acquireResult: true}
	l := &fakeLauncher{failFor: map[string]bool{"bot-3": true}}
	d := New(store, l, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-3"].State != botdomain.BotStateFatalError {
		t.Fatalf("expected bot-3 fatal after launch failure, got %s", store.bots["bot-3"].State)
	}
}

func TestDispatcher_SweepsStaleHeartbeats(t *testing.T) {
	store := newFakeStore()
	store.stale = []*botdomain.Bot{{ID: "bot-4", State: botdomain.BotStateJoinedRecording}}
	lock := &fakeLock{acquireResult: true}
	d := New(store, &fakeLauncher{}, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-4"].State != botdomain.BotStateFatalError {
		t.Fatalf("expected bot-4 fatal after stale heartbeat, got %s", store.bots["bot-4"].State)
	}
}

type fakeMeter struct {
	debited []string
}

func (m *fakeMeter) DebitForSegment(ctx context.Context, orgID string, platform botdomain.Platform, recordingType botdomain.RecordingType, durationSeconds int64) error {
	m.debited = append(m.debited, orgID)
	return nil
}

type fakeGate struct {
	refuseFor map[string]bool
}

func (g *fakeGate) Allow(ctx context.Context, orgID string) error {
	if g.refuseFor[orgID] {
		return errors.New("insufficient credit")
	}
	return nil
}

type fakeWebhooks struct {
	fired []webhook.Trigger
}

func (w *fakeWebhooks) Fire(ctx context.Context, projectID string, trigger webhook.Trigger, botID, appSessionID string, data map[string]any, idempotencyKey string) error {
	w.fired = append(w.fired, trigger)
	return nil
}

func TestDispatcher_RefusesLaunchOnInsufficientCreditAndStaysReady(t *testing.T) {
	store := newFakeStore()
	store.ready = []*botdomain.Bot{{ID: "bot-6", ProjectID: "proj-6", State: botdomain.BotStateReady}}
	lock := &fakeLock{acquireResult: true}
	gate := &fakeGate{refuseFor: map[string]bool{"proj-6": true}}
	hooks := &fakeWebhooks{}
	d := New(store, &fakeLauncher{}, lock, clock.New(), gate, nil, hooks, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-6"].State != botdomain.BotStateReady {
		t.Fatalf("expected bot-6 to stay READY after credit refusal, got %s", store.bots["bot-6"].State)
	}
	if store.bots["bot-6"].SubState != "billing_refused" {
		t.Fatalf("expected bot-6 sub_state billing_refused, got %s", store.bots["bot-6"].SubState)
	}
	if len(hooks.fired) != 1 || hooks.fired[0] != webhook.TriggerBotLaunchRefused {
		t.Fatalf("expected one launch-refused webhook, got %v", hooks.fired)
	}

	// A second tick while still refused must not fire the webhook again.
	store.ready = []*botdomain.Bot{store.bots["bot-6"]}
	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(hooks.fired) != 1 {
		t.Fatalf("expected webhook to fire only once across repeated refusals, got %d", len(hooks.fired))
	}
}

func TestDispatcher_SchedulesRetryOnCapacityError(t *testing.T) {
	store := newFakeStore()
	store.ready = []*botdomain.Bot{{ID: "bot-7", State: botdomain.BotStateReady}}
	lock := &fakeLock{acquireResult: true}
	l := &fakeLauncher{capacityFailFor: map[string]bool{"bot-7": true}}
	d := New(store, l, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute, LaunchRetryTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-7"].State != botdomain.BotStateReady {
		t.Fatalf("expected bot-7 to stay READY after capacity error, got %s", store.bots["bot-7"].State)
	}
	if store.bots["bot-7"].LaunchAttempts != 1 {
		t.Fatalf("expected one recorded launch attempt, got %d", store.bots["bot-7"].LaunchAttempts)
	}
	if store.bots["bot-7"].NextLaunchAttemptAt == nil {
		t.Fatal("expected next_launch_attempt_at to be set")
	}
}

func TestDispatcher_GivesUpOnCapacityErrorAfterRetryWindow(t *testing.T) {
	store := newFakeStore()
	firstAttempt := time.Now().Add(-2 * time.Minute)
	store.ready = []*botdomain.Bot{{
		ID:                   "bot-8",
		State:                botdomain.BotStateReady,
		LaunchAttempts:       5,
		FirstLaunchAttemptAt: &firstAttempt,
	}}
	store.bots["bot-8"] = store.ready[0]
	lock := &fakeLock{acquireResult: true}
	l := &fakeLauncher{capacityFailFor: map[string]bool{"bot-8": true}}
	d := New(store, l, lock, clock.New(), nil, nil, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute, LaunchRetryTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.bots["bot-8"].State != botdomain.BotStateFatalError {
		t.Fatalf("expected bot-8 fatal after exhausting retry window, got %s", store.bots["bot-8"].State)
	}
}

func TestDispatcher_DebitsCreditsOnStaleHeartbeat(t *testing.T) {
	launchedAt := time.Now().Add(-20 * time.Second)
	store := newFakeStore()
	store.stale = []*botdomain.Bot{{
		ID:          "bot-5",
		ProjectID:   "proj-5",
		State:       botdomain.BotStateJoinedRecording,
		LaunchedAt:  &launchedAt,
		HeartbeatAt: time.Now(),
	}}
	lock := &fakeLock{acquireResult: true}
	meter := &fakeMeter{}
	d := New(store, &fakeLauncher{}, lock, clock.New(), nil, meter, nil, Config{ClaimBatchSize: 10, HeartbeatTimeout: time.Minute})

	if err := d.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(meter.debited) != 1 || meter.debited[0] != "proj-5" {
		t.Fatalf("expected one debit for proj-5, got %v", meter.debited)
	}
}
