// Package repository defines the persistence interfaces the core
// depends on. Concrete implementations live under
// external/repository/postgres; the core never imports pgx directly.
package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// ErrDuplicateKey is returned by CreateBot when a non-terminal Bot
// with the same (project, deduplication_key) already exists. The
// error carries the existing Bot's id in ExistingBotID so the caller
// can return that Bot and satisfy the idempotence property in spec.md §8.
type ErrDuplicateKey struct {
	ExistingBotID string
}

func (e *ErrDuplicateKey) Error() string {
	return "a non-terminal bot with this deduplication key already exists"
}

// DebitRequest names the organization debit a BotRepository.Transition
// apply callback wants run in the same transaction as its state
// transition.
type DebitRequest struct {
	OrgID  string
	Amount *apd.Decimal
}

// DebitResult is the outcome of a DebitRequest, mirroring
// CreditRepository.Debit's return shape so callers can still fire the
// low-credit notification after the transaction commits.
type DebitResult struct {
	NewBalance          *apd.Decimal
	CrossedLowThreshold bool
}

type CreateBotInput struct {
	ProjectID        string
	ObjectID         string
	MeetingURL       string
	Name             string
	Platform         botdomain.Platform
	JoinAt           *time.Time
	DeduplicationKey string
	Settings         botdomain.BotSettings
	Metadata         map[string]any
}

// BotRepository owns transactional Bot state transitions. Transition
// performs SELECT ... FOR UPDATE on the Bot row, calls apply (which
// should wrap statemachine.Transition), inserts the resulting
// BotEvent, and commits — all inside one transaction, per spec.md §5.
type BotRepository interface {
	CreateBot(ctx context.Context, input CreateBotInput) (*botdomain.Bot, error)
	GetBot(ctx context.Context, botID string) (*botdomain.Bot, error)
	GetBotByObjectID(ctx context.Context, projectID, objectID string) (*botdomain.Bot, error)

	// Transition locks the Bot row, invokes apply with the locked
	// Bot, persists the state/sub-state it returns together with a
	// BotEvent row, and returns the updated Bot. apply returning an
	// error aborts the transaction; no row is changed.
	Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (newState botdomain.BotState, subState string, eventType string, eventMeta map[string]any, err error)) (*botdomain.Bot, error)

	// TransitionWithDebit is Transition plus an optional organization
	// debit, run inside the same transaction as the BotEvent insert so
	// the terminal transition and its credit debit commit or roll back
	// together (spec.md §4.9/§8's atomicity requirement). apply returns
	// a nil *DebitRequest when no debit applies to this transition.
	TransitionWithDebit(ctx context.Context, botID string, apply func(*botdomain.Bot) (newState botdomain.BotState, subState string, eventType string, eventMeta map[string]any, debit *DebitRequest, err error)) (*botdomain.Bot, *DebitResult, error)

	ListDueScheduled(ctx context.Context, now time.Time, preRoll time.Duration, limit int) ([]*botdomain.Bot, error)
	// ClaimReady claims up to limit READY bots due for a launch attempt
	// now — either never attempted, or whose backoff window from a
	// prior CapacityError has elapsed.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]*botdomain.Bot, error)

	// ScheduleLaunchRetry records a launch attempt that failed with a
	// launcher.CapacityError: it resets the bot to READY (the dispatcher
	// had already staged it before the failed attempt), increments the
	// attempt counter, and sets when ClaimReady may pick it up again.
	ScheduleLaunchRetry(ctx context.Context, botID string, nextAttemptAt time.Time) error
	ListStaleHeartbeats(ctx context.Context, now time.Time, timeout time.Duration) ([]*botdomain.Bot, error)
	UpdateHeartbeat(ctx context.Context, botID string, at time.Time, snapshot botdomain.HeartbeatSnapshot) error

	// MarkLaunched records when a worker was actually started, so
	// later credit accounting (e.g. finalizing a stale-heartbeat bot's
	// billing) has a start point independent of join_at.
	MarkLaunched(ctx context.Context, botID string, at time.Time) error

	// ClaimPendingCommand atomically reads and clears pending_command,
	// so a worker's control poll and a racing second poll never both
	// act on the same operator-queued pause/resume.
	ClaimPendingCommand(ctx context.Context, botID string) (string, error)

	// ExistsNonTerminal reports whether botID names a Bot row not yet
	// in ENDED or FATAL_ERROR, used by the dispatcher's orphaned-worker
	// sweep to tell a still-valid worker apart from one whose Bot row
	// already reached a terminal state.
	ExistsNonTerminal(ctx context.Context, botID string) (bool, error)

	ListEvents(ctx context.Context, botID string) ([]botdomain.BotEvent, error)
}

type RecordingRepository interface {
	CreateRecording(ctx context.Context, rec *botdomain.Recording) (*botdomain.Recording, error)
	UpdateRecording(ctx context.Context, rec *botdomain.Recording) error
	GetPrimaryRecording(ctx context.Context, botID string) (*botdomain.Recording, error)
	IncrementFramesDropped(ctx context.Context, recordingID string, delta int64) error
}

type ParticipantRepository interface {
	UpsertParticipant(ctx context.Context, botID, platformUUID, fullName, userUUID string) (*botdomain.Participant, error)
	InsertParticipantEvent(ctx context.Context, evt botdomain.ParticipantEvent) error
	InsertChatMessage(ctx context.Context, msg botdomain.ChatMessage) error
	ListParticipants(ctx context.Context, botID string) ([]botdomain.Participant, error)
}

type UtteranceRepository interface {
	InsertUtterance(ctx context.Context, u botdomain.Utterance) error
	ListUtterances(ctx context.Context, recordingID string) ([]botdomain.Utterance, error)
}

// CreditRepository debits an Organization's balance atomically with
// the terminal BotEvent write (spec.md §4.9, §8's accounting
// invariant). Debit is expected to be called from inside the same
// transaction BotRepository.Transition uses for the terminal
// transition — callers compose the two via a shared
// context-scoped transaction handle managed by the postgres
// implementation.
type CreditRepository interface {
	GetBalance(ctx context.Context, orgID string) (*apd.Decimal, error)
	Debit(ctx context.Context, orgID string, amount *apd.Decimal) (newBalance *apd.Decimal, crossedLowThreshold bool, err error)
	RefusesLaunch(ctx context.Context, orgID string, allowNegative bool) (bool, error)
}

type WebhookRepository interface {
	ListSubscriptions(ctx context.Context, projectID string, trigger string) ([]webhook.Subscription, error)
	GetSubscription(ctx context.Context, id string) (webhook.Subscription, error)
	EnqueueDelivery(ctx context.Context, attempt webhook.DeliveryAttempt) error
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]webhook.DeliveryAttempt, error)
	RecordAttemptResult(ctx context.Context, attemptID string, success bool, responseBody string, nextAttemptAt *time.Time) error
}
