// Package dispatcher implements the scheduler tier from spec.md §4.3:
// promoting SCHEDULED bots to READY as their join_at arrives,
// claiming READY bots and launching workers for them, and sweeping
// stale heartbeats into FATAL_ERROR. Leader election across multiple
// dispatcher replicas uses a Postgres advisory lock, held by
// external/repository/postgres and exposed here as LeaderLock.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/clock"
	"github.com/meetingbots/orchestrator/internal/launcher"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

// CreditGate is the narrow credit.Gate surface the dispatcher checks
// before launching a STAGED bot's worker, per spec.md §4.9's
// pre-launch balance gate.
type CreditGate interface {
	Allow(ctx context.Context, orgID string) error
}

// BotStore is the narrow slice of repository.BotRepository the
// dispatcher needs.
type BotStore interface {
	ListDueScheduled(ctx context.Context, now time.Time, preRoll time.Duration, limit int) ([]*botdomain.Bot, error)
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]*botdomain.Bot, error)
	ListStaleHeartbeats(ctx context.Context, now time.Time, timeout time.Duration) ([]*botdomain.Bot, error)
	Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error)) (*botdomain.Bot, error)
	MarkLaunched(ctx context.Context, botID string, at time.Time) error

	// ScheduleLaunchRetry records a launch attempt that failed with a
	// launcher.CapacityError, resetting the bot back to READY so a
	// later tick retries it once nextAttemptAt elapses.
	ScheduleLaunchRetry(ctx context.Context, botID string, nextAttemptAt time.Time) error
	ExistsNonTerminal(ctx context.Context, botID string) (bool, error)
}

// CreditDebiter is the narrow credit.Meter surface the dispatcher uses
// to finalize billing for a bot whose heartbeat went stale before it
// reached shutdown through the normal controller path, per spec.md
// §4.2 item 3 / §8's "credits finalized from last known runtime".
type CreditDebiter interface {
	DebitForSegment(ctx context.Context, orgID string, platform botdomain.Platform, recordingType botdomain.RecordingType, durationSeconds int64) error
}

// OrphanLister is implemented by launchers that can enumerate workers
// running outside this process's memory, e.g. containers that survive
// a dispatcher restart. Launch/Stop only track a Handle the dispatcher
// already holds; orphan detection needs a way to list and stop workers
// independent of any in-memory Handle, per spec.md's supplemented
// "orphaned-container cleanup" feature.
type OrphanLister interface {
	ListRunningBotIDs(ctx context.Context) ([]string, error)
	StopOrphan(ctx context.Context, botID string) error
}

// LeaderLock wraps a Postgres advisory lock (pg_try_advisory_lock) so
// only one dispatcher replica runs ticks at a time, per spec.md §5.
type LeaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// WebhookFirer is the narrow webhook.Engine surface the dispatcher uses
// to notify a project when a bot's launch is refused for insufficient
// credit.
type WebhookFirer interface {
	Fire(ctx context.Context, projectID string, trigger webhook.Trigger, botID, appSessionID string, data map[string]any, idempotencyKey string) error
}

// Config carries the timers spec.md §4.3 names: how far ahead of
// join_at a bot becomes READY, how many bots to claim per tick, and
// the heartbeat staleness timeout.
type Config struct {
	PreRoll          time.Duration
	ClaimBatchSize   int
	HeartbeatTimeout time.Duration

	// LaunchRetryTimeout bounds how long a bot stuck behind
	// launcher.CapacityError keeps retrying with exponential backoff
	// before the dispatcher gives up and marks it FATAL_ERROR. Defaults
	// to 10 minutes (T_launch_retry) when zero.
	LaunchRetryTimeout time.Duration
}

const defaultLaunchRetryTimeout = 10 * time.Minute

// launchBackoffBase is the initial delay before the first capacity-error
// retry; it doubles on each subsequent attempt up to LaunchRetryTimeout.
const launchBackoffBase = 5 * time.Second

type Dispatcher struct {
	store    BotStore
	launcher launcher.Launcher
	lock     LeaderLock
	clock    clock.Clock
	gate     CreditGate
	meter    CreditDebiter
	webhooks WebhookFirer
	cfg      Config
}

func New(store BotStore, l launcher.Launcher, lock LeaderLock, c clock.Clock, gate CreditGate, meter CreditDebiter, webhooks WebhookFirer, cfg Config) *Dispatcher {
	if cfg.LaunchRetryTimeout <= 0 {
		cfg.LaunchRetryTimeout = defaultLaunchRetryTimeout
	}
	return &Dispatcher{store: store, launcher: l, lock: lock, clock: c, gate: gate, meter: meter, webhooks: webhooks, cfg: cfg}
}

// Run ticks every interval until ctx is cancelled, attempting leader
// election on every tick so a replica that loses the lock yields and
// a replica that never had it can take over without a restart.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				slog.Error("dispatcher tick failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	acquired, err := d.lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire dispatcher leader lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := d.lock.Release(ctx); err != nil {
			slog.Error("failed to release dispatcher leader lock", "error", err)
		}
	}()

	now := d.clock.Now()

	if err := d.promoteScheduled(ctx, now); err != nil {
		return err
	}
	if err := d.launchReady(ctx); err != nil {
		return err
	}
	if err := d.sweepStaleHeartbeats(ctx, now); err != nil {
		return err
	}
	if err := d.sweepOrphanedWorkers(ctx); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) promoteScheduled(ctx context.Context, now time.Time) error {
	due, err := d.store.ListDueScheduled(ctx, now, d.cfg.PreRoll, d.cfg.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("list due scheduled bots: %w", err)
	}
	for _, bot := range due {
		_, err := d.store.Transition(ctx, bot.ID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
			return botdomain.BotStateReady, "", "join_at_reached", nil, nil
		})
		if err != nil {
			slog.Error("failed to promote scheduled bot to ready", "error", err, "bot_id", bot.ID)
		}
	}
	return nil
}

func (d *Dispatcher) launchReady(ctx context.Context) error {
	now := d.clock.Now()
	ready, err := d.store.ClaimReady(ctx, now, d.cfg.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("claim ready bots: %w", err)
	}
	for _, bot := range ready {
		// ProjectID stands in for the owning organization's credit
		// account until a separate Organization entity is wired up;
		// see DESIGN.md.
		if d.gate != nil {
			if err := d.gate.Allow(ctx, bot.ProjectID); err != nil {
				slog.Info("refusing to launch bot due to insufficient credit", "bot_id", bot.ID, "error", err)
				d.refuseLaunch(ctx, bot, err)
				continue
			}
		}

		if _, err := d.store.Transition(ctx, bot.ID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
			return botdomain.BotStateStaged, "", "launch", nil, nil
		}); err != nil {
			slog.Error("failed to stage bot", "error", err, "bot_id", bot.ID)
			continue
		}

		if _, err := d.launcher.Launch(ctx, bot.ID); err != nil {
			d.handleLaunchFailure(ctx, bot, err)
			continue
		}
		if err := d.store.MarkLaunched(ctx, bot.ID, d.clock.Now()); err != nil {
			slog.Error("failed to record worker launch time", "error", err, "bot_id", bot.ID)
		}
	}
	return nil
}

// refuseLaunch keeps a credit-refused bot in READY for the dispatcher to
// retry once its balance recovers, rather than burying it in
// FATAL_ERROR. It fires the launch-refused webhook only the first time a
// bot enters this refusal episode — bot.SubState already reads
// "billing_refused" on every later tick until something changes it — so
// a bot stuck behind a drained balance does not re-fire the webhook (and
// re-insert a DeliveryAttempt row) on every dispatcher tick.
func (d *Dispatcher) refuseLaunch(ctx context.Context, bot *botdomain.Bot, cause error) {
	alreadyRefused := bot.SubState == "billing_refused"
	if _, terr := d.store.Transition(ctx, bot.ID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
		return botdomain.BotStateReady, "billing_refused", "launch_refused", map[string]any{"error": cause.Error()}, nil
	}); terr != nil {
		slog.Error("failed to record credit refusal", "error", terr, "bot_id", bot.ID)
		return
	}
	if alreadyRefused || d.webhooks == nil {
		return
	}
	if err := d.webhooks.Fire(ctx, bot.ProjectID, webhook.TriggerBotLaunchRefused, bot.ID, "",
		map[string]any{"reason": "insufficient_credit"}, bot.ID+":launch_refused",
	); err != nil {
		slog.Error("failed to fire launch-refused webhook", "error", err, "bot_id", bot.ID)
	}
}

// handleLaunchFailure classifies a launcher.Launch error: a
// launcher.CapacityError is transient (the backend is momentarily out of
// room, not this bot's launch being unrecoverable), so the bot is left
// in READY and retried with exponential backoff up to
// Config.LaunchRetryTimeout before finally being marked FATAL_ERROR. Any
// other error goes straight to FATAL_ERROR, matching the pre-existing
// behavior for non-capacity failures.
func (d *Dispatcher) handleLaunchFailure(ctx context.Context, bot *botdomain.Bot, err error) {
	var capErr *launcher.CapacityError
	if !errors.As(err, &capErr) {
		slog.Error("failed to launch worker", "error", err, "bot_id", bot.ID)
		d.failLaunch(ctx, bot, err)
		return
	}

	delay := launchBackoffDelay(bot.LaunchAttempts, d.cfg.LaunchRetryTimeout)
	elapsedSinceFirst := time.Duration(0)
	if bot.FirstLaunchAttemptAt != nil {
		elapsedSinceFirst = d.clock.Now().Sub(*bot.FirstLaunchAttemptAt)
	}
	if elapsedSinceFirst >= d.cfg.LaunchRetryTimeout {
		slog.Error("giving up on bot after exhausting launch retry window", "error", err, "bot_id", bot.ID, "attempts", bot.LaunchAttempts)
		d.failLaunch(ctx, bot, err)
		return
	}

	slog.Info("worker launch hit capacity error, scheduling retry", "error", err, "bot_id", bot.ID, "attempt", bot.LaunchAttempts+1, "retry_in", delay)
	if terr := d.store.ScheduleLaunchRetry(ctx, bot.ID, d.clock.Now().Add(delay)); terr != nil {
		slog.Error("failed to schedule launch retry", "error", terr, "bot_id", bot.ID)
	}
}

func (d *Dispatcher) failLaunch(ctx context.Context, bot *botdomain.Bot, cause error) {
	if _, terr := d.store.Transition(ctx, bot.ID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
		return botdomain.BotStateFatalError, "launch_failed", "unrecoverable_error", map[string]any{"error": cause.Error()}, nil
	}); terr != nil {
		slog.Error("failed to mark bot fatal after launch failure", "error", terr, "bot_id", bot.ID)
	}
}

// launchBackoffDelay doubles launchBackoffBase per prior attempt, capped
// at the overall retry window so a long string of attempts never waits
// longer than giving up would take anyway.
func launchBackoffDelay(priorAttempts int, cap time.Duration) time.Duration {
	delay := launchBackoffBase * time.Duration(math.Pow(2, float64(priorAttempts)))
	if delay > cap {
		delay = cap
	}
	return delay
}

func (d *Dispatcher) sweepStaleHeartbeats(ctx context.Context, now time.Time) error {
	stale, err := d.store.ListStaleHeartbeats(ctx, now, d.cfg.HeartbeatTimeout)
	if err != nil {
		return fmt.Errorf("list stale heartbeats: %w", err)
	}
	for _, bot := range stale {
		if d.meter != nil {
			d.debitLastKnownRuntime(ctx, bot, now)
		}
		if _, err := d.store.Transition(ctx, bot.ID, func(b *botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error) {
			return botdomain.BotStateFatalError, "heartbeat_timeout", "unrecoverable_error", nil, nil
		}); err != nil {
			slog.Error("failed to mark bot fatal after heartbeat timeout", "error", err, "bot_id", bot.ID)
		}
	}
	return nil
}

// debitLastKnownRuntime finalizes billing for a bot whose heartbeat
// went stale: it charges through the last heartbeat actually
// received, not through now, since nothing past that point is known
// to have run.
func (d *Dispatcher) debitLastKnownRuntime(ctx context.Context, bot *botdomain.Bot, now time.Time) {
	if bot.LaunchedAt == nil {
		return
	}
	end := bot.HeartbeatAt
	if end.IsZero() || end.Before(*bot.LaunchedAt) {
		end = now
	}
	durationSeconds := int64(end.Sub(*bot.LaunchedAt).Seconds())
	if durationSeconds <= 0 {
		return
	}
	if err := d.meter.DebitForSegment(ctx, bot.ProjectID, bot.Platform, bot.Settings.RecordingType, durationSeconds); err != nil {
		slog.Error("failed to debit credits for stale heartbeat bot", "error", err, "bot_id", bot.ID)
	}
}

// sweepOrphanedWorkers stops workers the launcher reports running with
// no corresponding non-terminal Bot row, e.g. a container left behind
// by a dispatcher that crashed between Launch and MarkLaunched. Only
// launchers implementing OrphanLister are swept; the process launcher
// has no out-of-band way to enumerate its children and is skipped.
func (d *Dispatcher) sweepOrphanedWorkers(ctx context.Context) error {
	lister, ok := d.launcher.(OrphanLister)
	if !ok {
		return nil
	}
	running, err := lister.ListRunningBotIDs(ctx)
	if err != nil {
		return fmt.Errorf("list running workers: %w", err)
	}
	for _, botID := range running {
		exists, err := d.store.ExistsNonTerminal(ctx, botID)
		if err != nil {
			slog.Error("failed to check orphaned worker candidate", "error", err, "bot_id", botID)
			continue
		}
		if exists {
			continue
		}
		slog.Info("stopping orphaned worker with no matching non-terminal bot", "bot_id", botID)
		if err := lister.StopOrphan(ctx, botID); err != nil {
			slog.Error("failed to stop orphaned worker", "error", err, "bot_id", botID)
		}
	}
	return nil
}
