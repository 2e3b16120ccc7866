package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/repository"
)

type BotRepository struct {
	pool *pgxpool.Pool
}

func NewBotRepository(pool *pgxpool.Pool) *BotRepository {
	return &BotRepository{pool: pool}
}

func (r *BotRepository) CreateBot(ctx context.Context, input repository.CreateBotInput) (*botdomain.Bot, error) {
	settingsJSON, err := json.Marshal(input.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal bot settings: %w", err)
	}
	metadataJSON, err := json.Marshal(input.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal bot metadata: %w", err)
	}

	var dedupKey *string
	if input.DeduplicationKey != "" {
		dedupKey = &input.DeduplicationKey
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO bots (project_id, object_id, meeting_url, name, platform, state, join_at, deduplication_key, settings, metadata)
		 VALUES ($1, $2, $3, $4, $5, 'SCHEDULED', $6, $7, $8, $9)
		 RETURNING id, project_id, object_id, meeting_url, name, platform, state, sub_state, join_at, deduplication_key, settings, metadata, heartbeat_at, launched_at, created_at, updated_at`,
		input.ProjectID, input.ObjectID, input.MeetingURL, input.Name, string(input.Platform), input.JoinAt, dedupKey, settingsJSON, metadataJSON,
	)

	bot, err := scanBot(row)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" && dedupKey != nil {
			var existingID string
			lookupErr := r.pool.QueryRow(ctx,
				`SELECT id::text FROM bots WHERE project_id = $1 AND deduplication_key = $2 AND state NOT IN ('ENDED', 'FATAL_ERROR')`,
				input.ProjectID, *dedupKey,
			).Scan(&existingID)
			if lookupErr == nil {
				return nil, &repository.ErrDuplicateKey{ExistingBotID: existingID}
			}
		}
		return nil, fmt.Errorf("insert bot: %w", err)
	}
	return bot, nil
}

func (r *BotRepository) GetBot(ctx context.Context, botID string) (*botdomain.Bot, error) {
	row := r.pool.QueryRow(ctx, selectBotColumns+` FROM bots WHERE id = $1`, botID)
	bot, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get bot %s: %w", botID, err)
	}
	return bot, nil
}

func (r *BotRepository) GetBotByObjectID(ctx context.Context, projectID, objectID string) (*botdomain.Bot, error) {
	row := r.pool.QueryRow(ctx, selectBotColumns+` FROM bots WHERE project_id = $1 AND object_id = $2`, projectID, objectID)
	bot, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get bot by object id %s: %w", objectID, err)
	}
	return bot, nil
}

// Transition runs the whole read-modify-write-and-log sequence inside
// one transaction: lock the Bot row with SELECT ... FOR UPDATE, call
// apply, then persist the new state and insert the BotEvent, per
// spec.md §5.
func (r *BotRepository) Transition(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, error)) (*botdomain.Bot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectBotColumns+` FROM bots WHERE id = $1 FOR UPDATE`, botID)
	bot, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lock bot %s: %w", botID, err)
	}

	oldState := bot.State
	newState, subState, eventType, eventMeta, err := apply(bot)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bots SET state = $1, sub_state = $2, updated_at = now() WHERE id = $3`,
		string(newState), subState, botID,
	); err != nil {
		return nil, fmt.Errorf("update bot state: %w", err)
	}

	if eventType != "" {
		metaJSON, merr := json.Marshal(eventMeta)
		if merr != nil {
			return nil, fmt.Errorf("marshal bot event metadata: %w", merr)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bot_events (bot_id, old_state, new_state, event_type, sub_type, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			botID, string(oldState), string(newState), eventType, subState, metaJSON,
		); err != nil {
			return nil, fmt.Errorf("insert bot event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition transaction: %w", err)
	}

	bot.State = newState
	bot.SubState = subState
	return bot, nil
}

// TransitionWithDebit is Transition with an optional organization
// debit executed against the same tx before commit, so a crash (or a
// debit failure) between writing the terminal BotEvent and debiting
// credits is impossible — both happen, or neither does.
func (r *BotRepository) TransitionWithDebit(ctx context.Context, botID string, apply func(*botdomain.Bot) (botdomain.BotState, string, string, map[string]any, *repository.DebitRequest, error)) (*botdomain.Bot, *repository.DebitResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transition transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectBotColumns+` FROM bots WHERE id = $1 FOR UPDATE`, botID)
	bot, err := scanBot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, repository.ErrNotFound
		}
		return nil, nil, fmt.Errorf("lock bot %s: %w", botID, err)
	}

	oldState := bot.State
	newState, subState, eventType, eventMeta, debit, err := apply(bot)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bots SET state = $1, sub_state = $2, updated_at = now() WHERE id = $3`,
		string(newState), subState, botID,
	); err != nil {
		return nil, nil, fmt.Errorf("update bot state: %w", err)
	}

	if eventType != "" {
		metaJSON, merr := json.Marshal(eventMeta)
		if merr != nil {
			return nil, nil, fmt.Errorf("marshal bot event metadata: %w", merr)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bot_events (bot_id, old_state, new_state, event_type, sub_type, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			botID, string(oldState), string(newState), eventType, subState, metaJSON,
		); err != nil {
			return nil, nil, fmt.Errorf("insert bot event: %w", err)
		}
	}

	var debitResult *repository.DebitResult
	if debit != nil {
		newBalance, crossed, err := debitBalance(ctx, tx, debit.OrgID, debit.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("debit organization %s within transition: %w", debit.OrgID, err)
		}
		debitResult = &repository.DebitResult{NewBalance: newBalance, CrossedLowThreshold: crossed}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transition transaction: %w", err)
	}

	bot.State = newState
	bot.SubState = subState
	return bot, debitResult, nil
}

func (r *BotRepository) ListDueScheduled(ctx context.Context, now time.Time, preRoll time.Duration, limit int) ([]*botdomain.Bot, error) {
	rows, err := r.pool.Query(ctx,
		selectBotColumns+` FROM bots WHERE state = 'SCHEDULED' AND join_at <= $1 ORDER BY join_at ASC LIMIT $2`,
		now.Add(preRoll), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled bots: %w", err)
	}
	defer rows.Close()
	return scanBots(rows)
}

// ClaimReady uses SKIP LOCKED so multiple dispatcher replicas racing
// a tick never claim the same Bot twice, per spec.md §5. A bot whose
// last launch attempt failed with a launcher.CapacityError is excluded
// until its backoff window (next_launch_attempt_at) elapses.
func (r *BotRepository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*botdomain.Bot, error) {
	rows, err := r.pool.Query(ctx,
		selectBotColumns+` FROM bots WHERE state = 'READY' AND (next_launch_attempt_at IS NULL OR next_launch_attempt_at <= $1) ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready bots: %w", err)
	}
	defer rows.Close()
	return scanBots(rows)
}

// ScheduleLaunchRetry records a capacity-related launch failure:
// increments the attempt counter, stamps first_launch_attempt_at on
// the first failure, and sets when the bot becomes claimable again.
// ScheduleLaunchRetry also resets the bot back to READY/"" — the
// dispatcher already moved it to STAGED before attempting the launch
// that failed, and a capacity error means the launch attempt itself
// never happened, not that the bot reached a worker.
func (r *BotRepository) ScheduleLaunchRetry(ctx context.Context, botID string, nextAttemptAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bots SET
			state = 'READY',
			sub_state = '',
			launch_attempts = launch_attempts + 1,
			first_launch_attempt_at = COALESCE(first_launch_attempt_at, now()),
			next_launch_attempt_at = $1,
			updated_at = now()
		 WHERE id = $2`,
		nextAttemptAt, botID,
	)
	if err != nil {
		return fmt.Errorf("schedule launch retry for bot %s: %w", botID, err)
	}
	return nil
}

func (r *BotRepository) ListStaleHeartbeats(ctx context.Context, now time.Time, timeout time.Duration) ([]*botdomain.Bot, error) {
	rows, err := r.pool.Query(ctx,
		selectBotColumns+` FROM bots WHERE state NOT IN ('ENDED', 'FATAL_ERROR', 'SCHEDULED', 'READY') AND heartbeat_at IS NOT NULL AND heartbeat_at < $1`,
		now.Add(-timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale heartbeats: %w", err)
	}
	defer rows.Close()
	return scanBots(rows)
}

func (r *BotRepository) UpdateHeartbeat(ctx context.Context, botID string, at time.Time, snapshot botdomain.HeartbeatSnapshot) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bots SET heartbeat_at = $1, last_cpu_seconds = $2, last_memory_bytes = $3 WHERE id = $4`,
		at, snapshot.CPUSeconds, snapshot.MemoryBytes, botID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat for bot %s: %w", botID, err)
	}
	return nil
}

func (r *BotRepository) MarkLaunched(ctx context.Context, botID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bots SET launched_at = $1, launch_attempts = 0, first_launch_attempt_at = NULL, next_launch_attempt_at = NULL WHERE id = $2`,
		at, botID,
	)
	if err != nil {
		return fmt.Errorf("mark bot %s launched: %w", botID, err)
	}
	return nil
}

// ClaimPendingCommand atomically reads and clears pending_command in
// one round trip, so a racing second poll from the same worker never
// double-acts on an operator-queued pause/resume.
func (r *BotRepository) ClaimPendingCommand(ctx context.Context, botID string) (string, error) {
	var command string
	err := r.pool.QueryRow(ctx,
		`WITH before AS (
			SELECT pending_command FROM bots WHERE id = $1 FOR UPDATE
		 )
		 UPDATE bots SET pending_command = '' WHERE id = $1
		 RETURNING (SELECT pending_command FROM before)`,
		botID,
	).Scan(&command)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("claim pending command for bot %s: %w", botID, err)
	}
	return command, nil
}

func (r *BotRepository) ExistsNonTerminal(ctx context.Context, botID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bots WHERE id = $1 AND state NOT IN ('ENDED', 'FATAL_ERROR'))`,
		botID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check non-terminal bot %s: %w", botID, err)
	}
	return exists, nil
}

func (r *BotRepository) ListEvents(ctx context.Context, botID string) ([]botdomain.BotEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, bot_id, old_state, new_state, event_type, sub_type, metadata, created_at
		 FROM bot_events WHERE bot_id = $1 ORDER BY created_at ASC`,
		botID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bot events for %s: %w", botID, err)
	}
	defer rows.Close()

	var events []botdomain.BotEvent
	for rows.Next() {
		var e botdomain.BotEvent
		var oldState, newState string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.BotID, &oldState, &newState, &e.EventType, &e.SubType, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot event: %w", err)
		}
		e.OldState = botdomain.BotState(oldState)
		e.NewState = botdomain.BotState(newState)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal bot event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const selectBotColumns = `SELECT id, project_id, object_id, meeting_url, name, platform, state, sub_state, join_at, deduplication_key, settings, metadata, heartbeat_at, launched_at, created_at, updated_at`

func scanBot(row pgx.Row) (*botdomain.Bot, error) {
	var b botdomain.Bot
	var platform, state string
	var dedupKey *string
	var settingsJSON, metadataJSON []byte
	var heartbeatAt *time.Time

	err := row.Scan(
		&b.ID, &b.ProjectID, &b.ObjectID, &b.MeetingURL, &b.Name, &platform, &state, &b.SubState,
		&b.JoinAt, &dedupKey, &settingsJSON, &metadataJSON, &heartbeatAt, &b.LaunchedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Platform = botdomain.Platform(platform)
	b.State = botdomain.BotState(state)
	if dedupKey != nil {
		b.DeduplicationKey = *dedupKey
	}
	if heartbeatAt != nil {
		b.HeartbeatAt = *heartbeatAt
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &b.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal bot settings: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &b.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal bot metadata: %w", err)
		}
	}
	return &b, nil
}

func scanBots(rows pgx.Rows) ([]*botdomain.Bot, error) {
	var bots []*botdomain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}
