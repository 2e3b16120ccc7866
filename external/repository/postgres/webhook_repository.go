package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/repository"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) ListSubscriptions(ctx context.Context, projectID, trigger string) ([]webhook.Subscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, url, triggers, secret, is_active FROM webhook_subscriptions
		 WHERE project_id = $1 AND is_active AND $2 = ANY(triggers)`,
		projectID, trigger,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var subs []webhook.Subscription
	for rows.Next() {
		var s webhook.Subscription
		var triggers []string
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.URL, &triggers, &s.Secret, &s.IsActive); err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		for _, t := range triggers {
			s.Triggers = append(s.Triggers, webhook.Trigger(t))
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *WebhookRepository) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, project_id, url, triggers, secret, is_active FROM webhook_subscriptions WHERE id = $1`,
		id,
	)
	var s webhook.Subscription
	var triggers []string
	if err := row.Scan(&s.ID, &s.ProjectID, &s.URL, &triggers, &s.Secret, &s.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return webhook.Subscription{}, repository.ErrNotFound
		}
		return webhook.Subscription{}, fmt.Errorf("get webhook subscription %s: %w", id, err)
	}
	for _, t := range triggers {
		s.Triggers = append(s.Triggers, webhook.Trigger(t))
	}
	return s, nil
}

func (r *WebhookRepository) EnqueueDelivery(ctx context.Context, attempt webhook.DeliveryAttempt) error {
	payloadJSON, err := attempt.Payload.Marshal()
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	var botID, appSessionID *string
	if attempt.BotID != "" {
		botID = &attempt.BotID
	}
	if attempt.AppSessionID != "" {
		appSessionID = &attempt.AppSessionID
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO webhook_delivery_attempts (subscription_id, bot_id, app_session_id, trigger, payload, first_attempt_at, next_attempt_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		attempt.SubscriptionID, botID, appSessionID, string(attempt.Trigger), payloadJSON,
		attempt.FirstAttemptAt, attempt.NextAttemptAt, string(webhook.DeliveryStatusPending),
	)
	if err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

// ClaimDueDeliveries uses SKIP LOCKED so multiple delivery workers
// never double-send the same attempt, per spec.md §5.
func (r *WebhookRepository) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]webhook.DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, subscription_id, bot_id, app_session_id, trigger, payload, attempt_count, first_attempt_at, next_attempt_at
		 FROM webhook_delivery_attempts
		 WHERE status = 'PENDING' AND next_attempt_at <= $1
		 ORDER BY subscription_id, bot_id, first_attempt_at
		 LIMIT $2 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due webhook deliveries: %w", err)
	}
	defer rows.Close()

	var attempts []webhook.DeliveryAttempt
	for rows.Next() {
		var a webhook.DeliveryAttempt
		var botID, appSessionID *string
		var payloadJSON []byte
		var trigger string
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &botID, &appSessionID, &trigger, &payloadJSON, &a.AttemptCount, &a.FirstAttemptAt, &a.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery attempt: %w", err)
		}
		a.Trigger = webhook.Trigger(trigger)
		if botID != nil {
			a.BotID = *botID
		}
		if appSessionID != nil {
			a.AppSessionID = *appSessionID
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &a.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal webhook payload: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *WebhookRepository) RecordAttemptResult(ctx context.Context, attemptID string, success bool, responseBody string, nextAttemptAt *time.Time) error {
	status := string(webhook.DeliveryStatusFailure)
	if success {
		status = string(webhook.DeliveryStatusSuccess)
	} else if nextAttemptAt != nil {
		status = string(webhook.DeliveryStatusPending)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_delivery_attempts
		 SET attempt_count = attempt_count + 1,
		     last_attempt_at = now(),
		     next_attempt_at = COALESCE($1, next_attempt_at),
		     status = $2,
		     response_body_list = array_append(response_body_list, $3),
		     succeeded_at = CASE WHEN $4 THEN now() ELSE succeeded_at END
		 WHERE id = $5`,
		nextAttemptAt, status, responseBody, success, attemptID,
	)
	if err != nil {
		return fmt.Errorf("record webhook delivery attempt result for %s: %w", attemptID, err)
	}
	return nil
}
