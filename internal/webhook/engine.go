package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meetingbots/orchestrator/internal/clock"
)

// SubscriptionLister resolves the subscriptions interested in a
// trigger for a project; backed by repository.WebhookRepository in
// production.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, projectID string, trigger string) ([]Subscription, error)
	GetSubscription(ctx context.Context, id string) (Subscription, error)
}

// DeliveryQueue is the repository-backed persistence for delivery
// attempts — enqueue on trigger, claim-with-SKIP-LOCKED on the
// delivery tier (spec.md §5).
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, attempt DeliveryAttempt) error
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]DeliveryAttempt, error)
	RecordAttemptResult(ctx context.Context, attemptID string, success bool, responseBody string, nextAttemptAt *time.Time) error
}

// Engine matches triggers to subscriptions, signs and enqueues
// deliveries, and drains the queue with retry/backoff. Per-bot
// delivery order is not guaranteed across subscriptions but is
// serialized per (subscription, bot) for state-change triggers via
// perKeyQueues (spec.md §4.8 "Ordering").
type Engine struct {
	subs    SubscriptionLister
	queue   DeliveryQueue
	sender  Sender
	clock   clock.Clock
	workers int

	mu           sync.Mutex
	perKeyQueues map[string]chan struct{} // serializes state-change deliveries per (subscription, bot)
}

func NewEngine(subs SubscriptionLister, queue DeliveryQueue, sender Sender, c clock.Clock, workers int) *Engine {
	return &Engine{
		subs:         subs,
		queue:        queue,
		sender:       sender,
		clock:        c,
		workers:      workers,
		perKeyQueues: make(map[string]chan struct{}),
	}
}

// Fire matches trigger against the project's active subscriptions and
// enqueues one DeliveryAttempt per matching subscription.
func (e *Engine) Fire(ctx context.Context, projectID string, trigger Trigger, botID, appSessionID string, data map[string]any, idempotencyKey string) error {
	subs, err := e.subs.ListSubscriptions(ctx, projectID, string(trigger))
	if err != nil {
		return fmt.Errorf("list webhook subscriptions: %w", err)
	}
	now := e.clock.Now()
	for _, sub := range subs {
		if !sub.Subscribes(trigger) {
			continue
		}
		attempt := DeliveryAttempt{
			SubscriptionID: sub.ID,
			BotID:          botID,
			AppSessionID:   appSessionID,
			Trigger:        trigger,
			Payload: Payload{
				Trigger:        trigger,
				BotID:          botID,
				AppSessionID:   appSessionID,
				Data:           data,
				IdempotencyKey: idempotencyKey,
				Timestamp:      now,
			},
			AttemptCount:   0,
			FirstAttemptAt: now,
			NextAttemptAt:  now,
			Status:         DeliveryStatusPending,
		}
		if err := e.queue.EnqueueDelivery(ctx, attempt); err != nil {
			slog.Error("failed to enqueue webhook delivery", "error", err, "subscription_id", sub.ID, "trigger", trigger)
			return fmt.Errorf("enqueue webhook delivery: %w", err)
		}
	}
	return nil
}

// RunDeliveryWorker drains due deliveries until ctx is cancelled. It
// is meant to run under the "run-webhook-delivery" CLI subcommand, one
// or more instances per spec.md §5's "delivery tier: a pool of
// workers draining the webhook queue".
func (e *Engine) RunDeliveryWorker(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.drainOnce(ctx); err != nil {
				slog.Error("webhook delivery drain failed", "error", err)
			}
		}
	}
}

func (e *Engine) drainOnce(ctx context.Context) error {
	due, err := e.queue.ClaimDueDeliveries(ctx, e.clock.Now(), e.workers*4)
	if err != nil {
		return fmt.Errorf("claim due deliveries: %w", err)
	}
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)
	for _, attempt := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(a DeliveryAttempt) {
			defer wg.Done()
			defer func() { <-sem }()
			e.deliver(ctx, a)
		}(attempt)
	}
	wg.Wait()
	return nil
}

func (e *Engine) deliver(ctx context.Context, attempt DeliveryAttempt) {
	key := attempt.SubscriptionID + ":" + attempt.BotID
	release := e.acquireKey(key)
	defer release()

	attempt.AttemptCount++
	sub, err := e.subs.GetSubscription(ctx, attempt.SubscriptionID)
	if err != nil {
		slog.Error("failed to resolve webhook subscription for delivery", "error", err, "subscription_id", attempt.SubscriptionID, "attempt_id", attempt.ID)
		next := NextAttemptAt(attempt.FirstAttemptAt, attempt.AttemptCount+1)
		if !attempt.Exhausted() {
			if rerr := e.queue.RecordAttemptResult(ctx, attempt.ID, false, "", &next); rerr != nil {
				slog.Error("failed to reschedule webhook delivery after lookup failure", "error", rerr, "attempt_id", attempt.ID)
			}
		} else if rerr := e.queue.RecordAttemptResult(ctx, attempt.ID, false, "", nil); rerr != nil {
			slog.Error("failed to record failed webhook delivery after lookup failure", "error", rerr, "attempt_id", attempt.ID)
		}
		return
	}
	result := e.sender.Send(ctx, sub, attempt.Payload)

	if result.Success {
		if err := e.queue.RecordAttemptResult(ctx, attempt.ID, true, TruncateResponseBody(result.ResponseBody), nil); err != nil {
			slog.Error("failed to record successful webhook delivery", "error", err, "attempt_id", attempt.ID)
		}
		return
	}

	if attempt.Exhausted() {
		if err := e.queue.RecordAttemptResult(ctx, attempt.ID, false, TruncateResponseBody(result.ResponseBody), nil); err != nil {
			slog.Error("failed to record failed webhook delivery", "error", err, "attempt_id", attempt.ID)
		}
		return
	}

	next := NextAttemptAt(attempt.FirstAttemptAt, attempt.AttemptCount+1)
	if err := e.queue.RecordAttemptResult(ctx, attempt.ID, false, TruncateResponseBody(result.ResponseBody), &next); err != nil {
		slog.Error("failed to reschedule webhook delivery", "error", err, "attempt_id", attempt.ID)
	}
}

// acquireKey serializes deliveries sharing a (subscription, bot) key
// so that state-change ordering (spec.md §4.8) holds even though the
// worker pool processes many keys concurrently.
func (e *Engine) acquireKey(key string) func() {
	e.mu.Lock()
	ch, ok := e.perKeyQueues[key]
	if !ok {
		ch = make(chan struct{}, 1)
		e.perKeyQueues[key] = ch
	}
	e.mu.Unlock()

	ch <- struct{}{}
	return func() { <-ch }
}
