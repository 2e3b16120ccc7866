// Package credit implements the per-organization billing accounting
// described in spec.md §4.9: a pre-launch balance gate and a runtime
// metering formula, both expressed in arbitrary-precision decimal so
// that fractional-cent drift never accumulates across long-running
// bots.
package credit

import (
	"context"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/meetingbots/orchestrator/internal/botdomain"
)

// decimalContext mirrors chrisconley-potential-telegram's internal/decimal.go precision
// choice: 34 significant digits, enough headroom that repeated
// per-minute debits across a multi-hour meeting never round-trip
// through binary floating point.
var decimalContext = apd.BaseContext.WithPrecision(34)

// RatePerMinute returns the credit cost of one minute of the given
// platform/recording-type combination. Rates are expressed as
// credits (not currency) so that operators can reprice without a
// migration; the table is seeded here and overridden by Organization
// config only when a future admin surface exists (out of scope per
// spec.md §1).
func RatePerMinute(platform botdomain.Platform, recordingType botdomain.RecordingType) (*apd.Decimal, error) {
	key := string(platform) + ":" + string(recordingType)
	rate, ok := ratesPerMinute[key]
	if !ok {
		rate, ok = ratesPerMinute["default:"+string(recordingType)]
	}
	if !ok {
		return nil, fmt.Errorf("no rate configured for platform %q recording type %q", platform, recordingType)
	}
	d := new(apd.Decimal)
	d.Set(rate)
	return d, nil
}

var ratesPerMinute = map[string]*apd.Decimal{
	"default:" + string(botdomain.RecordingTypeAudioOnly): apd.New(1, -1),  // 0.1 credit/min
	"default:" + string(botdomain.RecordingTypeAudioAndVideo): apd.New(3, -1), // 0.3 credit/min
	string(botdomain.PlatformZoomRtms) + ":" + string(botdomain.RecordingTypeAudioOnly): apd.New(5, -2), // RTMS is cheaper: no media pipeline
}

// MeteredCost computes rate(platform, recording_type) x duration_minutes,
// per spec.md §4.9. duration is accepted in whole seconds since that
// is the granularity heartbeats and the final duration_ms field
// report at.
func MeteredCost(platform botdomain.Platform, recordingType botdomain.RecordingType, durationSeconds int64) (*apd.Decimal, error) {
	rate, err := RatePerMinute(platform, recordingType)
	if err != nil {
		return nil, err
	}
	minutes := new(apd.Decimal)
	_, err = decimalContext.Quo(minutes, apd.New(durationSeconds, 0), apd.New(60, 0))
	if err != nil {
		return nil, fmt.Errorf("compute duration in minutes: %w", err)
	}
	cost := new(apd.Decimal)
	if _, err := decimalContext.Mul(cost, rate, minutes); err != nil {
		return nil, fmt.Errorf("multiply rate by duration: %w", err)
	}
	return cost, nil
}

// BalanceRepository is the narrow persistence surface Gate and Meter
// need; repository.CreditRepository satisfies it.
type BalanceRepository interface {
	GetBalance(ctx context.Context, orgID string) (*apd.Decimal, error)
	Debit(ctx context.Context, orgID string, amount *apd.Decimal) (newBalance *apd.Decimal, crossedLowThreshold bool, err error)
	RefusesLaunch(ctx context.Context, orgID string, allowNegative bool) (bool, error)
}

// LowCreditNotifier is invoked when a Debit crosses an organization's
// low_credit_threshold, so the dispatcher can fire the
// organization.credits_low webhook trigger (spec.md §4.8) without the
// credit package importing the webhook package directly.
type LowCreditNotifier interface {
	NotifyLowCredit(ctx context.Context, orgID string, balance *apd.Decimal)
}

// Gate enforces the pre-launch balance check from spec.md §4.9: a
// Bot may not leave READY for STAGED if its organization's balance is
// at or below zero, unless AllowNegativeCredits is configured.
type Gate struct {
	repo              BalanceRepository
	allowNegative     bool
}

func NewGate(repo BalanceRepository, allowNegative bool) *Gate {
	return &Gate{repo: repo, allowNegative: allowNegative}
}

// Allow returns nil if the organization may launch a bot, or
// ErrInsufficientCredit otherwise.
func (g *Gate) Allow(ctx context.Context, orgID string) error {
	refused, err := g.repo.RefusesLaunch(ctx, orgID, g.allowNegative)
	if err != nil {
		return fmt.Errorf("check launch eligibility: %w", err)
	}
	if refused {
		return &ErrInsufficientCredit{OrgID: orgID}
	}
	return nil
}

type ErrInsufficientCredit struct {
	OrgID string
}

func (e *ErrInsufficientCredit) Error() string {
	return fmt.Sprintf("organization %s has insufficient credits to launch a bot", e.OrgID)
}

// Meter debits the metered cost of a completed (or heartbeat-interval)
// segment of bot runtime and notifies on low-balance crossing.
type Meter struct {
	repo     BalanceRepository
	notifier LowCreditNotifier
}

func NewMeter(repo BalanceRepository, notifier LowCreditNotifier) *Meter {
	return &Meter{repo: repo, notifier: notifier}
}

func (m *Meter) DebitForSegment(ctx context.Context, orgID string, platform botdomain.Platform, recordingType botdomain.RecordingType, durationSeconds int64) error {
	cost, err := MeteredCost(platform, recordingType, durationSeconds)
	if err != nil {
		return err
	}
	newBalance, crossed, err := m.repo.Debit(ctx, orgID, cost)
	if err != nil {
		return fmt.Errorf("debit organization %s: %w", orgID, err)
	}
	m.Notify(ctx, orgID, newBalance, crossed)
	return nil
}

// Notify fires the low-credit notification for a debit performed
// outside Meter itself, e.g. one run atomically inside
// repository.BotRepository.TransitionWithDebit's transaction.
func (m *Meter) Notify(ctx context.Context, orgID string, newBalance *apd.Decimal, crossed bool) {
	if crossed && m.notifier != nil {
		m.notifier.NotifyLowCredit(ctx, orgID, newBalance)
	}
}
