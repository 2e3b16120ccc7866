package credit

import (
	"context"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/meetingbots/orchestrator/internal/botdomain"
)

func TestMeteredCost_AudioOnly(t *testing.T) {
	cost, err := MeteredCost(botdomain.PlatformGoogleMeet, botdomain.RecordingTypeAudioOnly, 600)
	if err != nil {
		t.Fatal(err)
	}
	want, _, _ := apd.NewFromString("1")
	if cost.Cmp(want) != 0 {
		t.Fatalf("got %s, want 1", cost)
	}
}

func TestMeteredCost_RtmsCheaperThanDefault(t *testing.T) {
	rtms, err := MeteredCost(botdomain.PlatformZoomRtms, botdomain.RecordingTypeAudioOnly, 60)
	if err != nil {
		t.Fatal(err)
	}
	def, err := MeteredCost(botdomain.PlatformGoogleMeet, botdomain.RecordingTypeAudioOnly, 60)
	if err != nil {
		t.Fatal(err)
	}
	if rtms.Cmp(def) >= 0 {
		t.Fatalf("expected rtms rate %s to be cheaper than default %s", rtms, def)
	}
}

type fakeBalanceRepo struct {
	balance  *apd.Decimal
	refused  bool
	crossed  bool
}

func (f *fakeBalanceRepo) GetBalance(ctx context.Context, orgID string) (*apd.Decimal, error) {
	return f.balance, nil
}

func (f *fakeBalanceRepo) Debit(ctx context.Context, orgID string, amount *apd.Decimal) (*apd.Decimal, bool, error) {
	newBalance := new(apd.Decimal)
	decimalContext.Sub(newBalance, f.balance, amount)
	f.balance = newBalance
	return newBalance, f.crossed, nil
}

func (f *fakeBalanceRepo) RefusesLaunch(ctx context.Context, orgID string, allowNegative bool) (bool, error) {
	return f.refused, nil
}

type fakeNotifier struct {
	notified bool
}

func (f *fakeNotifier) NotifyLowCredit(ctx context.Context, orgID string, balance *apd.Decimal) {
	f.notified = true
}

func TestGate_RefusesLaunchWhenOutOfCredit(t *testing.T) {
	repo := &fakeBalanceRepo{refused: true}
	gate := NewGate(repo, false)
	err := gate.Allow(context.Background(), "org-1")
	if err == nil {
		t.Fatal("expected ErrInsufficientCredit")
	}
}

func TestMeter_NotifiesOnLowCreditCrossing(t *testing.T) {
	balance, _, _ := apd.NewFromString("10")
	repo := &fakeBalanceRepo{balance: balance, crossed: true}
	notifier := &fakeNotifier{}
	meter := NewMeter(repo, notifier)

	if err := meter.DebitForSegment(context.Background(), "org-1", botdomain.PlatformGoogleMeet, botdomain.RecordingTypeAudioOnly, 60); err != nil {
		t.Fatal(err)
	}
	if !notifier.notified {
		t.Fatal("expected low-credit notification")
	}
}
