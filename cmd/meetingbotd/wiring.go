package main

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/apd/v3"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/repository"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

// webhookLowCreditNotifier adapts webhook.Engine into
// credit.LowCreditNotifier, firing the organization.credits_low
// trigger from spec.md §4.9 without the credit package importing
// webhook directly.
type webhookLowCreditNotifier struct {
	engine *webhook.Engine
}

func (n *webhookLowCreditNotifier) NotifyLowCredit(ctx context.Context, orgID string, balance *apd.Decimal) {
	err := n.engine.Fire(ctx, orgID, webhook.TriggerOrganizationCreditsLow, "", "", map[string]any{
		"organization_id": orgID,
		"balance":         balance.String(),
	}, orgID+":low_credit:"+balance.String())
	if err != nil {
		slog.Error("failed to fire low credit webhook", "error", err, "org_id", orgID)
	}
}

// repositoryUtteranceSink adapts repository.UtteranceRepository into
// transcriber.UtteranceSink, persisting each finalized utterance and
// firing the transcript.update trigger.
type repositoryUtteranceSink struct {
	utterances repository.UtteranceRepository
	webhooks   *webhook.Engine
	projectID  string
}

func (s *repositoryUtteranceSink) EmitUtterance(ctx context.Context, botID string, u botdomain.Utterance) error {
	if err := s.utterances.InsertUtterance(ctx, u); err != nil {
		return err
	}
	return s.webhooks.Fire(ctx, s.projectID, webhook.TriggerTranscriptUpdate, botID, "", map[string]any{
		"participant_id": u.ParticipantID,
		"transcript":     u.Transcript,
	}, u.ID)
}
