package http

import (
	"github.com/samber/do/v2"

	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (webhook.Sender, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewSender(cfg.WebhookConnectTimeout, cfg.WebhookTotalTimeout), nil
	})
}
