package googlespeech

import (
	"github.com/samber/do/v2"

	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/transcriber"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.SessionFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewFactory(Config{
			ProjectID:       cfg.GoogleCloudProjectID,
			CredentialsJSON: cfg.GoogleCloudCredentialsJSON,
			Location:        cfg.GoogleCloudSpeechLocation,
			Model:           cfg.GoogleCloudSpeechModel,
		}), nil
	})
}
