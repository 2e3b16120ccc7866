package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"github.com/meetingbots/orchestrator/external/adapter/simulated"
	configloader "github.com/meetingbots/orchestrator/external/config"
	launcherdi "github.com/meetingbots/orchestrator/external/launcher"
	audiomixer "github.com/meetingbots/orchestrator/external/pipeline/audio"
	"github.com/meetingbots/orchestrator/external/pipeline/muxer"
	videocompositor "github.com/meetingbots/orchestrator/external/pipeline/video"
	"github.com/meetingbots/orchestrator/external/repository/postgres"
	storagedi "github.com/meetingbots/orchestrator/external/storage"
	googlespeech "github.com/meetingbots/orchestrator/external/transcriber/googlespeech"
	webhookhttp "github.com/meetingbots/orchestrator/external/webhook/http"

	"github.com/meetingbots/orchestrator/internal/adapter"
	"github.com/meetingbots/orchestrator/internal/clock"
	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/controller"
	"github.com/meetingbots/orchestrator/internal/credit"
	"github.com/meetingbots/orchestrator/internal/dispatcher"
	launcherpkg "github.com/meetingbots/orchestrator/internal/launcher"
	"github.com/meetingbots/orchestrator/internal/pipeline"
	"github.com/meetingbots/orchestrator/internal/repository"
	"github.com/meetingbots/orchestrator/internal/storage"
	"github.com/meetingbots/orchestrator/internal/transcriber"
	"github.com/meetingbots/orchestrator/internal/webhook"
)

const webhookPollInterval = 5 * time.Second

func main() {
	root := &cobra.Command{Use: "meetingbotd", Short: "meeting bot orchestrator"}
	root.AddCommand(
		newServeAPICmd(),
		newRunDispatcherCmd(),
		newRunWorkerCmd(),
		newRunWebhookDeliveryCmd(),
		newMigrateCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// setupDI wires every process-wide singleton, following the teacher's
// one-RegisterDI-per-package convention from cmd/backend/main.go.
func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue[clock.Clock](injector, clock.New())

	postgres.RegisterDI(injector)
	storagedi.RegisterDI(injector)
	launcherdi.RegisterDI(injector)
	webhookhttp.RegisterDI(injector)
	googlespeech.RegisterDI(injector)

	do.Provide(injector, func(i do.Injector) (*webhook.Engine, error) {
		return webhook.NewEngine(
			do.MustInvoke[repository.WebhookRepository](i),
			do.MustInvoke[repository.WebhookRepository](i),
			do.MustInvoke[webhook.Sender](i),
			do.MustInvoke[clock.Clock](i),
			cfg.WebhookWorkerCount,
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*credit.Meter, error) {
		engine := do.MustInvoke[*webhook.Engine](i)
		return credit.NewMeter(do.MustInvoke[repository.CreditRepository](i), &webhookLowCreditNotifier{engine: engine}), nil
	})
	do.Provide(injector, func(i do.Injector) (*credit.Gate, error) {
		return credit.NewGate(do.MustInvoke[repository.CreditRepository](i), cfg.AllowNegativeCredits), nil
	})

	return injector
}

func awaitSignal(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down on signal")
	case <-ctx.Done():
	}
	cancel()
}

func newServeAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-api",
		Short: "serve the liveness surface (no REST API — out of scope)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoadConfig()
			initLogger(cfg)

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			server := &http.Server{Addr: ":8080", Handler: mux}

			ctx, cancel := context.WithCancel(cmd.Context())
			go awaitSignal(ctx, cancel)
			go func() {
				<-ctx.Done()
				_ = server.Close()
			}()

			slog.Info("serve-api: listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serve-api: %w", err)
			}
			return nil
		},
	}
}

func newRunDispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-dispatcher",
		Short: "run the scheduler loop that launches staged bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoadConfig()
			initLogger(cfg)
			injector := setupDI(cfg)

			d := dispatcher.New(
				do.MustInvoke[repository.BotRepository](injector),
				do.MustInvoke[launcherpkg.Launcher](injector),
				postgres.NewAdvisoryLock(do.MustInvoke[*pgxpool.Pool](injector), "dispatcher"),
				do.MustInvoke[clock.Clock](injector),
				do.MustInvoke[*credit.Gate](injector),
				do.MustInvoke[*credit.Meter](injector),
				do.MustInvoke[*webhook.Engine](injector),
				dispatcher.Config{
					PreRoll:            cfg.DispatcherPreRoll,
					ClaimBatchSize:     16,
					HeartbeatTimeout:   cfg.HeartbeatTimeout,
					LaunchRetryTimeout: cfg.LaunchRetryTimeout,
				},
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			go awaitSignal(ctx, cancel)

			slog.Info("run-dispatcher: starting", "tick_interval", cfg.DispatcherTickInterval)
			if err := d.Run(ctx, cfg.DispatcherTickInterval); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run-dispatcher: %w", err)
			}
			return nil
		},
	}
}

func newRunWorkerCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "run-worker",
		Short: "run one bot's lifecycle to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if botID == "" {
				return fmt.Errorf("--bot-id is required")
			}
			cfg := mustLoadConfig()
			initLogger(cfg)
			injector := setupDI(cfg)

			botRepo := do.MustInvoke[repository.BotRepository](injector)
			bot, err := botRepo.GetBot(cmd.Context(), botID)
			if err != nil {
				return fmt.Errorf("load bot %s: %w", botID, err)
			}

			adp := simulated.New(bot.Platform, defaultDemoScript())
			coordinator := transcriber.NewCoordinator(botID,
				do.MustInvoke[transcriber.SessionFactory](injector),
				&repositoryUtteranceSink{
					utterances: do.MustInvoke[repository.UtteranceRepository](injector),
					webhooks:   do.MustInvoke[*webhook.Engine](injector),
					projectID:  bot.ProjectID,
				},
				bot.Settings.TranscriptionLanguage,
				do.MustInvoke[clock.Clock](injector),
			)

			mux, err := muxer.New(muxer.Config{
				WorkDir:     cfg.MediaWorkDir,
				OutputDir:   cfg.MediaOutputDir,
				FrameWidth:  cfg.MediaCanvasWidth,
				FrameHeight: cfg.MediaCanvasHeight,
			}, botID)
			if err != nil {
				return fmt.Errorf("run-worker %s: open media muxer: %w", botID, err)
			}
			media := &controller.MediaPipeline{
				Mixer: audiomixer.NewMixer(),
				Compositor: videocompositor.New(videocompositor.Config{
					Policy:       pipeline.CompositorPolicy(cfg.MediaCompositorPolicy),
					CanvasWidth:  cfg.MediaCanvasWidth,
					CanvasHeight: cfg.MediaCanvasHeight,
				}),
				Muxer: mux,
			}

			c := controller.New(
				botID,
				botRepo,
				do.MustInvoke[repository.ParticipantRepository](injector),
				do.MustInvoke[repository.RecordingRepository](injector),
				adp,
				do.MustInvoke[storage.Store](injector),
				media,
				do.MustInvoke[*webhook.Engine](injector),
				do.MustInvoke[*credit.Meter](injector),
				coordinator,
				do.MustInvoke[clock.Clock](injector),
				controller.Config{
					HeartbeatInterval:     cfg.HeartbeatInterval,
					ShutdownTimeout:       cfg.ShutdownFlushTimeout,
					SpeakerHysteresisHold: cfg.SpeakerHysteresisHold,
					AutoLeave: controller.AutoLeavePolicy{
						OnlyParticipant: cfg.AutoLeaveOnlyParticipant,
						Silence:         cfg.AutoLeaveSilence,
						MaxDuration:     cfg.AutoLeaveMaxDuration,
						WaitingRoom:     cfg.AutoLeaveWaitingRoom,
					},
				},
			)

			slog.Info("run-worker: starting", "bot_id", botID, "platform", bot.Platform)
			if err := c.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run-worker %s: %w", botID, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&botID, "bot-id", "", "bot id to run")
	return cmd
}

func newRunWebhookDeliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-webhook-delivery",
		Short: "drain due webhook delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoadConfig()
			initLogger(cfg)
			injector := setupDI(cfg)
			engine := do.MustInvoke[*webhook.Engine](injector)

			ctx, cancel := context.WithCancel(cmd.Context())
			go awaitSignal(ctx, cancel)

			slog.Info("run-webhook-delivery: starting")
			if err := engine.RunDeliveryWorker(ctx, webhookPollInterval); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run-webhook-delivery: %w", err)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply relational schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustLoadConfig()
			initLogger(cfg)
			if err := postgres.RunMigrations("file://migrations/postgres", cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("migrate: schema is up to date")
			return nil
		},
	}
}

// defaultDemoScript is the simulated adapter's fixed timeline when no
// platform-specific adapter is wired: admitted immediately, one
// participant joins and speaks briefly, then the meeting ends after a
// short fixed duration. Real platform adapters are out of scope.
func defaultDemoScript() []simulated.ScriptedEvent {
	return []simulated.ScriptedEvent{
		{Delay: 0, Event: adapter.Event{Type: adapter.EventAdmitted}},
		{Delay: 1 * time.Second, Event: adapter.Event{Type: adapter.EventParticipantJoin, Payload: adapter.ParticipantJoin{
			PlatformUUID: "demo-participant-1",
			FullName:     "Demo Participant",
			RelativeMS:   1000,
		}}},
		{Delay: 2 * time.Second, Event: adapter.Event{Type: adapter.EventParticipantSpeech, Payload: adapter.ParticipantSpeech{
			PlatformUUID: "demo-participant-1",
			RelativeMS:   2000,
			Speaking:     true,
		}}},
		{Delay: 8 * time.Second, Event: adapter.Event{Type: adapter.EventParticipantSpeech, Payload: adapter.ParticipantSpeech{
			PlatformUUID: "demo-participant-1",
			RelativeMS:   8000,
			Speaking:     false,
		}}},
		{Delay: 2 * time.Minute, Event: adapter.Event{Type: adapter.EventMeetingEnded}},
	}
}
