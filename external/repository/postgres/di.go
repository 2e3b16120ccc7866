package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"

	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/repository"
)

const databaseInitTimeout = 15 * time.Second

// RegisterDI wires the pgx pool and its repository implementations
// into the injector, following the teacher's RegisterDI-per-package
// convention. Migrations run once at pool creation, same as the
// teacher's external/repository/di.go.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*pgxpool.Pool, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := RunMigrations("file://migrations/postgres", cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return pool, nil
	})

	do.Provide(injector, func(i do.Injector) (repository.BotRepository, error) {
		return NewBotRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (repository.RecordingRepository, error) {
		return NewRecordingRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (repository.ParticipantRepository, error) {
		return NewParticipantRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (repository.UtteranceRepository, error) {
		return NewUtteranceRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (repository.CreditRepository, error) {
		return NewCreditRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (repository.WebhookRepository, error) {
		return NewWebhookRepository(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
}
