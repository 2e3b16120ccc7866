package postgres

import (
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies every pending migration under migrationsPath
// (a "file://" URL) against databaseURL, retrying connection setup a
// handful of times since the database container is often still
// coming up when the dispatcher or a worker starts.
func RunMigrations(migrationsPath, databaseURL string) error {
	var m *migrate.Migrate
	var err error

	for attempt := 1; attempt <= 5; attempt++ {
		m, err = migrate.New(migrationsPath, databaseURL)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("create migrate instance after retries: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
