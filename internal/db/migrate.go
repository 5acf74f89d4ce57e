package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationURL rewrites a postgres:// DSN for the pgx/v5 migrate driver.
func MigrationURL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }

func newMigrate(log *slog.Logger, dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrationURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	m.Log = migrateLogger{logger: log.With(slog.String("component", "migrate"))}
	return m, nil
}

func closeMigrate(m *migrate.Migrate, err error) error {
	srcErr, dbErr := m.Close()
	return errors.Join(err, srcErr, dbErr)
}

// MigrateUp applies all pending migrations.
func MigrateUp(log *slog.Logger, dsn string) error {
	m, err := newMigrate(log, dsn)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("migrate up: %w", err)
	}
	return closeMigrate(m, err)
}

// MigrateDown rolls back the given number of migrations; steps <= 0 rolls back all.
func MigrateDown(log *slog.Logger, dsn string, steps int) error {
	m, err := newMigrate(log, dsn)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("migrate down: %w", err)
	}
	return closeMigrate(m, err)
}

// MigrationVersion reports the applied schema version. ok is false on an
// empty database.
func MigrationVersion(log *slog.Logger, dsn string) (version uint, dirty bool, ok bool, err error) {
	m, err := newMigrate(log, dsn)
	if err != nil {
		return 0, false, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, closeMigrate(m, nil)
	}
	if err != nil {
		return 0, false, false, closeMigrate(m, fmt.Errorf("migrate version: %w", err))
	}
	return version, dirty, true, closeMigrate(m, nil)
}
