package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"veritas/api/internal/logging"
)

// ApplyMigrations runs every pending up migration in migrationsDir.
func ApplyMigrations(databaseURL, migrationsDir string, logger *zap.Logger) error {
	log := logging.OrNop(logger)

	m, err := migrate.New("file://"+migrationsDir, pgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Warn("store: close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			log.Warn("store: close migration database", zap.Error(dbErr))
		}
	}()
	m.Log = migrateLogger{log: log}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at migration %d", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("store: migrations up to date", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	to, _, _ := m.Version()
	log.Info("store: migrations applied", zap.Uint("from", from), zap.Uint("to", to))
	return nil
}

// RollbackMigrations runs every down migration.
func RollbackMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, pgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// pgx5URL rewrites a postgres:// URL to the pgx5:// scheme the migrate driver registers.
func pgx5URL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

type migrateLogger struct {
	log *zap.Logger
}

func (l migrateLogger) Printf(format string, args ...any) {
	l.log.Debug("store: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}
