package database

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// goose keeps its base FS and dialect in package globals
var gooseMu sync.Mutex

// Migrate applies every pending embedded migration and validates the
// resulting schema.
func Migrate(db *sql.DB, logger *zap.Logger) error {
	if err := withGoose(logger, func() error {
		return goose.Up(db, migrationsDir)
	}); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := NewSchemaValidator(db).Validate(); err != nil {
		return fmt.Errorf("schema validation failed after migration: %w", err)
	}
	return nil
}

// Rollback reverts the most recent migration
func Rollback(db *sql.DB, logger *zap.Logger) error {
	return withGoose(logger, func() error {
		return goose.Down(db, migrationsDir)
	})
}

// SchemaVersion reports the applied migration version
func SchemaVersion(db *sql.DB) (int64, error) {
	var version int64
	err := withGoose(nil, func() error {
		v, err := goose.GetDBVersion(db)
		version = v
		return err
	})
	return version, err
}

func withGoose(logger *zap.Logger, fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if logger == nil {
		logger = zap.NewNop()
	}
	goose.SetLogger(gooseLogger{logger.Named("migrations").Sugar()})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return fn()
}

// gooseLogger routes goose output through zap
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
