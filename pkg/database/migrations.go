package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// goose keeps dialect, base FS and logger in package globals
var gooseMu sync.Mutex

// MigrationManager applies the embedded schema with goose
// ARCHITECTURAL DISCOVERY: Migrations ship inside the binary, one directory per
// dialect, so `iattend migrate` and `iattend serve` never depend on the working directory
type MigrationManager struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, driver string, logger *zap.Logger) *MigrationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationManager{
		db:     db,
		driver: driver,
		logger: logger,
	}
}

// ApplyMigrations applies all pending migrations
func (m *MigrationManager) ApplyMigrations(ctx context.Context) error {
	return m.withGoose(func(dir string) error {
		if err := goose.UpContext(ctx, m.db, dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// Version returns the current schema version
func (m *MigrationManager) Version(ctx context.Context) (int64, error) {
	var version int64
	err := m.withGoose(func(string) error {
		v, err := goose.GetDBVersionContext(ctx, m.db)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Status logs the applied state of every migration
func (m *MigrationManager) Status(ctx context.Context) error {
	return m.withGoose(func(dir string) error {
		if err := goose.StatusContext(ctx, m.db, dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

func (m *MigrationManager) withGoose(fn func(dir string) error) error {
	dialect, dir, err := gooseTarget(m.driver)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(gooseLogger{m.logger.Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return fn(dir)
}

func gooseTarget(driver string) (dialect, dir string, err error) {
	switch driver {
	case DriverSQLite:
		return "sqlite3", "migrations/sqlite", nil
	case DriverPostgres:
		return "postgres", "migrations/postgres", nil
	default:
		return "", "", fmt.Errorf("unsupported migration driver %q", driver)
	}
}

// gooseLogger routes goose output through zap
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
