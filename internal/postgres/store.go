// Package postgres implements the repository on a pgx connection pool for
// deployments that outgrow a single sqlite file.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	dbconfig "iattend/pkg/database"
	"iattend/pkg/interfaces"
)

var (
	_ interfaces.Repository      = (*Store)(nil)
	_ interfaces.DirectorySeeder = (*Store)(nil)
)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Store implements interfaces.Repository on postgres
// ARCHITECTURAL DISCOVERY: Postgres serializes writers itself, so there is no
// writer goroutine here; atomicity comes from conditional statements and row locks
type Store struct {
	pool      *pgxpool.Pool
	db        *sql.DB // goose needs database/sql
	logger    *zap.Logger
	closeOnce sync.Once
}

// NewStore connects the pool and verifies the server is reachable
func NewStore(ctx context.Context, config *dbconfig.Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return &Store{
		pool:   pool,
		db:     stdlib.OpenDBFromPool(pool),
		logger: logger.Named("postgres"),
	}, nil
}

// GetDB returns a database/sql view of the pool for migrations
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// HealthCheck validates connectivity and that the schema is in place
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM badges`).Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close releases the pool. Calling it again is a no-op.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		s.pool.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
