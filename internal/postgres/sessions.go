package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"iattend/pkg/types"
)

const sessionColumns = `id, course_id, owner_id, code, start_time, end_time, duration_seconds, status`

func scanSession(row pgx.Row) (*types.Session, error) {
	var session types.Session
	err := row.Scan(
		&session.ID,
		&session.CourseID,
		&session.OwnerID,
		&session.Code,
		&session.StartTime,
		&session.EndTime,
		&session.DurationSeconds,
		&session.Status,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// CreateSession inserts a new active session
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)
	`,
		session.ID,
		session.CourseID,
		session.OwnerID,
		session.Code,
		session.StartTime.UTC(),
		session.DurationSeconds,
		session.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", types.ErrCodeInUse, session.Code)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		if isNotFound(err) {
			return nil, types.ErrUnknownSession
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// FindActiveSessionByCode returns the active session holding code, if any
func (s *Store) FindActiveSessionByCode(ctx context.Context, code string) (*types.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE code = $1 AND status = 'active'`, code))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query session by code: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns all active sessions, newest first
func (s *Store) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY start_time DESC`)
}

// ListActiveSessionsByCourse returns the active sessions of one course
func (s *Store) ListActiveSessionsByCourse(ctx context.Context, courseID string) ([]*types.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND course_id = $1 ORDER BY start_time DESC`,
		courseID)
}

// EndSessionIfActive is the linearization point for the active -> ended transition
func (s *Store) EndSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error) {
	return s.transitionIfActive(ctx, sessionID, types.SessionEnded, endTime)
}

// CancelSessionIfActive moves an active session to cancelled
func (s *Store) CancelSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error) {
	return s.transitionIfActive(ctx, sessionID, types.SessionCancelled, endTime)
}

func (s *Store) transitionIfActive(ctx context.Context, sessionID string, status types.SessionStatus, endTime time.Time) (bool, error) {
	var changed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// waits for in-flight CreateValidEntry transactions holding FOR SHARE
		var current types.SessionStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&current)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != types.SessionActive {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE sessions
			SET status = $1, end_time = $2
			WHERE id = $3 AND status = 'active'
		`, status, endTime.UTC(), sessionID)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}

	if changed {
		s.logger.Debug("session transitioned",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)))
	}
	return changed, nil
}

// RecentEndedSessions returns the newest ended sessions for a course and owner
func (s *Store) RecentEndedSessions(ctx context.Context, courseID, ownerID, excludeID string, limit int) ([]*types.Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE course_id = $1 AND owner_id = $2 AND status = 'ended' AND id <> $3
		ORDER BY start_time DESC
		LIMIT $4
	`, courseID, ownerID, excludeID, limit)
}
