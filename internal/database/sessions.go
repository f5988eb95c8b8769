package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iattend/pkg/types"
)

const sessionColumns = `id, course_id, owner_id, code, start_time, end_time, duration_seconds, status`

func scanSession(row scanner) (*types.Session, error) {
	var session types.Session
	var endTime sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.CourseID,
		&session.OwnerID,
		&session.Code,
		&session.StartTime,
		&endTime,
		&session.DurationSeconds,
		&session.Status,
	)
	if err != nil {
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Handle nullable end_time field properly
	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}
	return &session, nil
}

func (m *Manager) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.CourseID,
			session.OwnerID,
			session.Code,
			session.StartTime.UTC(),
			nil,
			session.DurationSeconds,
			session.Status,
		)
		return err
	})
	if err != nil {
		// ARCHITECTURAL DISCOVERY: The partial unique index on active codes is the
		// backstop for two opens racing past the lookup with the same code
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", types.ErrCodeInUse, session.Code)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrUnknownSession
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// FindActiveSessionByCode returns the active session holding code, if any
func (m *Manager) FindActiveSessionByCode(ctx context.Context, code string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE code = ? AND status = 'active'`, code)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query session by code: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns all active sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return m.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY start_time DESC`)
}

// ListActiveSessionsByCourse returns the active sessions of one course
func (m *Manager) ListActiveSessionsByCourse(ctx context.Context, courseID string) ([]*types.Session, error) {
	return m.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND course_id = ? ORDER BY start_time DESC`,
		courseID)
}

// EndSessionIfActive is the linearization point for the active -> ended transition
func (m *Manager) EndSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error) {
	return m.transitionIfActive(ctx, sessionID, types.SessionEnded, endTime)
}

// CancelSessionIfActive moves an active session to cancelled
func (m *Manager) CancelSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error) {
	return m.transitionIfActive(ctx, sessionID, types.SessionCancelled, endTime)
}

func (m *Manager) transitionIfActive(ctx context.Context, sessionID string, status types.SessionStatus, endTime time.Time) (bool, error) {
	var changed bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, end_time = ?
			WHERE id = ? AND status = 'active'
		`, status, endTime.UTC(), sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}
	if changed {
		m.logger.Debug("session transitioned",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)))
	}
	return changed, nil
}

// RecentEndedSessions returns the newest ended sessions for a course and owner
func (m *Manager) RecentEndedSessions(ctx context.Context, courseID, ownerID, excludeID string, limit int) ([]*types.Session, error) {
	return m.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE course_id = ? AND owner_id = ? AND status = 'ended' AND id <> ?
		ORDER BY start_time DESC
		LIMIT ?
	`, courseID, ownerID, excludeID, limit)
}
