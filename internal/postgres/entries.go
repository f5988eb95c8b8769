package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"iattend/pkg/types"
)

const entryColumns = `id, session_id, student_id, timestamp, submitted_code, is_valid, manually_added, added_by, client_ip, device_info`

func scanEntry(row pgx.Row) (*types.AttendanceEntry, error) {
	var entry types.AttendanceEntry
	err := row.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.StudentID,
		&entry.Timestamp,
		&entry.SubmittedCode,
		&entry.IsValid,
		&entry.ManuallyAdded,
		&entry.AddedBy,
		&entry.ClientIP,
		&entry.DeviceInfo,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*types.AttendanceEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.AttendanceEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry rows: %w", err)
	}
	return entries, nil
}

// FindValidEntry returns the student's valid entry for the session, if any
func (s *Store) FindValidEntry(ctx context.Context, sessionID, studentID string) (*types.AttendanceEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = $1 AND student_id = $2 AND is_valid
	`, sessionID, studentID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}
	return entry, nil
}

// CreateValidEntry inserts the entry only while its session is active
// TECHNICAL DISCOVERY: FOR SHARE on the session row lets concurrent claims
// proceed together but makes transitionIfActive wait for them, and makes them
// wait for it, so no entry lands in a session after it ended
func (s *Store) CreateValidEntry(ctx context.Context, entry *types.AttendanceEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status types.SessionStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM sessions WHERE id = $1 FOR SHARE`,
			entry.SessionID).Scan(&status)
		if isNotFound(err) {
			return types.ErrUnknownSession
		}
		if err != nil {
			return err
		}
		if status != types.SessionActive {
			return types.ErrExpiredSession
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO attendance_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $9)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`,
			entry.ID,
			entry.SessionID,
			entry.StudentID,
			entry.Timestamp.UTC(),
			entry.SubmittedCode,
			entry.ManuallyAdded,
			entry.AddedBy,
			entry.ClientIP,
			entry.DeviceInfo,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.ErrDuplicateSubmission
		}
		return nil
	})
	switch {
	case err == nil:
		entry.IsValid = true
		return nil
	case errors.Is(err, types.ErrDuplicateSubmission), isUniqueViolation(err):
		return types.ErrDuplicateSubmission
	case errors.Is(err, types.ErrExpiredSession), errors.Is(err, types.ErrUnknownSession):
		return err
	default:
		return fmt.Errorf("failed to insert entry: %w", err)
	}
}

// UpsertManualEntry creates or flips the (session, student) entry to a valid manual one
func (s *Store) UpsertManualEntry(ctx context.Context, entry *types.AttendanceEntry) (*types.AttendanceEntry, error) {
	stored, err := scanEntry(s.pool.QueryRow(ctx, `
		INSERT INTO attendance_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, TRUE, TRUE, $6, $7, $8)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			is_valid = TRUE,
			manually_added = TRUE,
			added_by = EXCLUDED.added_by
		RETURNING `+entryColumns,
		entry.ID,
		entry.SessionID,
		entry.StudentID,
		entry.Timestamp.UTC(),
		entry.SubmittedCode,
		entry.AddedBy,
		entry.ClientIP,
		entry.DeviceInfo,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert manual entry: %w", err)
	}
	return stored, nil
}

// CountValidEntries returns the number of students present
func (s *Store) CountValidEntries(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attendance_entries WHERE session_id = $1 AND is_valid`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// ListValidEntries returns valid entries in submission order
func (s *Store) ListValidEntries(ctx context.Context, sessionID string) ([]*types.AttendanceEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = $1 AND is_valid
		ORDER BY timestamp ASC
	`, sessionID)
}

// LatestValidEntry returns the most recent valid entry, or nil when there is none
func (s *Store) LatestValidEntry(ctx context.Context, sessionID string) (*types.AttendanceEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = $1 AND is_valid
		ORDER BY timestamp DESC
		LIMIT 1
	`, sessionID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest entry: %w", err)
	}
	return entry, nil
}

// ValidStudentIDs returns the students present in a session
func (s *Store) ValidStudentIDs(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM attendance_entries WHERE session_id = $1 AND is_valid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query present students: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan student ids: %w", err)
	}

	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	return present, nil
}

// RecordInvalidAttempt appends to the audit trail
func (s *Store) RecordInvalidAttempt(ctx context.Context, attempt *types.InvalidAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invalid_attempts (id, session_id, student_id, submitted_code, timestamp, reason, client_ip, device_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		attempt.ID,
		attempt.SessionID,
		attempt.StudentID,
		attempt.SubmittedCode,
		attempt.Timestamp.UTC(),
		attempt.Reason,
		attempt.ClientIP,
		attempt.DeviceInfo,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invalid attempt: %w", err)
	}
	return nil
}

// ListInvalidAttempts returns the audit trail of a session in order
func (s *Store) ListInvalidAttempts(ctx context.Context, sessionID string) ([]*types.InvalidAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, student_id, submitted_code, timestamp, reason, client_ip, device_info
		FROM invalid_attempts
		WHERE session_id = $1
		ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invalid attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*types.InvalidAttempt
	for rows.Next() {
		var a types.InvalidAttempt
		err := rows.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.SubmittedCode, &a.Timestamp, &a.Reason, &a.ClientIP, &a.DeviceInfo)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invalid attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invalid attempts: %w", err)
	}
	return attempts, nil
}
