package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iattend/pkg/types"
)

const entryColumns = `id, session_id, student_id, timestamp, submitted_code, is_valid, manually_added, added_by, client_ip, device_info`

func scanEntry(row scanner) (*types.AttendanceEntry, error) {
	var entry types.AttendanceEntry
	var addedBy sql.NullString

	err := row.Scan(
		&entry.ID,
		&entry.SessionID,
		&entry.StudentID,
		&entry.Timestamp,
		&entry.SubmittedCode,
		&entry.IsValid,
		&entry.ManuallyAdded,
		&addedBy,
		&entry.ClientIP,
		&entry.DeviceInfo,
	)
	if err != nil {
		return nil, err
	}
	if addedBy.Valid {
		v := addedBy.String
		entry.AddedBy = &v
	}
	return &entry, nil
}

// FindValidEntry returns the student's valid entry for the session, if any
func (m *Manager) FindValidEntry(ctx context.Context, sessionID, studentID string) (*types.AttendanceEntry, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = ? AND student_id = ? AND is_valid = 1
	`, sessionID, studentID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}
	return entry, nil
}

// CreateValidEntry checks the session is still active and the student has no
// row, then inserts, all in one transaction
// ARCHITECTURAL DISCOVERY: The checks and the insert run on the writer goroutine,
// the same goroutine that commits EndSessionIfActive, so an entry either lands
// before the session ends or is refused. UNIQUE(session_id, student_id) catches
// anything that slips past both.
func (m *Manager) CreateValidEntry(ctx context.Context, entry *types.AttendanceEntry) error {
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		var status types.SessionStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM sessions WHERE id = ?`, entry.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrUnknownSession
		}
		if err != nil {
			return err
		}
		if status != types.SessionActive {
			return types.ErrExpiredSession
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM attendance_entries WHERE session_id = ? AND student_id = ?`,
			entry.SessionID, entry.StudentID).Scan(&exists)
		if err == nil {
			return types.ErrDuplicateSubmission
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
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
		return err
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
func (m *Manager) UpsertManualEntry(ctx context.Context, entry *types.AttendanceEntry) (*types.AttendanceEntry, error) {
	var stored *types.AttendanceEntry
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?, ?)
			ON CONFLICT (session_id, student_id) DO UPDATE SET
				is_valid = 1,
				manually_added = 1,
				added_by = excluded.added_by
		`,
			entry.ID,
			entry.SessionID,
			entry.StudentID,
			entry.Timestamp.UTC(),
			entry.SubmittedCode,
			entry.AddedBy,
			entry.ClientIP,
			entry.DeviceInfo,
		)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM attendance_entries WHERE session_id = ? AND student_id = ?`,
			entry.SessionID, entry.StudentID)
		stored, err = scanEntry(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert manual entry: %w", err)
	}
	return stored, nil
}

// CountValidEntries returns the number of students present
func (m *Manager) CountValidEntries(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_entries WHERE session_id = ? AND is_valid = 1`,
		sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// ListValidEntries returns valid entries in submission order
func (m *Manager) ListValidEntries(ctx context.Context, sessionID string) ([]*types.AttendanceEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = ? AND is_valid = 1
		ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// LatestValidEntry returns the most recent valid entry, or nil when there is none
func (m *Manager) LatestValidEntry(ctx context.Context, sessionID string) (*types.AttendanceEntry, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_id = ? AND is_valid = 1
		ORDER BY timestamp DESC
		LIMIT 1
	`, sessionID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest entry: %w", err)
	}
	return entry, nil
}

// ValidStudentIDs returns the students present in a session
func (m *Manager) ValidStudentIDs(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT student_id FROM attendance_entries WHERE session_id = ? AND is_valid = 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query present students: %w", err)
	}
	defer func() { _ = rows.Close() }()

	present := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		present[id] = true
	}
	return present, rows.Err()
}

// RecordInvalidAttempt appends to the audit trail
func (m *Manager) RecordInvalidAttempt(ctx context.Context, attempt *types.InvalidAttempt) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO invalid_attempts (id, session_id, student_id, submitted_code, timestamp, reason, client_ip, device_info)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert invalid attempt: %w", err)
	}
	return nil
}

// ListInvalidAttempts returns the audit trail of a session in order
func (m *Manager) ListInvalidAttempts(ctx context.Context, sessionID string) ([]*types.InvalidAttempt, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, submitted_code, timestamp, reason, client_ip, device_info
		FROM invalid_attempts
		WHERE session_id = ?
		ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invalid attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
