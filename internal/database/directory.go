package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iattend/pkg/types"
)

// GetUser returns a directory user
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT id, role, display_name FROM users WHERE id = ?`, userID).Scan(&u.ID, &u.Role, &u.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrUnknownUser
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCourse returns a directory course
func (m *Manager) GetCourse(ctx context.Context, courseID string) (*types.Course, error) {
	var c types.Course
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id FROM courses WHERE id = ?`, courseID).Scan(&c.ID, &c.Name, &c.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrUnknownCourse
		}
		return nil, fmt.Errorf("failed to query course: %w", err)
	}
	return &c, nil
}

// IsEnrolled reports whether the student is enrolled in the course
func (m *Manager) IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		`SELECT 1 FROM enrollments WHERE course_id = ? AND student_id = ?`, courseID, studentID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return true, nil
}

// EnrolledStudents returns the ids of every student enrolled in the course
func (m *Manager) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = ? ORDER BY student_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveUser inserts or updates a directory user
func (m *Manager) SaveUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, role, display_name) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET role = excluded.role, display_name = excluded.display_name
		`, user.ID, user.Role, user.DisplayName)
		if err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		return nil
	})
}

// SaveCourse inserts or updates a directory course
func (m *Manager) SaveCourse(ctx context.Context, course *types.Course) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO courses (id, name, owner_id) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id
		`, course.ID, course.Name, course.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to save course: %w", err)
		}
		return nil
	})
}

// Enroll adds students to a course, ignoring existing enrollments
func (m *Manager) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range studentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO enrollments (course_id, student_id) VALUES (?, ?)`, courseID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enroll students: %w", err)
	}
	return nil
}
