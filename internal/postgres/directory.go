package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"iattend/pkg/types"
)

// GetUser returns a directory user
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, role, display_name FROM users WHERE id = $1`, userID).Scan(&u.ID, &u.Role, &u.DisplayName)
	if err != nil {
		if isNotFound(err) {
			return nil, types.ErrUnknownUser
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCourse returns a directory course
func (s *Store) GetCourse(ctx context.Context, courseID string) (*types.Course, error) {
	var c types.Course
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id FROM courses WHERE id = $1`, courseID).Scan(&c.ID, &c.Name, &c.OwnerID)
	if err != nil {
		if isNotFound(err) {
			return nil, types.ErrUnknownCourse
		}
		return nil, fmt.Errorf("failed to query course: %w", err)
	}
	return &c, nil
}

// IsEnrolled reports whether the student is enrolled in the course
func (s *Store) IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	var enrolled bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2)`,
		courseID, studentID).Scan(&enrolled)
	if err != nil {
		return false, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return enrolled, nil
}

// EnrolledStudents returns the ids of every student enrolled in the course
func (s *Store) EnrolledStudents(ctx context.Context, courseID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM enrollments WHERE course_id = $1 ORDER BY student_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan enrollments: %w", err)
	}
	return ids, nil
}

// SaveUser inserts or updates a directory user
func (s *Store) SaveUser(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, role, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, display_name = EXCLUDED.display_name
	`, user.ID, user.Role, user.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// SaveCourse inserts or updates a directory course
func (s *Store) SaveCourse(ctx context.Context, course *types.Course) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courses (id, name, owner_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, owner_id = EXCLUDED.owner_id
	`, course.ID, course.Name, course.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to save course: %w", err)
	}
	return nil
}

// Enroll adds students to a course in one batch, ignoring existing enrollments
func (s *Store) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	if len(studentIDs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, id := range studentIDs {
		batch.Queue(`INSERT INTO enrollments (course_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, courseID, id)
	}

	results := s.pool.SendBatch(ctx, batch)
	for range studentIDs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to enroll students: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to enroll students: %w", err)
	}
	return nil
}
