package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"iattend/pkg/types"
)

// GetEngagement returns the stored state or a zero state for a new student
func (s *Store) GetEngagement(ctx context.Context, studentID string) (*types.EngagementState, error) {
	state := &types.EngagementState{StudentID: studentID}
	err := s.pool.QueryRow(ctx, `
		SELECT total_points, streak_days, last_attendance_date
		FROM engagement_states
		WHERE student_id = $1
	`, studentID).Scan(&state.TotalPoints, &state.StreakDays, &state.LastAttendanceDate)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("failed to query engagement: %w", err)
	}
	return state, nil
}

// UpdateEngagement is an atomic read-modify-write of one student's state
// FUNCTIONAL DISCOVERY: The row is created first and then locked FOR UPDATE, so a
// second award for the same student blocks until the first commits
func (s *Store) UpdateEngagement(ctx context.Context, studentID string, fn func(state *types.EngagementState) error) (*types.EngagementState, error) {
	var updated *types.EngagementState
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO engagement_states (student_id) VALUES ($1) ON CONFLICT (student_id) DO NOTHING`,
			studentID); err != nil {
			return err
		}

		state := &types.EngagementState{StudentID: studentID}
		err := tx.QueryRow(ctx, `
			SELECT total_points, streak_days, last_attendance_date
			FROM engagement_states
			WHERE student_id = $1
			FOR UPDATE
		`, studentID).Scan(&state.TotalPoints, &state.StreakDays, &state.LastAttendanceDate)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE engagement_states
			SET total_points = $2, streak_days = $3, last_attendance_date = $4
			WHERE student_id = $1
		`, studentID, state.TotalPoints, state.StreakDays, state.LastAttendanceDate)
		if err != nil {
			return err
		}
		updated = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update engagement: %w", err)
	}
	return updated, nil
}

const badgeColumns = `id, name, description, tier, icon, required_points, required_streak`

// ListBadges returns the catalog ordered by difficulty
func (s *Store) ListBadges(ctx context.Context) ([]*types.Badge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+badgeColumns+` FROM badges ORDER BY required_points ASC, required_streak ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer rows.Close()

	var badges []*types.Badge
	for rows.Next() {
		var b types.Badge
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Tier, &b.Icon, &b.RequiredPoints, &b.RequiredStreak); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		badges = append(badges, &b)
	}
	return badges, rows.Err()
}

// AwardBadge inserts the award if absent and reports whether it was new
func (s *Store) AwardBadge(ctx context.Context, award *types.BadgeAward) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO badge_awards (student_id, badge_id, earned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id, badge_id) DO NOTHING
	`, award.StudentID, award.BadgeID, award.EarnedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to award badge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBadgeAwards returns a student's badges, oldest first
func (s *Store) ListBadgeAwards(ctx context.Context, studentID string) ([]*types.BadgeAward, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.student_id, a.earned_at,
			b.id, b.name, b.description, b.tier, b.icon, b.required_points, b.required_streak
		FROM badge_awards a
		JOIN badges b ON b.id = a.badge_id
		WHERE a.student_id = $1
		ORDER BY a.earned_at ASC, b.required_points ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query badge awards: %w", err)
	}
	defer rows.Close()

	var awards []*types.BadgeAward
	for rows.Next() {
		var a types.BadgeAward
		var b types.Badge
		err := rows.Scan(&a.StudentID, &a.EarnedAt,
			&b.ID, &b.Name, &b.Description, &b.Tier, &b.Icon, &b.RequiredPoints, &b.RequiredStreak)
		if err != nil {
			return nil, fmt.Errorf("failed to scan badge award: %w", err)
		}
		a.BadgeID = b.ID
		a.Badge = &b
		awards = append(awards, &a)
	}
	return awards, rows.Err()
}
