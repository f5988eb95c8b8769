package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iattend/pkg/types"
)

// GetEngagement returns the stored state or a zero state for a new student
func (m *Manager) GetEngagement(ctx context.Context, studentID string) (*types.EngagementState, error) {
	state, err := readEngagement(ctx, m.db.QueryRowContext, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement: %w", err)
	}
	return state, nil
}

type queryRowFunc func(ctx context.Context, query string, args ...interface{}) *sql.Row

func readEngagement(ctx context.Context, queryRow queryRowFunc, studentID string) (*types.EngagementState, error) {
	state := &types.EngagementState{StudentID: studentID}
	err := queryRow(ctx, `
		SELECT total_points, streak_days, last_attendance_date
		FROM engagement_states
		WHERE student_id = ?
	`, studentID).Scan(&state.TotalPoints, &state.StreakDays, &state.LastAttendanceDate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return state, nil
}

// UpdateEngagement is an atomic read-modify-write of one student's state
// FUNCTIONAL DISCOVERY: Running the whole cycle on the writer goroutine means two
// awards for the same student can never both read the old streak
func (m *Manager) UpdateEngagement(ctx context.Context, studentID string, fn func(state *types.EngagementState) error) (*types.EngagementState, error) {
	var updated *types.EngagementState
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		state, err := readEngagement(ctx, tx.QueryRowContext, studentID)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO engagement_states (student_id, total_points, streak_days, last_attendance_date)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (student_id) DO UPDATE SET
				total_points = excluded.total_points,
				streak_days = excluded.streak_days,
				last_attendance_date = excluded.last_attendance_date
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

func scanBadge(row scanner) (*types.Badge, error) {
	var b types.Badge
	err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Tier, &b.Icon, &b.RequiredPoints, &b.RequiredStreak)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBadges returns the catalog ordered by difficulty
func (m *Manager) ListBadges(ctx context.Context) ([]*types.Badge, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+badgeColumns+` FROM badges ORDER BY required_points ASC, required_streak ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var badges []*types.Badge
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// AwardBadge inserts the award if absent and reports whether it was new
func (m *Manager) AwardBadge(ctx context.Context, award *types.BadgeAward) (bool, error) {
	var created bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO badge_awards (student_id, badge_id, earned_at)
			VALUES (?, ?, ?)
		`, award.StudentID, award.BadgeID, award.EarnedAt.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to award badge: %w", err)
	}
	return created, nil
}

// ListBadgeAwards returns a student's badges, oldest first
func (m *Manager) ListBadgeAwards(ctx context.Context, studentID string) ([]*types.BadgeAward, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT a.student_id, a.earned_at,
			b.id, b.name, b.description, b.tier, b.icon, b.required_points, b.required_streak
		FROM badge_awards a
		JOIN badges b ON b.id = a.badge_id
		WHERE a.student_id = ?
		ORDER BY a.earned_at ASC, b.required_points ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query badge awards: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
