package postgres

import (
	"context"
	"fmt"

	"iattend/pkg/types"
)

const notificationColumns = `id, user_id, kind, title, message, link, is_read, created_at, course_id, relevant_date`

// CreateNotification persists a notification
func (s *Store) CreateNotification(ctx context.Context, n *types.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		n.ID,
		n.UserID,
		n.Kind,
		n.Title,
		n.Message,
		n.Link,
		n.IsRead,
		n.CreatedAt.UTC(),
		n.CourseID,
		n.RelevantDate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns unread notifications first, newest first within each group
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY is_read ASC, created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var list []*types.Notification
	for rows.Next() {
		var n types.Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link,
			&n.IsRead, &n.CreatedAt, &n.CourseID, &n.RelevantDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// CountUnread returns the badge count for the notification bell
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flips one notification owned by userID to read
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotificationMissing
	}
	return nil
}

// MarkAllNotificationsRead flips every unread notification of userID
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
