package database

import (
	"context"
	"database/sql"
	"fmt"

	"iattend/pkg/types"
)

const notificationColumns = `id, user_id, kind, title, message, link, is_read, created_at, course_id, relevant_date`

// CreateNotification persists a notification
func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) error {
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (`+notificationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns unread notifications first, newest first within each group
func (m *Manager) ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = ?
		ORDER BY is_read ASC, created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*types.Notification
	for rows.Next() {
		var n types.Notification
		var courseID, relevantDate sql.NullString
		err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link,
			&n.IsRead, &n.CreatedAt, &courseID, &relevantDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if courseID.Valid {
			v := courseID.String
			n.CourseID = &v
		}
		if relevantDate.Valid {
			v := relevantDate.String
			n.RelevantDate = &v
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}

// CountUnread returns the badge count for the notification bell
func (m *Manager) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flips one notification owned by userID to read
func (m *Manager) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	var affected int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, notificationID, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if affected == 0 {
		return types.ErrNotificationMissing
	}
	return nil
}

// MarkAllNotificationsRead flips every unread notification of userID
func (m *Manager) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	var affected int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return int(affected), nil
}
