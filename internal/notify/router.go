// Package notify persists notifications and pushes them to their owners.
package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

var _ interfaces.EventDispatcher = (*Router)(nil)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store is the persistence the router needs
type Store interface {
	interfaces.NotificationRepository
	interfaces.Directory
}

// Pusher delivers a stored notification to the user's realtime channel
type Pusher interface {
	PublishNotification(userID string, notification *types.Notification) error
}

// Router is the single place domain events become notifications
// ARCHITECTURAL DISCOVERY: Persist-then-push. The stored row is the source of
// truth and the realtime push is best effort.
type Router struct {
	store  Store
	pusher Pusher
	now    func() time.Time
	logger *zap.Logger
}

// NewRouter creates a notification router. pusher and clock may be nil.
func NewRouter(store Store, pusher Pusher, clock func() time.Time, logger *zap.Logger) *Router {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:  store,
		pusher: pusher,
		now:    clock,
		logger: logger.Named("notify"),
	}
}

// Message is the content of one notification
type Message struct {
	Kind         types.NotificationKind
	Title        string
	Body         string
	Link         string
	CourseID     string
	RelevantDate string
}

// Notify persists a notification for userID and pushes it
func (r *Router) Notify(ctx context.Context, userID string, msg Message) (*types.Notification, error) {
	n := &types.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      msg.Kind,
		Title:     msg.Title,
		Message:   msg.Body,
		Link:      msg.Link,
		CreatedAt: r.now().UTC(),
	}
	if msg.CourseID != "" {
		course := msg.CourseID
		n.CourseID = &course
	}
	if msg.RelevantDate != "" {
		date := msg.RelevantDate
		n.RelevantDate = &date
	}

	if err := r.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	if r.pusher != nil {
		// Publish failures are already logged by the pusher
		_ = r.pusher.PublishNotification(userID, n)
	}
	return n, nil
}

// Dispatch translates events into notifications. Failures are logged per
// event and never stop the remaining events.
func (r *Router) Dispatch(ctx context.Context, events ...types.Event) {
	courses := make(map[string]string)
	for _, event := range events {
		if err := r.dispatchOne(ctx, event, courses); err != nil {
			fields := []zap.Field{zap.String("kind", string(event.Kind)), zap.Error(err)}
			if event.Session != nil {
				fields = append(fields, zap.String("session_id", event.Session.ID))
			}
			r.logger.Error("event dispatch failed", fields...)
		}
	}
}

func (r *Router) dispatchOne(ctx context.Context, event types.Event, courses map[string]string) error {
	// Badges belong to the student, not to a course or session
	if event.Kind == types.EventBadgeEarned {
		if event.Badge == nil {
			return fmt.Errorf("badge_earned event carries no badge")
		}
		_, err := r.Notify(ctx, event.StudentID, Message{
			Kind:  types.NotificationBadgeEarned,
			Title: "Badge Earned!",
			Body:  fmt.Sprintf("Congratulations! You earned the %s badge!", event.Badge.Name),
			Link:  "/student/gamification/",
		})
		return err
	}

	if event.Session == nil {
		return fmt.Errorf("event %s carries no session", event.Kind)
	}
	session := event.Session

	courseName, err := r.courseName(ctx, session.CourseID, courses)
	if err != nil {
		return err
	}
	date := session.StartTime.Format(types.DateLayout)
	sessionLink := fmt.Sprintf("/teacher/session/%s/", session.ID)

	switch event.Kind {
	case types.EventSessionStarted:
		students, err := r.store.EnrolledStudents(ctx, session.CourseID)
		if err != nil {
			return fmt.Errorf("list enrolled students: %w", err)
		}
		msg := Message{
			Kind:         types.NotificationSessionStarted,
			Title:        "Attendance Session Started",
			Body:         fmt.Sprintf("Attendance session for %s has started!", courseName),
			Link:         fmt.Sprintf("/student/submit/%s/", session.ID),
			CourseID:     session.CourseID,
			RelevantDate: date,
		}
		for _, studentID := range students {
			if _, err := r.Notify(ctx, studentID, msg); err != nil {
				return err
			}
		}
		return nil

	case types.EventAttendanceMarked:
		_, err := r.Notify(ctx, event.StudentID, Message{
			Kind:         types.NotificationAttendanceMarked,
			Title:        "Attendance Marked",
			Body:         fmt.Sprintf("Your attendance for %s has been marked successfully.", courseName),
			Link:         "/student/history/",
			CourseID:     session.CourseID,
			RelevantDate: date,
		})
		return err

	case types.EventUnusualAttendance:
		_, err := r.Notify(ctx, session.OwnerID, Message{
			Kind:  types.NotificationUnusualAttendance,
			Title: "Unusual Attendance",
			Body: fmt.Sprintf("Attendance for %s was %d%%, below the recent average of %d%%.",
				courseName, percent(event.Rate), percent(event.Baseline)),
			Link:         sessionLink,
			CourseID:     session.CourseID,
			RelevantDate: date,
		})
		return err

	case types.EventAbsencePattern:
		name := event.StudentID
		if user, err := r.store.GetUser(ctx, event.StudentID); err == nil && user.DisplayName != "" {
			name = user.DisplayName
		}
		_, err := r.Notify(ctx, session.OwnerID, Message{
			Kind:         types.NotificationAbsentAlert,
			Title:        "Absence Alert",
			Body:         fmt.Sprintf("%s has missed the last %d sessions of %s.", name, event.Misses, courseName),
			Link:         sessionLink,
			CourseID:     session.CourseID,
			RelevantDate: date,
		})
		return err

	case types.EventSessionSummary:
		_, err := r.Notify(ctx, session.OwnerID, Message{
			Kind:         types.NotificationSessionSummary,
			Title:        "Session Summary",
			Body:         fmt.Sprintf("%d of %d students present in %s.", event.Present, event.Enrolled, courseName),
			Link:         sessionLink,
			CourseID:     session.CourseID,
			RelevantDate: date,
		})
		return err

	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

func (r *Router) courseName(ctx context.Context, courseID string, cache map[string]string) (string, error) {
	if name, ok := cache[courseID]; ok {
		return name, nil
	}
	course, err := r.store.GetCourse(ctx, courseID)
	if err != nil {
		return "", fmt.Errorf("load course: %w", err)
	}
	cache[courseID] = course.Name
	return course.Name, nil
}

func percent(rate float64) int {
	return int(math.Round(rate * 100))
}

// List returns a user's notifications, unread first
func (r *Router) List(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return r.store.ListNotifications(ctx, userID, limit)
}

// UnreadCount returns the number of unread notifications
func (r *Router) UnreadCount(ctx context.Context, userID string) (int, error) {
	return r.store.CountUnread(ctx, userID)
}

// MarkRead marks one of the user's notifications as read
func (r *Router) MarkRead(ctx context.Context, userID, notificationID string) error {
	return r.store.MarkNotificationRead(ctx, userID, notificationID)
}

// MarkAllRead marks every unread notification of the user as read
func (r *Router) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return r.store.MarkAllNotificationsRead(ctx, userID)
}
