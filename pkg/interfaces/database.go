package interfaces

import (
	"context"
	"time"

	"iattend/pkg/types"
)

// SessionRepository persists session records
// ARCHITECTURAL DISCOVERY: Terminal transitions are conditional updates so the
// store itself decides which caller won the active -> ended race
type SessionRepository interface {
	// CreateSession inserts an active session. A clash with another active
	// session's code returns types.ErrCodeInUse.
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns types.ErrUnknownSession when absent
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// FindActiveSessionByCode returns nil, nil when no active session holds code
	FindActiveSessionByCode(ctx context.Context, code string) (*types.Session, error)

	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListActiveSessionsByCourse(ctx context.Context, courseID string) ([]*types.Session, error)

	// EndSessionIfActive sets status=ended and end_time only when the row is still
	// active. The returned bool is true for the single caller that changed the row.
	EndSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error)

	// CancelSessionIfActive mirrors EndSessionIfActive for the cancelled state
	CancelSessionIfActive(ctx context.Context, sessionID string, endTime time.Time) (bool, error)

	// RecentEndedSessions returns up to limit ended sessions for the same course and
	// owner, newest first, optionally excluding one session id
	RecentEndedSessions(ctx context.Context, courseID, ownerID, excludeID string, limit int) ([]*types.Session, error)
}

// EntryRepository persists attendance entries and the invalid-attempt audit trail
type EntryRepository interface {
	// FindValidEntry returns nil, nil when the student holds no valid entry
	FindValidEntry(ctx context.Context, sessionID, studentID string) (*types.AttendanceEntry, error)

	// CreateValidEntry atomically checks and inserts. Any existing row for the
	// (session, student) pair yields types.ErrDuplicateSubmission.
	CreateValidEntry(ctx context.Context, entry *types.AttendanceEntry) error

	// UpsertManualEntry creates a valid manual entry or flips the existing row to valid
	UpsertManualEntry(ctx context.Context, entry *types.AttendanceEntry) (*types.AttendanceEntry, error)

	CountValidEntries(ctx context.Context, sessionID string) (int, error)
	ListValidEntries(ctx context.Context, sessionID string) ([]*types.AttendanceEntry, error)
	LatestValidEntry(ctx context.Context, sessionID string) (*types.AttendanceEntry, error)

	// ValidStudentIDs returns the set of students with a valid entry, for absence scans
	ValidStudentIDs(ctx context.Context, sessionID string) (map[string]bool, error)

	RecordInvalidAttempt(ctx context.Context, attempt *types.InvalidAttempt) error
	ListInvalidAttempts(ctx context.Context, sessionID string) ([]*types.InvalidAttempt, error)
}

// EngagementRepository persists points, streaks and badges
type EngagementRepository interface {
	// GetEngagement returns a zero state for a student with no record
	GetEngagement(ctx context.Context, studentID string) (*types.EngagementState, error)

	// UpdateEngagement runs fn on the current state inside one transaction and
	// stores the result. Concurrent updates for the same student are serialized.
	UpdateEngagement(ctx context.Context, studentID string, fn func(state *types.EngagementState) error) (*types.EngagementState, error)

	ListBadges(ctx context.Context) ([]*types.Badge, error)

	// AwardBadge inserts if absent and reports whether a row was created
	AwardBadge(ctx context.Context, award *types.BadgeAward) (bool, error)
	ListBadgeAwards(ctx context.Context, studentID string) ([]*types.BadgeAward, error)
}

// NotificationRepository persists the notification center
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *types.Notification) error

	// ListNotifications orders unread first, then newest first
	ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)

	// MarkNotificationRead returns types.ErrNotificationMissing when the id does not belong to userID
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// DirectorySeeder writes directory rows for local runs and tests. Production
// deployments receive users, courses and enrollments from an external system.
type DirectorySeeder interface {
	SaveUser(ctx context.Context, user *types.User) error
	SaveCourse(ctx context.Context, course *types.Course) error
	Enroll(ctx context.Context, courseID string, studentIDs ...string) error
}

// Directory exposes read-only user, course and enrollment data managed elsewhere
type Directory interface {
	// GetUser returns types.ErrUnknownUser when absent
	GetUser(ctx context.Context, userID string) (*types.User, error)

	// GetCourse returns types.ErrUnknownCourse when absent
	GetCourse(ctx context.Context, courseID string) (*types.Course, error)

	IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// Repository handles all persistence operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management, while the
// embedded parts let each component depend on only what it touches
type Repository interface {
	SessionRepository
	EntryRepository
	EngagementRepository
	NotificationRepository
	Directory

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
