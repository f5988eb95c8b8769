package types

import (
	"time"
)

// SessionStatus is the lifecycle state of an attendance session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// DateLayout is the calendar-day format used for streak bookkeeping
const DateLayout = "2006-01-02"

// Session represents one time-boxed attendance window for a course meeting
// FUNCTIONAL DISCOVERY: Session is immutable after creation except for end_time and status
// so validity checks never race with field updates other than the terminal transition
type Session struct {
	ID              string        `json:"id" db:"id"`
	CourseID        string        `json:"course_id" db:"course_id"`
	OwnerID         string        `json:"owner_id" db:"owner_id"`
	Code            string        `json:"code" db:"code"`
	StartTime       time.Time     `json:"start_time" db:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty" db:"end_time"`
	DurationSeconds int           `json:"duration_seconds" db:"duration_seconds"`
	Status          SessionStatus `json:"status" db:"status"`
}

// Duration returns the configured validity window
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Deadline is the last instant at which a claim is still inside the window
func (s *Session) Deadline() time.Time {
	return s.StartTime.Add(s.Duration())
}

// Elapsed reports whether the validity window has passed at now.
// A claim at exactly start+duration is still inside the window.
func (s *Session) Elapsed(now time.Time) bool {
	return now.Sub(s.StartTime) > s.Duration()
}

// IsActive reports whether the stored status is active
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// AttendanceEntry is the proof-of-presence record for one student in one session
// ARCHITECTURAL DISCOVERY: (session_id, student_id) is unique in storage, so the
// only mutation an entry ever sees is a manual override flipping it to valid
type AttendanceEntry struct {
	ID            string    `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	StudentID     string    `json:"student_id" db:"student_id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	SubmittedCode string    `json:"submitted_code" db:"submitted_code"`
	IsValid       bool      `json:"is_valid" db:"is_valid"`
	ManuallyAdded bool      `json:"manually_added" db:"manually_added"`
	AddedBy       *string   `json:"added_by,omitempty" db:"added_by"`
	ClientIP      string    `json:"client_ip,omitempty" db:"client_ip"`
	DeviceInfo    string    `json:"device_info,omitempty" db:"device_info"`
}

// InvalidAttempt is an append-only audit row for a rejected claim
type InvalidAttempt struct {
	ID            string       `json:"id" db:"id"`
	SessionID     string       `json:"session_id" db:"session_id"`
	StudentID     string       `json:"student_id" db:"student_id"`
	SubmittedCode string       `json:"submitted_code" db:"submitted_code"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
	Reason        RejectReason `json:"reason" db:"reason"`
	ClientIP      string       `json:"client_ip,omitempty" db:"client_ip"`
	DeviceInfo    string       `json:"device_info,omitempty" db:"device_info"`
}

// EngagementState holds a student's cumulative points and day streak.
// LastAttendanceDate uses DateLayout and is empty before the first award.
type EngagementState struct {
	StudentID          string `json:"student_id" db:"student_id"`
	TotalPoints        int    `json:"total_points" db:"total_points"`
	StreakDays         int    `json:"streak_days" db:"streak_days"`
	LastAttendanceDate string `json:"last_attendance_date,omitempty" db:"last_attendance_date"`
}

// BadgeTier is the display tier of a badge
type BadgeTier string

const (
	TierBronze   BadgeTier = "bronze"
	TierSilver   BadgeTier = "silver"
	TierGold     BadgeTier = "gold"
	TierPlatinum BadgeTier = "platinum"
)

// Badge is a catalog entry unlocked when both thresholds are met
type Badge struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description" db:"description"`
	Tier           BadgeTier `json:"tier" db:"tier"`
	Icon           string    `json:"icon" db:"icon"`
	RequiredPoints int       `json:"required_points" db:"required_points"`
	RequiredStreak int       `json:"required_streak" db:"required_streak"`
}

// EligibleFor reports whether a student with state qualifies for the badge
func (b *Badge) EligibleFor(state *EngagementState) bool {
	return state.TotalPoints >= b.RequiredPoints && state.StreakDays >= b.RequiredStreak
}

// BadgeAward records that a student holds a badge
type BadgeAward struct {
	StudentID string    `json:"student_id" db:"student_id"`
	BadgeID   string    `json:"badge_id" db:"badge_id"`
	EarnedAt  time.Time `json:"earned_at" db:"earned_at"`
	Badge     *Badge    `json:"badge,omitempty"`
}

// NotificationKind classifies persisted notifications
type NotificationKind string

const (
	NotificationSessionStarted    NotificationKind = "session_started"
	NotificationAttendanceMarked  NotificationKind = "attendance_marked"
	NotificationLateWarning       NotificationKind = "late_warning"
	NotificationAbsentAlert       NotificationKind = "absent_alert"
	NotificationBadgeEarned       NotificationKind = "badge_earned"
	NotificationUnusualAttendance NotificationKind = "unusual_attendance"
	NotificationSessionSummary    NotificationKind = "session_summary"
)

// Notification is a persisted message for one user
type Notification struct {
	ID           string           `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	Kind         NotificationKind `json:"type" db:"kind"`
	Title        string           `json:"title" db:"title"`
	Message      string           `json:"message" db:"message"`
	Link         string           `json:"link" db:"link"`
	IsRead       bool             `json:"is_read" db:"is_read"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	CourseID     *string          `json:"course_id,omitempty" db:"course_id"`
	RelevantDate *string          `json:"relevant_date,omitempty" db:"relevant_date"`
}

// User is a read-only directory record
type User struct {
	ID          string `json:"id" db:"id"`
	Role        Role   `json:"role" db:"role"`
	DisplayName string `json:"display_name" db:"display_name"`
}

// Course is a read-only directory record
type Course struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	OwnerID string `json:"owner_id" db:"owner_id"`
}
