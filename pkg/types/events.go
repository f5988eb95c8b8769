package types

import "time"

// EventKind names a domain event produced by the core
type EventKind string

const (
	EventSessionStarted    EventKind = "session_started"
	EventAttendanceMarked  EventKind = "attendance_marked"
	EventBadgeEarned       EventKind = "badge_earned"
	EventUnusualAttendance EventKind = "unusual_attendance"
	EventAbsencePattern    EventKind = "absence_pattern"
	EventSessionSummary    EventKind = "session_summary"
)

// Event is emitted by core operations and translated into notifications in one place.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind       EventKind `json:"kind"`
	Session    *Session  `json:"session,omitempty"`
	StudentID  string    `json:"student_id,omitempty"`
	Badge      *Badge    `json:"badge,omitempty"`
	Present    int       `json:"present,omitempty"`
	Enrolled   int       `json:"enrolled,omitempty"`
	Rate       float64   `json:"rate,omitempty"`
	Baseline   float64   `json:"baseline,omitempty"`
	Misses     int       `json:"misses,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope types published on hub channels
const (
	EnvelopeAttendanceUpdate = "attendance_update"
	EnvelopeSessionEnded     = "session_ended"
	EnvelopeNotification     = "notification"
	EnvelopeSnapshot         = "snapshot"
	EnvelopePong             = "pong"
	EnvelopeError            = "error"
)

// Envelope is the JSON frame carried on a hub channel
type Envelope struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionChannel names the hub channel observers of a session subscribe to
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// UserChannel names the hub channel carrying a user's notifications
func UserChannel(userID string) string {
	return "user:" + userID
}
