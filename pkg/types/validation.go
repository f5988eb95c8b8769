package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	codeRegex   = regexp.MustCompile(`^[A-Z0-9]+$`)
)

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// NormalizeCode trims and upper-cases a submitted code so "ab12 " matches "AB12"
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsWellFormedCode reports whether code has the given length and only uses A-Z and 0-9
func IsWellFormedCode(code string, length int) bool {
	return len(code) == length && codeRegex.MatchString(code)
}

// Validate checks the fields a session must carry before it is persisted
func (s *Session) Validate() error {
	if s.ID == "" || s.Code == "" {
		return ErrUnknownSession
	}
	if !IsValidUserID(s.OwnerID) || !IsValidUserID(s.CourseID) {
		return ErrInvalidUserID
	}
	if s.DurationSeconds <= 0 {
		return ErrInvalidDuration
	}
	return nil
}
