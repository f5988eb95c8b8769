package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and mapping to client responses at the API boundary
var (
	ErrExpiredSession      = errors.New("session has expired")
	ErrDuplicateSubmission = errors.New("attendance already recorded for this session")
	ErrInvalidCode         = errors.New("invalid attendance code")
	ErrNotEnrolled         = errors.New("student is not enrolled in this course")
	ErrCodeSpaceExhausted  = errors.New("unable to allocate a unique session code")
	ErrCodeInUse           = errors.New("code is held by another active session")
	ErrUnknownSession      = errors.New("session not found")
	ErrUnknownStudent      = errors.New("student not found")
	ErrUnknownUser         = errors.New("user not found")
	ErrUnknownCourse       = errors.New("course not found")
	ErrForbidden           = errors.New("caller is not allowed to perform this operation")
	ErrSessionCancelled    = errors.New("session was cancelled")
	ErrInvalidDuration     = errors.New("session duration out of range")
	ErrInvalidUserID       = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrNotificationMissing = errors.New("notification not found")
)
