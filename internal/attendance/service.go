package attendance

import (
	"context"
	"fmt"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

// ReadStore is the read side used for snapshots and owner views
type ReadStore interface {
	CountValidEntries(ctx context.Context, sessionID string) (int, error)
	ListValidEntries(ctx context.Context, sessionID string) ([]*types.AttendanceEntry, error)
	ListInvalidAttempts(ctx context.Context, sessionID string) ([]*types.InvalidAttempt, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// SubmitResult is what the student sees after a claim
type SubmitResult struct {
	Accepted bool               `json:"accepted"`
	Message  string             `json:"message"`
	Reason   types.RejectReason `json:"reason,omitempty"`
}

// Snapshot is the state a new observer of a session starts from
type Snapshot struct {
	Session      *types.Session           `json:"session"`
	Entries      []*types.AttendanceEntry `json:"entries"`
	TotalPresent int                      `json:"total_present"`
	Active       []*types.Session         `json:"active_sessions"`
}

// Detail is a session with its present and enrolled counts
type Detail struct {
	Session  *types.Session `json:"session"`
	Present  int            `json:"present"`
	Enrolled int            `json:"enrolled"`
}

// Service is the entry point the API and websocket layers call
type Service struct {
	sessions  interfaces.SessionStore
	validator *Validator
	reads     ReadStore
}

// NewService wires the facade
func NewService(sessions interfaces.SessionStore, validator *Validator, reads ReadStore) *Service {
	return &Service{sessions: sessions, validator: validator, reads: reads}
}

// SubmitAttendance validates a student's code for a session
func (s *Service) SubmitAttendance(ctx context.Context, sessionID, studentID, code, clientIP, deviceInfo string) (*SubmitResult, error) {
	outcome, err := s.validator.Submit(ctx, Claim{
		SessionID:  sessionID,
		StudentID:  studentID,
		Code:       code,
		ClientIP:   clientIP,
		DeviceInfo: deviceInfo,
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Accepted: outcome.Accepted,
		Message:  outcome.Message(),
		Reason:   outcome.Reason,
	}, nil
}

// OpenSession starts a session for a course
func (s *Service) OpenSession(ctx context.Context, caller types.Caller, courseID string, durationSeconds int) (*types.Session, error) {
	return s.sessions.Open(ctx, caller, courseID, durationSeconds)
}

// EndSession ends a session now
func (s *Service) EndSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error) {
	return s.sessions.End(ctx, caller, sessionID)
}

// CancelSession cancels a session
func (s *Service) CancelSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error) {
	return s.sessions.Cancel(ctx, caller, sessionID)
}

// ManualOverride marks a student present on the owner's authority
func (s *Service) ManualOverride(ctx context.Context, caller types.Caller, sessionID, studentID string) (*types.AttendanceEntry, error) {
	return s.validator.ManualOverride(ctx, caller, sessionID, studentID)
}

// ActiveSessions lists live sessions, optionally for one course
func (s *Service) ActiveSessions(ctx context.Context, courseID string) ([]*types.Session, error) {
	if courseID == "" {
		return s.sessions.ListActive(ctx)
	}
	return s.sessions.ListActiveByCourse(ctx, courseID)
}

// Snapshot returns a session, its valid entries and the other live sessions of
// the same course
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.reads.ListValidEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	active, err := s.sessions.ListActiveByCourse(ctx, session.CourseID)
	if err != nil {
		return nil, err
	}

	others := make([]*types.Session, 0, len(active))
	for _, a := range active {
		if a.ID != session.ID {
			others = append(others, a)
		}
	}
	if entries == nil {
		entries = []*types.AttendanceEntry{}
	}

	return &Snapshot{
		Session:      session,
		Entries:      entries,
		TotalPresent: len(entries),
		Active:       others,
	}, nil
}

// Detail returns a session with present and enrolled counts
func (s *Service) Detail(ctx context.Context, sessionID string) (*Detail, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	present, err := s.reads.CountValidEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	enrolled, err := s.reads.EnrolledStudents(ctx, session.CourseID)
	if err != nil {
		return nil, err
	}
	return &Detail{Session: session, Present: present, Enrolled: len(enrolled)}, nil
}

// Entries lists the valid entries of a session for its owner
func (s *Service) Entries(ctx context.Context, caller types.Caller, sessionID string) ([]*types.AttendanceEntry, error) {
	if _, err := s.OwnedSession(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.reads.ListValidEntries(ctx, sessionID)
}

// Attempts lists the invalid-attempt audit trail of a session for its owner
func (s *Service) Attempts(ctx context.Context, caller types.Caller, sessionID string) ([]*types.InvalidAttempt, error) {
	if _, err := s.OwnedSession(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.reads.ListInvalidAttempts(ctx, sessionID)
}

// OwnedSession returns the session when caller may view its audit data
func (s *Service) OwnedSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error) {
	if !caller.Can(types.CapViewAudit) {
		return nil, types.ErrForbidden
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !caller.CanManage(session) {
		return nil, types.ErrForbidden
	}
	return session, nil
}
