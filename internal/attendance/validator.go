// Package attendance validates attendance claims and exposes the attendance
// operations to the transport layers.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iattend/internal/gamification"
	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

// Store is the persistence the validator needs
type Store interface {
	FindValidEntry(ctx context.Context, sessionID, studentID string) (*types.AttendanceEntry, error)
	CreateValidEntry(ctx context.Context, entry *types.AttendanceEntry) error
	UpsertManualEntry(ctx context.Context, entry *types.AttendanceEntry) (*types.AttendanceEntry, error)
	RecordInvalidAttempt(ctx context.Context, attempt *types.InvalidAttempt) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error)
}

// Awarder converts an accepted claim into points and badges
type Awarder interface {
	AwardPoints(ctx context.Context, studentID string, points int) (*gamification.AwardResult, error)
	PointsPerAttendance() int
}

// UpdatePublisher pushes the live count to session observers
type UpdatePublisher interface {
	PublishAttendanceUpdate(ctx context.Context, session *types.Session) error
}

// Claim is one student's attempt to prove presence
type Claim struct {
	SessionID  string
	StudentID  string
	Code       string
	ClientIP   string
	DeviceInfo string
}

// Deps are the collaborators of a Validator. Awarder, Updates and Events may be
// nil, in which case that side effect is skipped.
type Deps struct {
	Sessions interfaces.SessionStore
	Store    Store
	Awarder  Awarder
	Updates  UpdatePublisher
	Events   interfaces.EventDispatcher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Validator is the race-safe submission core
// ARCHITECTURAL DISCOVERY: Three layers keep one valid entry per student per
// session: a per-(session, student) critical section in process, an atomic
// check-and-insert in the store, and the unique index behind both
type Validator struct {
	sessions interfaces.SessionStore
	store    Store
	awarder  Awarder
	updates  UpdatePublisher
	events   interfaces.EventDispatcher
	locks    *keyedMutex
	now      func() time.Time
	logger   *zap.Logger
}

// NewValidator creates a submission validator
func NewValidator(deps Deps) *Validator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Validator{
		sessions: deps.Sessions,
		store:    deps.Store,
		awarder:  deps.Awarder,
		updates:  deps.Updates,
		events:   deps.Events,
		locks:    newKeyedMutex(),
		now:      deps.Clock,
		logger:   deps.Logger.Named("attendance"),
	}
}

// Submit validates a claim. Business rejections come back as an Outcome; only
// unknown sessions or students and infrastructure failures are errors.
func (v *Validator) Submit(ctx context.Context, claim Claim) (types.Outcome, error) {
	now := v.now().UTC()

	session, err := v.sessions.Get(ctx, claim.SessionID)
	if err != nil {
		return types.Outcome{}, err
	}
	if err := v.requireStudent(ctx, claim.StudentID); err != nil {
		return types.Outcome{}, err
	}

	enrolled, err := v.store.IsEnrolled(ctx, session.CourseID, claim.StudentID)
	if err != nil {
		return types.Outcome{}, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if !enrolled {
		return types.Rejected(types.ReasonNotEnrolled), nil
	}

	// 1. validity window
	valid, err := v.sessions.IsValid(ctx, session, now)
	if err != nil {
		return types.Outcome{}, err
	}
	if !valid {
		v.audit(ctx, claim, now, types.ReasonExpired)
		return types.Rejected(types.ReasonExpired), nil
	}

	outcome, err := v.claimEntry(ctx, session, claim, now)
	if err != nil || !outcome.Accepted {
		return outcome, err
	}

	v.logger.Info("attendance accepted",
		zap.String("session_id", session.ID),
		zap.String("student_id", claim.StudentID))

	v.afterAccept(ctx, session, outcome.Entry)
	return outcome, nil
}

// claimEntry runs the duplicate check, the code match and the insert as one
// critical section for the (session, student) pair
func (v *Validator) claimEntry(ctx context.Context, session *types.Session, claim Claim, now time.Time) (types.Outcome, error) {
	unlock := v.locks.Lock(claimKey(session.ID, claim.StudentID))
	defer unlock()

	// 2. an already-valid entry wins; not audited
	existing, err := v.store.FindValidEntry(ctx, session.ID, claim.StudentID)
	if err != nil {
		return types.Outcome{}, err
	}
	if existing != nil {
		return types.Rejected(types.ReasonDuplicate), nil
	}

	// 3. code match
	code := types.NormalizeCode(claim.Code)
	if code != session.Code {
		v.audit(ctx, claim, now, types.ReasonWrongCode)
		return types.Rejected(types.ReasonWrongCode), nil
	}

	// 4. atomic insert
	entry := &types.AttendanceEntry{
		ID:            uuid.New().String(),
		SessionID:     session.ID,
		StudentID:     claim.StudentID,
		Timestamp:     now,
		SubmittedCode: code,
		ClientIP:      claim.ClientIP,
		DeviceInfo:    claim.DeviceInfo,
	}
	if err := v.store.CreateValidEntry(ctx, entry); err != nil {
		if errors.Is(err, types.ErrDuplicateSubmission) {
			// FUNCTIONAL DISCOVERY: Another process sharing the database got there
			// first. Same answer as step 2, still not audited.
			return types.Rejected(types.ReasonDuplicate), nil
		}
		if errors.Is(err, types.ErrExpiredSession) {
			// FUNCTIONAL DISCOVERY: The session ended between step 1 and the insert.
			// The store refused the row, so the claim is as late as any other.
			v.audit(ctx, claim, now, types.ReasonExpired)
			return types.Rejected(types.ReasonExpired), nil
		}
		return types.Outcome{}, err
	}
	return types.Accepted(entry), nil
}

// afterAccept runs the side effects of an accepted claim. None of them can
// change the outcome the student already earned.
func (v *Validator) afterAccept(ctx context.Context, session *types.Session, entry *types.AttendanceEntry) {
	events := []types.Event{{
		Kind:       types.EventAttendanceMarked,
		Session:    session,
		StudentID:  entry.StudentID,
		OccurredAt: entry.Timestamp,
	}}

	if v.awarder != nil {
		result, err := v.awarder.AwardPoints(ctx, entry.StudentID, v.awarder.PointsPerAttendance())
		if err != nil {
			v.logger.Error("failed to award points",
				zap.String("student_id", entry.StudentID),
				zap.Error(err))
		}
		if result != nil {
			for _, badge := range result.NewBadges {
				events = append(events, types.Event{
					Kind:       types.EventBadgeEarned,
					Session:    session,
					StudentID:  entry.StudentID,
					Badge:      badge,
					OccurredAt: entry.Timestamp,
				})
			}
		}
	}

	v.publishUpdate(ctx, session)

	if v.events != nil {
		v.events.Dispatch(ctx, events...)
	}
}

// ManualOverride records a valid entry on the owner's authority, bypassing the
// code and the validity window. Repeating it is harmless.
func (v *Validator) ManualOverride(ctx context.Context, caller types.Caller, sessionID, studentID string) (*types.AttendanceEntry, error) {
	if !caller.Can(types.CapOverrideAttendance) {
		return nil, types.ErrForbidden
	}
	session, err := v.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(session) {
		return nil, types.ErrForbidden
	}
	if session.Status == types.SessionCancelled {
		return nil, types.ErrSessionCancelled
	}
	if err := v.requireStudent(ctx, studentID); err != nil {
		return nil, err
	}
	enrolled, err := v.store.IsEnrolled(ctx, session.CourseID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check enrollment: %w", err)
	}
	if !enrolled {
		return nil, types.ErrNotEnrolled
	}

	unlock := v.locks.Lock(claimKey(session.ID, studentID))
	approver := caller.UserID
	entry, err := v.store.UpsertManualEntry(ctx, &types.AttendanceEntry{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		StudentID: studentID,
		Timestamp: v.now().UTC(),
		AddedBy:   &approver,
	})
	unlock()
	if err != nil {
		return nil, err
	}

	v.logger.Info("manual attendance override",
		zap.String("session_id", session.ID),
		zap.String("student_id", studentID),
		zap.String("approver", approver))

	v.publishUpdate(ctx, session)
	return entry, nil
}

func (v *Validator) requireStudent(ctx context.Context, studentID string) error {
	if !types.IsValidUserID(studentID) {
		return types.ErrUnknownStudent
	}
	user, err := v.store.GetUser(ctx, studentID)
	if errors.Is(err, types.ErrUnknownUser) {
		return types.ErrUnknownStudent
	}
	if err != nil {
		return err
	}
	if user.Role != types.RoleStudent {
		return types.ErrUnknownStudent
	}
	return nil
}

func (v *Validator) audit(ctx context.Context, claim Claim, at time.Time, reason types.RejectReason) {
	err := v.store.RecordInvalidAttempt(ctx, &types.InvalidAttempt{
		ID:            uuid.New().String(),
		SessionID:     claim.SessionID,
		StudentID:     claim.StudentID,
		SubmittedCode: claim.Code,
		Timestamp:     at,
		Reason:        reason,
		ClientIP:      claim.ClientIP,
		DeviceInfo:    claim.DeviceInfo,
	})
	if err != nil {
		v.logger.Error("failed to record invalid attempt",
			zap.String("session_id", claim.SessionID),
			zap.String("student_id", claim.StudentID),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
}

func (v *Validator) publishUpdate(ctx context.Context, session *types.Session) {
	if v.updates == nil {
		return
	}
	// Publish errors are logged by the broadcaster
	_ = v.updates.PublishAttendanceUpdate(ctx, session)
}
