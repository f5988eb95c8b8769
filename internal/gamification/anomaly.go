package gamification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"iattend/pkg/types"
)

// DetectAnomalies compares an ended session against the recent history of the
// same course and owner. It reports a low attendance rate against the average of
// the previous sessions and every student who missed the latest run of sessions.
func (e *Engine) DetectAnomalies(ctx context.Context, session *types.Session) ([]types.Event, error) {
	enrolled, err := e.store.EnrolledStudents(ctx, session.CourseID)
	if err != nil {
		return nil, fmt.Errorf("list enrolled students: %w", err)
	}
	if len(enrolled) == 0 {
		return nil, nil
	}

	var events []types.Event

	rateEvent, err := e.detectLowRate(ctx, session, len(enrolled))
	if err != nil {
		return nil, err
	}
	if rateEvent != nil {
		events = append(events, *rateEvent)
	}

	absences, err := e.detectAbsences(ctx, session, enrolled)
	if err != nil {
		return events, err
	}
	return append(events, absences...), nil
}

func (e *Engine) detectLowRate(ctx context.Context, session *types.Session, enrolled int) (*types.Event, error) {
	present, err := e.store.CountValidEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("count present students: %w", err)
	}
	rate := float64(present) / float64(enrolled)

	history, err := e.store.RecentEndedSessions(ctx, session.CourseID, session.OwnerID, session.ID, e.config.AnomalyWindow)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	if len(history) == 0 {
		return nil, nil
	}

	var sum float64
	for _, past := range history {
		count, err := e.store.CountValidEntries(ctx, past.ID)
		if err != nil {
			return nil, fmt.Errorf("count present students: %w", err)
		}
		sum += float64(count) / float64(enrolled)
	}
	baseline := sum / float64(len(history))

	if rate >= baseline-e.config.AnomalyThreshold {
		return nil, nil
	}

	e.logger.Info("unusual attendance detected",
		zap.String("session_id", session.ID),
		zap.Float64("rate", rate),
		zap.Float64("baseline", baseline))

	return &types.Event{
		Kind:       types.EventUnusualAttendance,
		Session:    session,
		Present:    present,
		Enrolled:   enrolled,
		Rate:       rate,
		Baseline:   baseline,
		OccurredAt: e.now().UTC(),
	}, nil
}

func (e *Engine) detectAbsences(ctx context.Context, session *types.Session, enrolled []string) ([]types.Event, error) {
	previous, err := e.store.RecentEndedSessions(ctx, session.CourseID, session.OwnerID, session.ID, e.config.AbsenceWindow-1)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	// newest first, starting with the session that just ended
	window := append([]*types.Session{session}, previous...)
	if len(window) < e.config.AbsenceThreshold {
		return nil, nil
	}

	present := make([]map[string]bool, len(window))
	for i, s := range window {
		ids, err := e.store.ValidStudentIDs(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("load present students: %w", err)
		}
		present[i] = ids
	}

	var events []types.Event
	for _, studentID := range enrolled {
		misses := 0
		for _, ids := range present {
			if ids[studentID] {
				break
			}
			misses++
		}
		if misses >= e.config.AbsenceThreshold {
			events = append(events, types.Event{
				Kind:       types.EventAbsencePattern,
				Session:    session,
				StudentID:  studentID,
				Misses:     misses,
				OccurredAt: e.now().UTC(),
			})
		}
	}
	return events, nil
}
