package session

import (
	"context"
	"fmt"
	"time"

	"iattend/pkg/types"
)

// SummaryStore is the read side the finalization pipeline needs
type SummaryStore interface {
	CountValidEntries(ctx context.Context, sessionID string) (int, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// AnomalyDetector compares a finished session against the course history
type AnomalyDetector interface {
	DetectAnomalies(ctx context.Context, session *types.Session) ([]types.Event, error)
}

// Pipeline is the default Finalizer: a session summary for the owner followed by
// whatever the anomaly detector reports
type Pipeline struct {
	store    SummaryStore
	detector AnomalyDetector
	now      func() time.Time
}

// NewPipeline builds the finalization pipeline. detector may be nil.
func NewPipeline(store SummaryStore, detector AnomalyDetector, clock func() time.Time) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{store: store, detector: detector, now: clock}
}

// Finalize returns the session summary and anomaly events for an ended session
func (p *Pipeline) Finalize(ctx context.Context, session *types.Session) ([]types.Event, error) {
	present, err := p.store.CountValidEntries(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("count present students: %w", err)
	}
	enrolled, err := p.store.EnrolledStudents(ctx, session.CourseID)
	if err != nil {
		return nil, fmt.Errorf("list enrolled students: %w", err)
	}

	events := []types.Event{{
		Kind:       types.EventSessionSummary,
		Session:    session,
		Present:    present,
		Enrolled:   len(enrolled),
		OccurredAt: p.now().UTC(),
	}}

	if p.detector == nil {
		return events, nil
	}
	anomalies, err := p.detector.DetectAnomalies(ctx, session)
	if err != nil {
		// The summary still goes out when detection fails.
		return events, fmt.Errorf("detect anomalies: %w", err)
	}
	return append(events, anomalies...), nil
}
