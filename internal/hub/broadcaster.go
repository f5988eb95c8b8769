package hub

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

// EntryReader is the read side needed to build attendance updates
type EntryReader interface {
	CountValidEntries(ctx context.Context, sessionID string) (int, error)
	LatestValidEntry(ctx context.Context, sessionID string) (*types.AttendanceEntry, error)
}

// AttendanceUpdate is the payload of an attendance_update envelope
type AttendanceUpdate struct {
	SessionID    string                 `json:"session_id"`
	TotalPresent int                    `json:"total_present"`
	Latest       *types.AttendanceEntry `json:"latest,omitempty"`
}

// SessionEnded is the payload of a session_ended envelope
type SessionEnded struct {
	SessionID string              `json:"session_id"`
	Status    types.SessionStatus `json:"status"`
	EndTime   *time.Time          `json:"end_time,omitempty"`
}

// Broadcaster builds envelopes for the session and user channels
type Broadcaster struct {
	publisher interfaces.Publisher
	entries   EntryReader
	now       func() time.Time
	logger    *zap.Logger
}

// NewBroadcaster wraps a publisher. clock may be nil.
func NewBroadcaster(publisher interfaces.Publisher, entries EntryReader, clock func() time.Time, logger *zap.Logger) *Broadcaster {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		publisher: publisher,
		entries:   entries,
		now:       clock,
		logger:    logger.Named("broadcaster"),
	}
}

// PublishAttendanceUpdate sends the present count and the newest entry
func (b *Broadcaster) PublishAttendanceUpdate(ctx context.Context, session *types.Session) error {
	count, err := b.entries.CountValidEntries(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("count entries for update: %w", err)
	}
	latest, err := b.entries.LatestValidEntry(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("latest entry for update: %w", err)
	}

	return b.publish(types.SessionChannel(session.ID), types.EnvelopeAttendanceUpdate, AttendanceUpdate{
		SessionID:    session.ID,
		TotalPresent: count,
		Latest:       latest,
	})
}

// PublishSessionEnded tells observers the session reached a terminal state
func (b *Broadcaster) PublishSessionEnded(session *types.Session) error {
	return b.publish(types.SessionChannel(session.ID), types.EnvelopeSessionEnded, SessionEnded{
		SessionID: session.ID,
		Status:    session.Status,
		EndTime:   session.EndTime,
	})
}

// PublishNotification pushes a persisted notification to its owner
func (b *Broadcaster) PublishNotification(userID string, notification *types.Notification) error {
	return b.publish(types.UserChannel(userID), types.EnvelopeNotification, notification)
}

func (b *Broadcaster) publish(channel, kind string, payload interface{}) error {
	err := b.publisher.Publish(channel, types.Envelope{
		Type:      kind,
		Channel:   channel,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	})
	if err != nil {
		b.logger.Warn("publish failed",
			zap.String("channel", channel),
			zap.String("type", kind),
			zap.Error(err))
		return err
	}
	return nil
}
