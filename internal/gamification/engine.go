// Package gamification turns accepted attendance into points, streaks and badges,
// and watches course history for attendance anomalies.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

// Store is the persistence the engine needs
type Store interface {
	interfaces.EngagementRepository
	RecentEndedSessions(ctx context.Context, courseID, ownerID, excludeID string, limit int) ([]*types.Session, error)
	CountValidEntries(ctx context.Context, sessionID string) (int, error)
	ValidStudentIDs(ctx context.Context, sessionID string) (map[string]bool, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// Config tunes scoring and anomaly detection
type Config struct {
	PointsPerAttendance int     `mapstructure:"points_per_attendance"`
	TimeZone            string  `mapstructure:"time_zone"`
	AnomalyWindow       int     `mapstructure:"anomaly_window"`
	AnomalyThreshold    float64 `mapstructure:"anomaly_threshold"`
	AbsenceWindow       int     `mapstructure:"absence_window"`
	AbsenceThreshold    int     `mapstructure:"absence_threshold"`
}

// DefaultConfig returns 10 points per attendance, UTC calendar days and
// the 5-session / 15% anomaly and 3-miss absence rules
func DefaultConfig() Config {
	return Config{
		PointsPerAttendance: 10,
		TimeZone:            "UTC",
		AnomalyWindow:       5,
		AnomalyThreshold:    0.15,
		AbsenceWindow:       3,
		AbsenceThreshold:    3,
	}
}

// Validate checks the configuration values
func (c Config) Validate() error {
	if c.PointsPerAttendance <= 0 {
		return errors.New("points per attendance must be positive")
	}
	if c.AnomalyWindow <= 0 || c.AbsenceWindow <= 0 {
		return errors.New("anomaly and absence windows must be positive")
	}
	if c.AnomalyThreshold < 0 || c.AnomalyThreshold > 1 {
		return errors.New("anomaly threshold must be between 0 and 1")
	}
	if c.AbsenceThreshold <= 0 || c.AbsenceThreshold > c.AbsenceWindow {
		return errors.New("absence threshold must be between 1 and the absence window")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}
	return nil
}

// AwardResult is the state after an award and the badges it unlocked
type AwardResult struct {
	State     *types.EngagementState `json:"state"`
	NewBadges []*types.Badge         `json:"new_badges,omitempty"`
}

// Engine exclusively owns engagement state and badge awards
type Engine struct {
	config   Config
	store    Store
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine validates the configuration and builds an engine. clock may be nil.
func NewEngine(config Config, store Store, clock func() time.Time, logger *zap.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(config.TimeZone)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:   config,
		store:    store,
		location: location,
		now:      clock,
		logger:   logger.Named("gamification"),
	}, nil
}

// PointsPerAttendance is the award for one accepted submission
func (e *Engine) PointsPerAttendance() int {
	return e.config.PointsPerAttendance
}

// AwardPoints adds points, advances the streak and awards any newly eligible badges
func (e *Engine) AwardPoints(ctx context.Context, studentID string, points int) (*AwardResult, error) {
	today := e.now().In(e.location).Format(types.DateLayout)

	state, err := e.store.UpdateEngagement(ctx, studentID, func(state *types.EngagementState) error {
		return ApplyAttendance(state, points, today)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("points awarded",
		zap.String("student_id", studentID),
		zap.Int("points", points),
		zap.Int("total_points", state.TotalPoints),
		zap.Int("streak_days", state.StreakDays))

	badges, err := e.EvaluateBadges(ctx, studentID, state)
	if err != nil {
		return &AwardResult{State: state}, err
	}
	return &AwardResult{State: state, NewBadges: badges}, nil
}

// ApplyAttendance applies one award to state for the calendar day today.
// Same day keeps the streak, the following day extends it, and anything else
// (first award, a gap, or a last date in the future) restarts it at 1.
func ApplyAttendance(state *types.EngagementState, points int, today string) error {
	day, err := time.Parse(types.DateLayout, today)
	if err != nil {
		return fmt.Errorf("invalid attendance date %q: %w", today, err)
	}
	yesterday := day.AddDate(0, 0, -1).Format(types.DateLayout)

	state.TotalPoints += points
	switch state.LastAttendanceDate {
	case today:
		if state.StreakDays == 0 {
			state.StreakDays = 1
		}
	case yesterday:
		state.StreakDays++
	default:
		state.StreakDays = 1
	}
	state.LastAttendanceDate = today
	return nil
}

// EvaluateBadges awards every eligible badge the student does not hold yet and
// returns only the ones inserted by this call
func (e *Engine) EvaluateBadges(ctx context.Context, studentID string, state *types.EngagementState) ([]*types.Badge, error) {
	catalog, err := e.store.ListBadges(ctx)
	if err != nil {
		return nil, err
	}

	earnedAt := e.now().UTC()
	var awarded []*types.Badge
	for _, badge := range catalog {
		if !badge.EligibleFor(state) {
			continue
		}
		// FUNCTIONAL DISCOVERY: Insert-if-absent is the idempotence guarantee, so
		// two concurrent evaluations can both see eligibility but only one inserts
		created, err := e.store.AwardBadge(ctx, &types.BadgeAward{
			StudentID: studentID,
			BadgeID:   badge.ID,
			EarnedAt:  earnedAt,
		})
		if err != nil {
			return awarded, err
		}
		if created {
			e.logger.Info("badge awarded",
				zap.String("student_id", studentID),
				zap.String("badge_id", badge.ID))
			awarded = append(awarded, badge)
		}
	}
	return awarded, nil
}

// Engagement returns the student's current points and streak
func (e *Engine) Engagement(ctx context.Context, studentID string) (*types.EngagementState, error) {
	return e.store.GetEngagement(ctx, studentID)
}

// Badges returns the badges the student holds
func (e *Engine) Badges(ctx context.Context, studentID string) ([]*types.BadgeAward, error) {
	return e.store.ListBadgeAwards(ctx, studentID)
}

// Catalog returns every badge that can be earned
func (e *Engine) Catalog(ctx context.Context) ([]*types.Badge, error) {
	return e.store.ListBadges(ctx)
}
