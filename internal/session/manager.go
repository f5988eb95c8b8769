package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

var _ interfaces.SessionStore = (*Manager)(nil)

const (
	DefaultDurationSeconds = 10
	MaxDurationSeconds     = 600

	// finalizeTimeout bounds the background pipeline started by lazy expiry
	finalizeTimeout = 30 * time.Second
)

// Store is the persistence the session manager needs
type Store interface {
	interfaces.SessionRepository
	GetCourse(ctx context.Context, courseID string) (*types.Course, error)
}

// CodeSource allocates a code that no active session holds
type CodeSource interface {
	CreateSessionCode(ctx context.Context) (string, error)
}

// EndedPublisher announces terminal transitions on the session channel
type EndedPublisher interface {
	PublishSessionEnded(session *types.Session) error
}

// Finalizer produces the events of the post-session pipeline
type Finalizer interface {
	Finalize(ctx context.Context, session *types.Session) ([]types.Event, error)
}

// Config bounds session durations
type Config struct {
	DefaultDurationSeconds int `mapstructure:"default_duration_seconds"`
	MaxDurationSeconds     int `mapstructure:"max_duration_seconds"`
	MaxOpenAttempts        int `mapstructure:"max_open_attempts"`
}

// DefaultConfig returns a 10 second default window capped at 10 minutes
func DefaultConfig() Config {
	return Config{
		DefaultDurationSeconds: DefaultDurationSeconds,
		MaxDurationSeconds:     MaxDurationSeconds,
		MaxOpenAttempts:        3,
	}
}

// Deps are the collaborators of a Manager. Publisher, Finalizer and Events may be
// nil, in which case that part of the pipeline is skipped.
type Deps struct {
	Store     Store
	Codes     CodeSource
	Publisher EndedPublisher
	Finalizer Finalizer
	Events    interfaces.EventDispatcher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Manager implements interfaces.SessionStore
type Manager struct {
	config         Config
	store          Store
	codes          CodeSource
	publisher      EndedPublisher
	finalizer      Finalizer
	events         interfaces.EventDispatcher
	now            func() time.Time
	logger         *zap.Logger
	activeSessions map[string]*types.Session // sessionID -> Session
	mu             sync.RWMutex
	pending        sync.WaitGroup // TECHNICAL: Tracks lazy finalization goroutines
}

// NewManager creates a new session manager
func NewManager(config Config, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if config.MaxOpenAttempts <= 0 {
		config.MaxOpenAttempts = 1
	}

	return &Manager{
		config:         config,
		store:          deps.Store,
		codes:          deps.Codes,
		publisher:      deps.Publisher,
		finalizer:      deps.Finalizer,
		events:         deps.Events,
		now:            deps.Clock,
		logger:         deps.Logger.Named("session"),
		activeSessions: make(map[string]*types.Session),
	}
}

// LoadActiveSessions loads all active sessions from the store into memory
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range sessions {
		m.activeSessions[session.ID] = session
	}

	m.logger.Info("loaded active sessions", zap.Int("count", len(sessions)))
	return nil
}

// Open starts an active session for a course the caller owns
func (m *Manager) Open(ctx context.Context, caller types.Caller, courseID string, durationSeconds int) (*types.Session, error) {
	if !caller.Can(types.CapOpenSession) {
		return nil, types.ErrForbidden
	}

	duration, err := m.resolveDuration(durationSeconds)
	if err != nil {
		return nil, err
	}

	if !types.IsValidUserID(courseID) {
		return nil, types.ErrUnknownCourse
	}
	course, err := m.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	// The session owner is always the course owner, also when an admin opens it.
	if !caller.Can(types.CapAdmin) && course.OwnerID != caller.UserID {
		return nil, types.ErrForbidden
	}

	// FUNCTIONAL DISCOVERY: The lookup in CreateSessionCode and the insert are not
	// atomic, so a concurrent Open can take the same code in between. The partial
	// unique index reports that as ErrCodeInUse and we draw again.
	for attempt := 1; attempt <= m.config.MaxOpenAttempts; attempt++ {
		code, err := m.codes.CreateSessionCode(ctx)
		if err != nil {
			return nil, err
		}

		session := &types.Session{
			ID:              uuid.New().String(),
			CourseID:        course.ID,
			OwnerID:         course.OwnerID,
			Code:            code,
			StartTime:       m.now().UTC(),
			DurationSeconds: duration,
			Status:          types.SessionActive,
		}
		if err := session.Validate(); err != nil {
			return nil, err
		}

		err = m.store.CreateSession(ctx, session)
		if errors.Is(err, types.ErrCodeInUse) {
			m.logger.Warn("session code taken concurrently, retrying",
				zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}

		m.mu.Lock()
		m.activeSessions[session.ID] = session
		m.mu.Unlock()

		m.logger.Info("session opened",
			zap.String("session_id", session.ID),
			zap.String("course_id", session.CourseID),
			zap.String("owner_id", session.OwnerID),
			zap.Int("duration_seconds", session.DurationSeconds))

		m.dispatch(ctx, types.Event{Kind: types.EventSessionStarted, Session: clone(session), OccurredAt: session.StartTime})
		return clone(session), nil
	}

	return nil, fmt.Errorf("%w: code taken on every attempt", types.ErrCodeSpaceExhausted)
}

func (m *Manager) resolveDuration(seconds int) (int, error) {
	if seconds == 0 {
		return m.config.DefaultDurationSeconds, nil
	}
	if seconds < 1 || seconds > m.config.MaxDurationSeconds {
		return 0, fmt.Errorf("%w: must be between 1 and %d seconds", types.ErrInvalidDuration, m.config.MaxDurationSeconds)
	}
	return seconds, nil
}

// Get returns a session by ID
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	// Check in-memory cache first
	m.mu.RLock()
	if session, exists := m.activeSessions[sessionID]; exists {
		m.mu.RUnlock()
		return clone(session), nil
	}
	m.mu.RUnlock()

	// Query store for terminal sessions or cache misses
	return m.store.GetSession(ctx, sessionID)
}

// IsValid reports whether a claim at now falls inside the session window.
// An active session whose window has elapsed is moved to ended with
// end_time = start + duration, and session is updated in place. Only the
// caller whose conditional update changed the row starts finalization.
func (m *Manager) IsValid(ctx context.Context, session *types.Session, now time.Time) (bool, error) {
	// ARCHITECTURAL DISCOVERY: The stored row is authoritative. A copy read before a
	// concurrent End or Cancel must not keep accepting claims after that commit.
	current, err := m.store.GetSession(ctx, session.ID)
	if err != nil {
		return false, err
	}
	*session = *current

	if !session.IsActive() {
		m.evict(session.ID)
		return false, nil
	}
	if !session.Elapsed(now) {
		return true, nil
	}

	endTime := session.Deadline()
	won, err := m.store.EndSessionIfActive(ctx, session.ID, endTime)
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	m.evict(session.ID)

	if !won {
		if latest, err := m.store.GetSession(ctx, session.ID); err == nil {
			*session = *latest
		}
		return false, nil
	}

	session.Status = types.SessionEnded
	session.EndTime = &endTime
	m.logger.Info("session expired",
		zap.String("session_id", session.ID),
		zap.Time("end_time", endTime))

	ended := clone(session)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		m.finalize(ctx, ended)
	}()

	return false, nil
}

// End forces an active session to ended at the current time
func (m *Manager) End(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error) {
	session, err := m.authorize(ctx, caller, types.CapEndSession, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case types.SessionCancelled:
		return nil, types.ErrSessionCancelled
	case types.SessionEnded:
		return session, nil
	}

	endTime := m.now().UTC()
	won, err := m.store.EndSessionIfActive(ctx, sessionID, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	m.evict(sessionID)

	if !won {
		// Lost to lazy expiry or a concurrent End/Cancel; report the winner's state.
		latest, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if latest.Status == types.SessionCancelled {
			return nil, types.ErrSessionCancelled
		}
		return latest, nil
	}

	session.Status = types.SessionEnded
	session.EndTime = &endTime
	m.logger.Info("session ended",
		zap.String("session_id", session.ID),
		zap.String("ended_by", caller.UserID))

	m.finalize(ctx, clone(session))
	return session, nil
}

// Cancel moves an active session to cancelled. Cancelled sessions skip the
// summary and anomaly pipeline; observers only receive session_ended.
func (m *Manager) Cancel(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error) {
	session, err := m.authorize(ctx, caller, types.CapEndSession, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case types.SessionCancelled:
		return session, nil
	case types.SessionEnded:
		return nil, ErrSessionNotActive
	}

	endTime := m.now().UTC()
	won, err := m.store.CancelSessionIfActive(ctx, sessionID, endTime)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", err)
	}
	m.evict(sessionID)

	if !won {
		latest, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if latest.Status != types.SessionCancelled {
			return nil, ErrSessionNotActive
		}
		return latest, nil
	}

	session.Status = types.SessionCancelled
	session.EndTime = &endTime
	m.logger.Info("session cancelled",
		zap.String("session_id", session.ID),
		zap.String("cancelled_by", caller.UserID))

	m.publishEnded(session)
	return session, nil
}

// ListActive returns sessions still inside their window, expiring the rest
func (m *Manager) ListActive(ctx context.Context) ([]*types.Session, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return m.filterLive(ctx, sessions)
}

// ListActiveByCourse returns the live sessions of one course
func (m *Manager) ListActiveByCourse(ctx context.Context, courseID string) ([]*types.Session, error) {
	sessions, err := m.store.ListActiveSessionsByCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return m.filterLive(ctx, sessions)
}

func (m *Manager) filterLive(ctx context.Context, sessions []*types.Session) ([]*types.Session, error) {
	now := m.now()
	live := make([]*types.Session, 0, len(sessions))
	for _, session := range sessions {
		ok, err := m.IsValid(ctx, session, now)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, session)
		}
	}
	return live, nil
}

// Wait blocks until background finalizations started by lazy expiry finish
func (m *Manager) Wait() {
	m.pending.Wait()
}

// GetStats returns session manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"cached_active_sessions": len(m.activeSessions),
	}
}

func (m *Manager) authorize(ctx context.Context, caller types.Caller, capability types.Capability, sessionID string) (*types.Session, error) {
	if !caller.Can(capability) {
		return nil, types.ErrForbidden
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(session) {
		return nil, types.ErrForbidden
	}
	return session, nil
}

// finalize runs the post-session pipeline once per ended session
func (m *Manager) finalize(ctx context.Context, session *types.Session) {
	m.publishEnded(session)

	if m.finalizer == nil {
		return
	}
	events, err := m.finalizer.Finalize(ctx, session)
	if err != nil {
		m.logger.Error("session finalization failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
	m.dispatch(ctx, events...)
}

func (m *Manager) publishEnded(session *types.Session) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishSessionEnded(session); err != nil {
		m.logger.Warn("failed to publish session_ended",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

func (m *Manager) dispatch(ctx context.Context, events ...types.Event) {
	if m.events == nil || len(events) == 0 {
		return
	}
	m.events.Dispatch(ctx, events...)
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	delete(m.activeSessions, sessionID)
	m.mu.Unlock()
}

func clone(session *types.Session) *types.Session {
	c := *session
	if session.EndTime != nil {
		end := *session.EndTime
		c.EndTime = &end
	}
	return &c
}
