package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule refreshes expired sessions every few seconds for the UI
const DefaultSweepSchedule = "@every 5s"

// Sweeper periodically runs the lazy validity check over every active session.
// Correctness never depends on it: submissions perform the same check inline.
type Sweeper struct {
	manager  *Manager
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
	cron     *cron.Cron
	running  bool
	mu       sync.Mutex
}

// NewSweeper validates the schedule and prepares a stopped sweeper
func NewSweeper(manager *Manager, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		manager:  manager,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger.Named("sweeper"),
	}, nil
}

// Start schedules the sweep job
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSweeperRunning
	}

	cl := cronLogger{sugar: s.logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSweeperNotRunning
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	expired, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("sweep expired sessions", zap.Int("expired", expired))
	}
}

// SweepOnce checks every active session once and returns how many it expired
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	sessions, err := s.manager.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	now := s.manager.now()
	expired := 0
	for _, session := range sessions {
		ok, err := s.manager.IsValid(ctx, session, now)
		if err != nil {
			return expired, err
		}
		if !ok {
			expired++
		}
	}
	return expired, nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
