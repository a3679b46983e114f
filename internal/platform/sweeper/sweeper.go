// Package sweeper runs the periodic job that dispatches follow-up reminders
// whose scheduled time has passed.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/domain/deadline"
)

// DefaultSchedule runs the sweep every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// Dispatcher sends due reminders and reports how many went out.
type Dispatcher interface {
	DispatchDue(ctx context.Context, now time.Time, method deadline.DeliveryMethod, limit int) (int, error)
}

// RunRecorder receives the outcome of every run. *metrics.Metrics satisfies it.
type RunRecorder interface {
	IncSweepRun(status string)
}

// Config controls the sweep.
type Config struct {
	Schedule  string
	Method    deadline.DeliveryMethod
	BatchSize int
	Timeout   time.Duration
	Clock     func() time.Time
}

// Sweeper wraps a cron scheduler with a single sweep entry.
type Sweeper struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	recorder   RunRecorder
	logger     zerolog.Logger
	cfg        Config

	mu      sync.Mutex
	started bool
}

// New validates the schedule and builds a Sweeper. Overlapping runs are
// skipped rather than queued. recorder may be nil.
func New(cfg Config, dispatcher Dispatcher, recorder RunRecorder, logger zerolog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Method == "" {
		cfg.Method = deadline.MethodEmail
	}
	if !cfg.Method.IsValid() {
		return nil, fmt.Errorf("sweeper: invalid delivery method %q", cfg.Method)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger = logger.With().Str("component", "sweeper").Logger()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)

	s := &Sweeper{
		cron:       c,
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
	if _, err := c.AddFunc(cfg.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Msg("reminder sweeper started")
}

// Stop stops the scheduler and waits for a running sweep to finish or for
// ctx to expire. Safe to call more than once.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("reminder sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep and returns the number of reminders sent.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	now := s.cfg.Clock()
	sent, err := s.dispatcher.DispatchDue(ctx, now, s.cfg.Method, s.cfg.BatchSize)
	if err != nil {
		s.record("error")
		s.logger.Error().Err(err).Time("now", now).Int("sent", sent).Msg("reminder sweep failed")
		return sent, err
	}
	s.record("ok")
	s.logger.Info().Time("now", now).Int("sent", sent).Msg("reminder sweep complete")
	return sent, nil
}

func (s *Sweeper) record(status string) {
	if s.recorder != nil {
		s.recorder.IncSweepRun(status)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
