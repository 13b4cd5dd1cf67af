package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSpec runs every Sunday at 03:00 UTC.
const DefaultSpec = "0 3 * * 0"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// Scheduler fires a function on a standard five field cron expression.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	location *time.Location
	logger   *zap.Logger
}

func New(spec string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		spec:     spec,
		location: time.UTC,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.schedule = sched
	return s, nil
}

func (s *Scheduler) Spec() string {
	return s.spec
}

// Next returns the first activation strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.location))
}

// Run invokes fn on every activation until ctx is cancelled. Activations
// are delivered by a cron runner that skips a tick while fn is still busy.
func (s *Scheduler) Run(ctx context.Context, fn func(context.Context)) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(
			cron.Recover(cronLogger{s.logger}),
			cron.SkipIfStillRunning(cronLogger{s.logger}),
		),
	)

	_, err := c.AddFunc(s.spec, func() {
		s.logger.Info("scheduled run firing", zap.String("spec", s.spec))
		fn(ctx)
	})
	if err != nil {
		return err
	}

	s.logger.Info("scheduler started",
		zap.String("spec", s.spec),
		zap.Time("next", s.Next(time.Now())),
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
