package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polarfoxDev/anchor/internal/helpers"
)

// Logger is the logging surface the scheduler needs
type Logger interface {
	Info(format string, args ...any)
	Error(format string, args ...any)
}

// Scheduler triggers a job on a cron schedule and never runs two at once
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	log      Logger
}

func New(spec string, log Logger) (*Scheduler, error) {
	if err := helpers.ValidateCron(spec); err != nil {
		return nil, err
	}
	sched, err := helpers.CronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, schedule: sched, log: log}, nil
}

// Next returns the first activation after t
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run calls job on every activation until ctx is done, then waits for a running job to return.
// An activation that fires while the previous job is still running is skipped.
func (s *Scheduler) Run(ctx context.Context, job func(ctx context.Context)) error {
	logger := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(helpers.CronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { job(ctx) }))

	s.log.Info("scheduler started with %q, next run at %s", s.spec, s.Next(time.Now()).Format(time.RFC3339))
	c.Start()
	<-ctx.Done()

	s.log.Info("scheduler stopping, waiting for running backup")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts the app logger to cron's key/value logger
type cronLogger struct {
	log Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	// cron logs every wakeup at info level; only skips are interesting
	if msg == "skip" {
		l.log.Info("cron: previous backup still running, skipping this activation")
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
