// Package scheduler runs the periodic lifecycle jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Every job runs with the base context,
// a recovered panic is logged, and a run is skipped while the previous
// run of the same job is still going.
type Scheduler struct {
	cron    *cron.Cron
	logger  logrus.FieldLogger
	baseCtx context.Context
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler using standard five-field cron specs and descriptors.
func New(baseCtx context.Context, logger logrus.FieldLogger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		baseCtx: baseCtx,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a named job. Names must be unique.
func (s *Scheduler) Add(name, spec string, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	id, err := s.cron.AddFunc(spec, s.wrap(name, job))
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", name, spec, err)
	}
	s.entries[name] = id
	s.logger.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("Job scheduled")
	return nil
}

func (s *Scheduler) wrap(name string, job JobFunc) func() {
	return func() {
		if s.baseCtx.Err() != nil {
			return
		}
		start := time.Now()
		log := s.logger.WithField("job", name)
		if err := job(s.baseCtx); err != nil {
			log.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Error("Job failed")
			return
		}
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Job completed")
	}
}

// Next returns the next activation time of a named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started")
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger logrus.FieldLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
