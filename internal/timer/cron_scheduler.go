package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ForwardFunc receives fired schedules.
type ForwardFunc func(ctx context.Context, req ForwarderRequest) error

// CronScheduler is a Scheduler on a robfig/cron runner. Each schedule is a
// one-shot entry. Schedules live in memory only.
type CronScheduler struct {
	cron    *cron.Cron
	forward ForwardFunc
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

var _ Scheduler = (*CronScheduler)(nil)

// NewCronScheduler creates a scheduler that calls forward when a schedule
// fires. Call Start to begin running schedules.
func NewCronScheduler(forward ForwardFunc, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := &cronLogger{logger: logger}
	return &CronScheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter)),
		),
		forward: forward,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// SetForward replaces the function called when a schedule fires. It lets
// the scheduler and the forwarding client be built in either order.
func (s *CronScheduler) SetForward(forward ForwardFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward = forward
}

func (s *CronScheduler) Start() { s.cron.Start() }

// Stop stops the runner and waits for running jobs.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *CronScheduler) CreateSchedule(ctx context.Context, name string, at time.Time, req ForwarderRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return nil
	}
	job := cron.FuncJob(func() {
		s.mu.Lock()
		forward := s.forward
		s.mu.Unlock()
		if forward == nil {
			s.logger.Error("schedule fired without a forwarder", "schedule", name)
			return
		}
		if err := forward(context.Background(), req); err != nil {
			s.logger.Error("forwarding schedule failed", "schedule", name, "error", err)
		}
	})
	s.entries[name] = s.cron.Schedule(&onceSchedule{at: at}, job)
	return nil
}

func (s *CronScheduler) DeleteSchedule(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	return nil
}

// Len returns the number of live schedules.
func (s *CronScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// onceSchedule activates once at a fixed time, or as soon as possible if
// that time has already passed when the runner first asks.
type onceSchedule struct {
	at     time.Time
	handed bool
}

// Next returns the zero time once the activation has been handed out, which
// cron treats as "never again".
func (o *onceSchedule) Next(t time.Time) time.Time {
	if o.handed && !t.Before(o.at) {
		return time.Time{}
	}
	o.handed = true
	if t.Before(o.at) {
		return o.at
	}
	return t
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
