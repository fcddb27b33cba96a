package timer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryScheduler records schedules and fires them when a test advances
// its clock.
type MemoryScheduler struct {
	mu        sync.Mutex
	schedules map[string]MemorySchedule
}

// MemorySchedule is one recorded schedule.
type MemorySchedule struct {
	Name    string
	At      time.Time
	Request ForwarderRequest
}

var _ Scheduler = (*MemoryScheduler)(nil)

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{schedules: make(map[string]MemorySchedule)}
}

func (s *MemoryScheduler) CreateSchedule(_ context.Context, name string, at time.Time, req ForwarderRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[name] = MemorySchedule{Name: name, At: at, Request: req}
	return nil
}

func (s *MemoryScheduler) DeleteSchedule(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
	return nil
}

// Schedules returns the recorded schedules ordered by time.
func (s *MemoryScheduler) Schedules() []MemorySchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemorySchedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// FireDue passes every schedule due at now to forward, in time order.
// Forward is expected to delete the schedule.
func (s *MemoryScheduler) FireDue(ctx context.Context, now time.Time, forward ForwardFunc) error {
	for _, sch := range s.Schedules() {
		if sch.At.After(now) {
			break
		}
		if err := forward(ctx, sch.Request); err != nil {
			return err
		}
	}
	return nil
}
