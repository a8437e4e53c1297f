package scheduler

import (
	"context"
	"fmt"
	"time"
)

// Cron registers fn under a five-field cron expression (or a descriptor such
// as "@hourly"). Registering the same name again replaces the entry.
func (s *Scheduler) Cron(spec, name string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cronIDs[name]; ok {
		s.cron.Remove(id)
		delete(s.cronIDs, name)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.runCron(name, fn)
	})
	if err != nil {
		return fmt.Errorf("add cron entry %q: %w", name, err)
	}
	s.cronIDs[name] = id

	s.logger.Debug("cron entry registered", "name", name, "schedule", spec)
	return nil
}

// Daily runs fn every day at hour:minute in the scheduler's location.
func (s *Scheduler) Daily(hour, minute int, name string, fn Func) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid daily time %02d:%02d", hour, minute)
	}
	return s.Cron(fmt.Sprintf("%d %d * * *", minute, hour), name, fn)
}

// RemoveCron removes a cron entry by name.
func (s *Scheduler) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.cronIDs[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.cronIDs, name)
	return true
}

// NextCron returns the next activation of a named cron entry.
func (s *Scheduler) NextCron(name string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.cronIDs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) runCron(name string, fn Func) {
	s.running.Add(1)
	defer s.running.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.taskTimeout)
	defer cancel()

	if err := s.execute(ctx, name, fn); err != nil {
		s.logger.Error("cron task failed", "task", name, "error", err)
		s.report(err)
	}
}
