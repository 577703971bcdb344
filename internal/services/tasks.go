package services

import (
	"sync"
	"time"
)

// TaskScheduler owns one cancellable delayed task per key. Scheduling a key
// replaces its pending task, so a key never has two timers.
type TaskScheduler struct {
	mu    sync.Mutex
	seq   uint64
	tasks map[string]*scheduledTask
}

type scheduledTask struct {
	timer *time.Timer
	seq   uint64
	due   time.Time
}

// NewTaskScheduler creates an empty scheduler
func NewTaskScheduler() *TaskScheduler {
	return &TaskScheduler{tasks: make(map[string]*scheduledTask)}
}

// Schedule runs fn after delay unless the key is cancelled or rescheduled first
func (s *TaskScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok {
		existing.timer.Stop()
	}

	s.seq++
	seq := s.seq
	task := &scheduledTask{seq: seq, due: time.Now().Add(delay)}
	task.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.tasks[key]
		if !ok || current.seq != seq {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.mu.Unlock()

		fn()
	})
	s.tasks[key] = task
}

// Cancel stops the pending task of key and reports whether one existed
func (s *TaskScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether key has a task waiting to run
func (s *TaskScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Due returns when the pending task of key fires
func (s *TaskScheduler) Due(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[key]
	if !ok {
		return time.Time{}, false
	}
	return task.due, true
}

// Len returns the number of pending tasks
func (s *TaskScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// CancelAll stops every pending task and returns how many were cancelled
func (s *TaskScheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tasks)
	for key, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, key)
	}
	return n
}
