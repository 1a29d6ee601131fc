package tasks

import "sync"

// SignalHandler observes one task lifecycle event. Handlers run inline on
// the worker goroutine; keep them fast.
type SignalHandler func(t *Task)

// Signals fans worker lifecycle events out to subscribers. Metrics and
// access logging hook in here without the worker knowing about them.
type Signals struct {
	mu        sync.RWMutex
	started   []SignalHandler
	completed []SignalHandler
	retried   []SignalHandler
	failed    []SignalHandler
}

// NewSignals returns an empty subscriber set.
func NewSignals() *Signals {
	return &Signals{}
}

// OnStarted subscribes to task claim events.
func (s *Signals) OnStarted(fn SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, fn)
}

// OnCompleted subscribes to successful completions.
func (s *Signals) OnCompleted(fn SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, fn)
}

// OnRetried subscribes to failed attempts that were rescheduled.
func (s *Signals) OnRetried(fn SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, fn)
}

// OnFailed subscribes to permanent failures.
func (s *Signals) OnFailed(fn SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, fn)
}

func (s *Signals) emit(list func(*Signals) []SignalHandler, t *Task) {
	s.mu.RLock()
	handlers := append([]SignalHandler(nil), list(s)...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(t)
	}
}

func (s *Signals) emitStarted(t *Task) {
	s.emit(func(s *Signals) []SignalHandler { return s.started }, t)
}

func (s *Signals) emitCompleted(t *Task) {
	s.emit(func(s *Signals) []SignalHandler { return s.completed }, t)
}

func (s *Signals) emitRetried(t *Task) {
	s.emit(func(s *Signals) []SignalHandler { return s.retried }, t)
}

func (s *Signals) emitFailed(t *Task) {
	s.emit(func(s *Signals) []SignalHandler { return s.failed }, t)
}
