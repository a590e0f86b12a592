// Package backoff schedules retries with bounded exponential delay and jitter.
package backoff

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the delay parameters
type Config struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	JitterRatio float64
}

// DefaultConfig returns 500ms initial, doubling, capped at 30s, 20% jitter
func DefaultConfig() Config {
	return Config{
		Initial:     500 * time.Millisecond,
		Multiplier:  2,
		Max:         30 * time.Second,
		JitterRatio: 0.2,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		c.JitterRatio = d.JitterRatio
	}
	return c
}

// Base is the un-jittered delay for attempt: min(Max, Initial*Multiplier^attempt)
func (c Config) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt))
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= float64(c.Max) {
		return c.Max
	}
	return time.Duration(f)
}

// Delay jitters Base(attempt) by r, a value in [0,1) mapped onto
// [-JitterRatio, +JitterRatio]. The result is floored at zero and rounded to
// the millisecond.
func (c Config) Delay(attempt int, r float64) time.Duration {
	base := float64(c.Base(attempt))
	jitter := (r*2 - 1) * c.JitterRatio * base
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Millisecond)
}

// Scheduler owns at most one pending retry. It is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	clock  clockwork.Clock
	rand   func() float64
	logger *slog.Logger

	mu       sync.Mutex
	timer    clockwork.Timer
	running  bool
	stopped  bool
	attempts int
	// deferred is armed when the running fn finishes without re-arming
	deferred func() error
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand replaces the jitter source. f must return values in [0,1).
func WithRand(f func() float64) Option {
	return func(s *Scheduler) { s.rand = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		clock:  clockwork.NewRealClock(),
		rand:   rand.Float64,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Schedule arms a timer that runs fn after the delay for the current attempt.
// It is a no-op if a timer is pending, fn is running, or the scheduler was
// stopped. It reports whether a timer was armed.
//
// When fn fails the attempt counter increments and fn is scheduled again.
// When fn succeeds the counter resets to zero.
func (s *Scheduler) Schedule(fn func() error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.running || s.timer != nil {
		return false
	}
	s.armLocked(fn)
	return true
}

func (s *Scheduler) armLocked(fn func() error) {
	delay := s.cfg.Delay(s.attempts, s.rand())
	s.logger.Info("retry scheduled", "attempt", s.attempts, "delay", delay)

	var t clockwork.Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer != t || s.stopped {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.running = true
		s.mu.Unlock()

		err := fn()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.running = false
		next := s.deferred
		s.deferred = nil
		if err == nil {
			s.attempts = 0
		} else {
			s.attempts++
			s.logger.Warn("retry failed", "error", err, "attempt", s.attempts)
			next = fn
		}
		if next != nil && !s.stopped {
			s.armLocked(next)
		}
	})
	s.timer = t
}

// ScheduleAfterRun is Schedule, except that a request made while fn is
// running is kept and armed once that run ends, unless the run failed and
// re-armed on its own. It reports whether a timer was armed immediately.
func (s *Scheduler) ScheduleAfterRun(fn func() error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return false
	}
	if s.running {
		s.deferred = fn
		return false
	}
	s.armLocked(fn)
	return true
}

// Cancel clears a pending timer. A run already in progress is unaffected.
// It reports whether a timer was cancelled.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Stop cancels any pending timer and prevents future scheduling
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.deferred = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Reset zeroes the attempt counter after an out-of-band success
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a timer is armed
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Running reports whether a scheduled fn is executing
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
