// Package scheduler arms at most one pending credential renewal.
package scheduler

import (
	"sync"
	"time"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/rs/zerolog"
)

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so tests can drive the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Scheduler holds at most one pending action. Arming again or cancelling
// guarantees the previously armed action never starts.
type Scheduler struct {
	clock  Clock
	logger zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	timer   Timer
	at      time.Time
	pending bool
}

// New creates a scheduler using clock, or the wall clock when nil.
func New(clock Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Arm cancels any pending action and schedules action to run at refreshAt.
// A refreshAt at or before now runs the action immediately, on its own
// goroutine.
func (s *Scheduler) Arm(cred credentials.Credential, refreshAt time.Time, action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.gen++
	gen := s.gen
	s.at = refreshAt
	s.pending = true

	delay := refreshAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen, action) })

	s.logger.Debug().
		Str("subject", cred.Subject()).
		Time("refresh_at", refreshAt).
		Dur("delay", delay).
		Msg("Armed credential refresh")
}

// Cancel drops the pending action, if any. It is safe to call repeatedly.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		s.logger.Debug().Time("refresh_at", s.at).Msg("Cancelled credential refresh")
	}
	s.cancelLocked()
}

// Pending returns the target instant of the armed action.
func (s *Scheduler) Pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.pending
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Bumping the generation invalidates a timer that already fired but has
	// not yet taken the lock.
	s.gen++
	s.pending = false
	s.at = time.Time{}
}

func (s *Scheduler) fire(gen uint64, action func()) {
	s.mu.Lock()
	if gen != s.gen || !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.at = time.Time{}
	s.mu.Unlock()

	action()
}
