package session

import (
	"sync"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/rs/zerolog"
)

// subscription is one observer with its own ordered mailbox. Commits append
// to the mailbox while holding the manager lock; a dedicated goroutine
// drains it, so a slow observer only delays itself.
type subscription struct {
	id     string
	fn     func(credentials.State)
	logger zerolog.Logger

	mu    sync.Mutex
	queue []credentials.State

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id string, fn func(credentials.State), logger zerolog.Logger) *subscription {
	return &subscription{
		id:     id,
		fn:     fn,
		logger: logger.With().Str("subscription", id).Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscription) enqueue(st credentials.State) {
	s.mu.Lock()
	s.queue = append(s.queue, st)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			st := s.queue[0]
			s.queue[0] = credentials.State{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(st)
		}
	}
}

// deliver invokes the callback, containing any panic to this subscriber.
func (s *subscription) deliver(st credentials.State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Subscriber panicked while handling session change")
		}
	}()
	s.fn(st)
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
