package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/pkg/session"
)

// ExpiryScheduler tears sessions down when their lifetime elapses. It keeps
// a lookahead window of upcoming expiries and arms a single timer for the
// soonest one, so idle periods cost nothing and a burst of spawns does not
// fan out into per-session goroutines.
type ExpiryScheduler struct {
	orch           *Orchestrator
	timer          *time.Timer
	mu             sync.Mutex
	lookahead      time.Duration
	upcoming       []session.Session
	rescheduleChan chan struct{}
	wg             sync.WaitGroup // track ongoing terminations
	l              *zap.SugaredLogger
}

func NewExpiryScheduler(orch *Orchestrator, logger *zap.SugaredLogger) *ExpiryScheduler {
	return &ExpiryScheduler{
		orch:           orch,
		mu:             sync.Mutex{},
		lookahead:      1 * time.Minute,
		rescheduleChan: make(chan struct{}, 1),
		l:              logger,
	}
}

func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.l.Debug("starting expiry scheduler")
	s.fetchNextExpiries()

	ticker := time.NewTicker(s.lookahead / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			s.wg.Wait() // wait for ongoing terminations
			close(s.rescheduleChan)
			return

		case <-ticker.C:
			s.fetchNextExpiries()

		case <-s.rescheduleChan:
			s.nextExpiry()
		}
	}
}

// NotifyChange asks the scheduler to refresh its window, for example after a
// spawn with a TTL shorter than the lookahead.
func (s *ExpiryScheduler) NotifyChange() {
	s.fetchNextExpiries()
}

func (s *ExpiryScheduler) fetchNextExpiries() {
	s.l.Debug("fetching upcoming expirations")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.upcoming = s.orch.Registry().ExpiringWithin(s.lookahead)
	if len(s.upcoming) == 0 {
		return
	}

	s.armTimer(s.upcoming[0])
}

func (s *ExpiryScheduler) nextExpiry() {
	s.l.Debug("rescheduling expiry")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.upcoming) == 0 {
		return
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armTimer(s.upcoming[0])
}

// armTimer must be called with s.mu held.
func (s *ExpiryScheduler) armTimer(next session.Session) {
	s.l.Debugf("scheduling expiry for session %s at %s", next.ID, next.ExpiresAt)
	delay := time.Until(next.ExpiresAt)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() {
		s.handleExpiry(next.ID)
	})
}

func (s *ExpiryScheduler) handleExpiry(sessionID string) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.l.Debugf("handling expiry for session %s", sessionID)
	// Remove from upcoming and trigger reschedule BEFORE termination
	s.mu.Lock()
	s.removeFromUpcoming(sessionID)
	s.mu.Unlock()

	// Immediately schedule next session
	s.triggerReschedule()

	s.terminateSession(sessionID)
}

func (s *ExpiryScheduler) removeFromUpcoming(sessionID string) {
	for i, sess := range s.upcoming {
		if sess.ID == sessionID {
			s.upcoming = append(s.upcoming[:i], s.upcoming[i+1:]...)
			return
		}
	}
}

func (s *ExpiryScheduler) triggerReschedule() {
	select {
	case s.rescheduleChan <- struct{}{}:
	default:
	}
}

func (s *ExpiryScheduler) terminateSession(sessionID string) {
	sess, err := s.orch.Registry().Get(sessionID)
	if err != nil {
		// Already torn down by a stop or a correct flag.
		return
	}
	if time.Now().Before(sess.ExpiresAt) {
		s.l.Debugf("session %s no longer due, skipping", sessionID)
		return
	}
	if sess.Status.Terminal() || sess.Status == session.StatusStopping {
		return
	}
	s.l.Infof("session %s expired, tearing down", sessionID)
	if err := s.orch.Stop(context.Background(), sessionID, "session lifetime elapsed"); err != nil {
		s.l.Errorf("failed to terminate expired session %s: %v", sessionID, err)
		return
	}
	expiredSessions.Inc()
}
