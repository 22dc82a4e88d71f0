// Package session holds the in-memory registry of challenge sessions. The
// registry is the single piece of state shared between the orchestrator and
// the health monitor; every mutation happens under one lock and reads hand
// out copies, never pointers into the map.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// HealthStatus is the health monitor's current assessment of the session's
// container.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrDuplicate   = errors.New("active session already exists")
	ErrGlobalLimit = errors.New("concurrent session limit reached")
	ErrUserLimit   = errors.New("per-user session limit reached")
)

// validTransitions encodes the status machine; anything not listed is a
// programming error and is rejected.
var validTransitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
}

// Session is one user's attempt at a challenge, bound to at most one
// container. Values handed out by the registry are snapshots.
type Session struct {
	ID          string       `json:"session_id"`
	ChallengeID string       `json:"challenge_id"`
	UserID      string       `json:"user_id"`
	ContainerID string       `json:"container_id,omitempty"`
	AccessURL   string       `json:"access_url,omitempty"`
	Status      Status       `json:"status"`
	Health      HealthStatus `json:"health_status"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Registry is a thread-safe in-memory session store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPair   map[string]string // challengeID+"\x00"+userID -> active session ID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byPair:   make(map[string]string),
	}
}

func pairKey(challengeID, userID string) string {
	return challengeID + "\x00" + userID
}

// Create registers a new session in status starting. It fails with
// ErrDuplicate while a non-terminal session exists for the same
// (challenge, user) pair, with ErrGlobalLimit when maxActive sessions are
// already starting or running, and with ErrUserLimit when the user owns
// maxPerUser active sessions. All three checks happen under the registry
// lock together with the insert, so concurrent creates cannot slip past a
// limit. A limit of zero or less means unlimited.
func (r *Registry) Create(challengeID, userID string, ttl time.Duration, maxActive, maxPerUser int) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(challengeID, userID)
	if existingID, ok := r.byPair[key]; ok {
		if existing := r.sessions[existingID]; existing != nil && !existing.Status.Terminal() {
			return Session{}, ErrDuplicate
		}
		delete(r.byPair, key)
	}

	if maxActive > 0 && r.activeCountLocked() >= maxActive {
		return Session{}, ErrGlobalLimit
	}
	if maxPerUser > 0 && r.activeCountForUserLocked(userID) >= maxPerUser {
		return Session{}, ErrUserLimit
	}

	now := time.Now()
	s := &Session{
		ID:          newSessionID(),
		ChallengeID: challengeID,
		UserID:      userID,
		Status:      StatusStarting,
		Health:      HealthUnknown,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	r.sessions[s.ID] = s
	r.byPair[key] = s.ID
	return *s, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// SetRunning advances a starting session to running, recording the container
// handle and access URL in the same critical section so a running session is
// never observable without its container_id.
func (r *Registry) SetRunning(sessionID, containerID, accessURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusStarting {
		return fmt.Errorf("invalid transition %s -> %s for session %s", s.Status, StatusRunning, sessionID)
	}
	s.ContainerID = containerID
	s.AccessURL = accessURL
	s.Status = StatusRunning
	return nil
}

// Transition moves the session to the given status, enforcing the status
// machine. It returns the previous status for audit logging.
func (r *Registry) Transition(sessionID string, to Status) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	from := s.Status
	if from == to {
		return from, nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			s.Status = to
			return from, nil
		}
	}
	return from, fmt.Errorf("invalid transition %s -> %s for session %s", from, to, sessionID)
}

// SetHealth records the health monitor's assessment. It is a no-op for
// unknown sessions so a late health update cannot resurrect an evicted one.
func (r *Registry) SetHealth(sessionID string, health HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.Health = health
	}
}

// Remove evicts the session. Only called once the underlying container is
// confirmed gone (or was never created).
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	key := pairKey(s.ChallengeID, s.UserID)
	if r.byPair[key] == sessionID {
		delete(r.byPair, key)
	}
	delete(r.sessions, sessionID)
}

// ListActive returns a snapshot of all non-terminal sessions, oldest first.
func (r *Registry) ListActive() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Status.Terminal() {
			active = append(active, *s)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active
}

// ActiveCount returns how many sessions are currently starting or running,
// the population the concurrency limit applies to.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	count := 0
	for _, s := range r.sessions {
		if s.Status == StatusStarting || s.Status == StatusRunning {
			count++
		}
	}
	return count
}

// ActiveCountForUser returns the number of non-terminal sessions owned by
// one user.
func (r *Registry) ActiveCountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountForUserLocked(userID)
}

func (r *Registry) activeCountForUserLocked(userID string) int {
	count := 0
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Status.Terminal() {
			count++
		}
	}
	return count
}

// CountsByStatus returns session counts grouped by (status, challenge) for
// the metrics collector.
func (r *Registry) CountsByStatus() map[Status]map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]map[string]int)
	for _, s := range r.sessions {
		byChallenge, ok := counts[s.Status]
		if !ok {
			byChallenge = make(map[string]int)
			counts[s.Status] = byChallenge
		}
		byChallenge[s.ChallengeID]++
	}
	return counts
}

// ExpiringWithin returns active sessions whose expiry falls inside the
// lookahead window, soonest first. Used by the expiry scheduler.
func (r *Registry) ExpiringWithin(window time.Duration) []Session {
	deadline := time.Now().Add(window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var upcoming []Session
	for _, s := range r.sessions {
		if s.Status.Terminal() || s.Status == StatusStopping {
			continue
		}
		if !s.ExpiresAt.After(deadline) {
			upcoming = append(upcoming, *s)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].ExpiresAt.Before(upcoming[j].ExpiresAt) })
	return upcoming
}

// newSessionID returns a short opaque token; the first uuid block is enough
// entropy for a single-host lab and keeps container names readable.
func newSessionID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
