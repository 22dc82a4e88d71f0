// Package health polls the containers behind running sessions and drives
// bounded auto-recovery. Containers failing repeated checks are restarted
// with exponential backoff; once recovery is exhausted the session is handed
// to the terminal handler for teardown.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markmysler/dvc-sub001/internal/engine"
	"github.com/markmysler/dvc-sub001/pkg/config"
	derrors "github.com/markmysler/dvc-sub001/pkg/errors"
	"github.com/markmysler/dvc-sub001/pkg/session"
)

// TerminalFunc is invoked when a session's container cannot be recovered.
// The monitor never tears sessions down itself.
type TerminalFunc func(sessionID, reason string)

// Record is the monitor's bookkeeping for one session, exposed for the
// health endpoints.
type Record struct {
	SessionID           string             `json:"session_id"`
	ContainerID         string             `json:"container_id"`
	State               engine.HealthState `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	RestartAttempts     int                `json:"restart_attempts"`
	LastChecked         time.Time          `json:"last_checked"`
	NextRestartAt       time.Time          `json:"next_restart_at,omitempty"`
}

// Monitor owns the health checking loop.
type Monitor struct {
	reg        *session.Registry
	eng        engine.ContainerEngine
	confProv   config.Provider
	onTerminal TerminalFunc

	mu      sync.Mutex
	records map[string]*Record

	l *zap.SugaredLogger
}

func NewMonitor(reg *session.Registry, eng engine.ContainerEngine, confProv config.Provider, onTerminal TerminalFunc) *Monitor {
	return &Monitor{
		reg:        reg,
		eng:        eng,
		confProv:   confProv,
		onTerminal: onTerminal,
		records:    make(map[string]*Record),
		l:          zap.S(),
	}
}

// Start runs the check loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.l.Debug("starting health monitor")
	interval := m.confProv.GetConfig().Health.CheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks every running session once and prunes records of sessions
// that no longer exist.
func (m *Monitor) sweep(ctx context.Context) {
	conf := m.confProv.GetConfig()
	active := make(map[string]session.Session)
	for _, sess := range m.reg.ListActive() {
		if sess.Status == session.StatusRunning && sess.ContainerID != "" {
			active[sess.ID] = sess
		}
	}

	m.mu.Lock()
	for id := range m.records {
		if _, ok := active[id]; !ok {
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range active {
		m.checkSession(ctx, sess, conf)
	}
}

func (m *Monitor) checkSession(ctx context.Context, sess session.Session, conf *config.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.EngineCallTimeout)
	state, err := m.eng.InspectHealth(checkCtx, sess.ContainerID)
	cancel()

	m.mu.Lock()
	rec, ok := m.records[sess.ID]
	if !ok {
		rec = &Record{SessionID: sess.ID, ContainerID: sess.ContainerID}
		m.records[sess.ID] = rec
	}
	rec.LastChecked = time.Now()
	m.mu.Unlock()

	if err != nil {
		if err == engine.ErrNotFound {
			// The container vanished underneath us. Nothing to recover.
			m.l.Warnf("container for session %s is gone, handing over for teardown", sess.ID)
			m.forget(sess.ID)
			m.reg.SetHealth(sess.ID, session.HealthUnhealthy)
			m.onTerminal(sess.ID, "container no longer exists")
			return
		}
		if transient, pattern := derrors.IsTransientErrorMsg(err); transient {
			m.l.Debugf("transient health check error for session %s (%s): %v", sess.ID, pattern, err)
			return
		}
		m.l.Errorf("health check failed for session %s: %v", sess.ID, err)
		state = engine.HealthUnknown
	}

	m.reg.SetHealth(sess.ID, sessionHealth(state))

	switch state {
	case engine.HealthHealthy, engine.HealthNone:
		m.mu.Lock()
		rec.State = state
		rec.ConsecutiveFailures = 0
		rec.RestartAttempts = 0
		rec.NextRestartAt = time.Time{}
		m.mu.Unlock()
	case engine.HealthStarting:
		m.mu.Lock()
		rec.State = state
		m.mu.Unlock()
	default:
		m.handleUnhealthy(ctx, sess, rec, state, conf)
	}
}

// handleUnhealthy counts consecutive failures and, past the threshold,
// restarts the container with exponential backoff. Recovery is bounded:
// once the restart budget is spent the session goes terminal.
func (m *Monitor) handleUnhealthy(ctx context.Context, sess session.Session, rec *Record, state engine.HealthState, conf *config.Config) {
	m.mu.Lock()
	rec.State = state
	rec.ConsecutiveFailures++
	failures := rec.ConsecutiveFailures
	attempts := rec.RestartAttempts
	nextRestartAt := rec.NextRestartAt
	m.mu.Unlock()

	threshold := conf.Health.FailureThreshold
	if failures < threshold {
		m.l.Debugf("session %s unhealthy (%d/%d)", sess.ID, failures, threshold)
		return
	}

	if attempts >= threshold {
		m.l.Warnf("session %s still unhealthy after %d restarts, giving up", sess.ID, attempts)
		m.forget(sess.ID)
		m.onTerminal(sess.ID, "health recovery exhausted")
		return
	}

	if !nextRestartAt.IsZero() && time.Now().Before(nextRestartAt) {
		return
	}

	backoff := conf.Health.BackoffBase << attempts
	if backoff > conf.Health.BackoffMax {
		backoff = conf.Health.BackoffMax
	}

	m.l.Infof("restarting container for unhealthy session %s (attempt %d, next backoff %s)", sess.ID, attempts+1, backoff)
	restartCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.EngineCallTimeout)
	err := m.eng.Restart(restartCtx, sess.ContainerID)
	cancel()

	m.mu.Lock()
	rec.RestartAttempts++
	rec.NextRestartAt = time.Now().Add(backoff)
	rec.ConsecutiveFailures = 0
	m.mu.Unlock()
	containerRestarts.WithLabelValues(sess.ChallengeID).Inc()

	if err != nil {
		if err == engine.ErrNotFound {
			m.forget(sess.ID)
			m.onTerminal(sess.ID, "container no longer exists")
			return
		}
		m.l.Errorf("restart of session %s failed: %v", sess.ID, err)
	}
}

func (m *Monitor) forget(sessionID string) {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
}

// Session returns the monitor's record for one session, if it has checked
// it at least once.
func (m *Monitor) Session(sessionID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Summary returns a copy of every tracked record.
func (m *Monitor) Summary() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

func sessionHealth(state engine.HealthState) session.HealthStatus {
	switch state {
	case engine.HealthHealthy, engine.HealthNone:
		return session.HealthHealthy
	case engine.HealthStarting:
		return session.HealthStarting
	case engine.HealthUnhealthy:
		return session.HealthUnhealthy
	default:
		return session.HealthUnknown
	}
}
