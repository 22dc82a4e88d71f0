package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)
	assert.Len(t, s.ID, 8)
	assert.Equal(t, StatusStarting, s.Status)
	assert.Equal(t, HealthUnknown, s.Health)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 2*time.Second)

	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestRegistryDuplicatePair(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	_, err = r.Create("xss-01", "alice", time.Hour, 0, 0)
	assert.ErrorIs(t, err, ErrDuplicate)

	// A different challenge or user is fine.
	_, err = r.Create("sqli-01", "alice", time.Hour, 0, 0)
	assert.NoError(t, err)
	_, err = r.Create("xss-01", "bob", time.Hour, 0, 0)
	assert.NoError(t, err)
}

func TestRegistryGlobalLimit(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("xss-01", "alice", time.Hour, 1, 0)
	require.NoError(t, err)

	// Different pair, same global cap.
	_, err = r.Create("sqli-01", "bob", time.Hour, 1, 0)
	assert.ErrorIs(t, err, ErrGlobalLimit)

	// Zero means unlimited.
	_, err = r.Create("sqli-01", "bob", time.Hour, 0, 0)
	assert.NoError(t, err)
}

func TestRegistryPerUserLimit(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("xss-01", "alice", time.Hour, 0, 1)
	require.NoError(t, err)

	_, err = r.Create("sqli-01", "alice", time.Hour, 0, 1)
	assert.ErrorIs(t, err, ErrUserLimit)

	// Another user is unaffected.
	_, err = r.Create("sqli-01", "bob", time.Hour, 0, 1)
	assert.NoError(t, err)
}

func TestRegistryLimitFreedByTerminal(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 1, 1)
	require.NoError(t, err)

	_, err = r.Transition(s.ID, StatusError)
	require.NoError(t, err)

	_, err = r.Create("sqli-01", "bob", time.Hour, 1, 1)
	assert.NoError(t, err)
}

func TestRegistryDuplicateClearedByTerminal(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	_, err = r.Transition(s.ID, StatusError)
	require.NoError(t, err)

	_, err = r.Create("xss-01", "alice", time.Hour, 0, 0)
	assert.NoError(t, err)
}

func TestRegistryTransitions(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	require.NoError(t, r.SetRunning(s.ID, "cid-123", "http://127.0.0.1:32768"))
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "cid-123", got.ContainerID)
	assert.Equal(t, "http://127.0.0.1:32768", got.AccessURL)

	from, err := r.Transition(s.ID, StatusStopping)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, from)

	from, err = r.Transition(s.ID, StatusStopped)
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, from)

	// Terminal is terminal.
	_, err = r.Transition(s.ID, StatusRunning)
	assert.Error(t, err)
}

func TestRegistryInvalidTransition(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	// starting cannot jump straight to stopped.
	_, err = r.Transition(s.ID, StatusStopped)
	assert.Error(t, err)

	// SetRunning requires starting.
	_, err = r.Transition(s.ID, StatusError)
	require.NoError(t, err)
	assert.Error(t, r.SetRunning(s.ID, "cid", ""))
}

func TestRegistrySelfTransitionIsNoop(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	from, err := r.Transition(s.ID, StatusStarting)
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, from)
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Transition("nope", StatusError)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.SetRunning("nope", "cid", ""), ErrNotFound)
	// Remove and SetHealth tolerate unknown IDs.
	r.Remove("nope")
	r.SetHealth("nope", HealthHealthy)
}

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Create("xss-01", "alice", time.Hour, 0, 0)
	b, _ := r.Create("sqli-01", "alice", time.Hour, 0, 0)
	_, _ = r.Create("xss-01", "bob", time.Hour, 0, 0)

	require.NoError(t, r.SetRunning(a.ID, "cid-a", ""))
	_, err := r.Transition(b.ID, StatusError)
	require.NoError(t, err)

	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 1, r.ActiveCountForUser("alice"))
	assert.Equal(t, 1, r.ActiveCountForUser("bob"))

	counts := r.CountsByStatus()
	assert.Equal(t, 1, counts[StatusRunning]["xss-01"])
	assert.Equal(t, 1, counts[StatusStarting]["xss-01"])
	assert.Equal(t, 1, counts[StatusError]["sqli-01"])
}

func TestRegistryListActiveOrdered(t *testing.T) {
	r := NewRegistry()
	first, _ := r.Create("xss-01", "alice", time.Hour, 0, 0)
	second, _ := r.Create("sqli-01", "bob", time.Hour, 0, 0)
	done, _ := r.Create("ssrf-01", "carol", time.Hour, 0, 0)
	_, err := r.Transition(done.ID, StatusError)
	require.NoError(t, err)

	active := r.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
}

func TestRegistryExpiringWithin(t *testing.T) {
	r := NewRegistry()
	soon, _ := r.Create("xss-01", "alice", time.Minute, 0, 0)
	_, _ = r.Create("sqli-01", "bob", time.Hour, 0, 0)
	stopping, _ := r.Create("ssrf-01", "carol", time.Second, 0, 0)
	require.NoError(t, r.SetRunning(stopping.ID, "cid", ""))
	_, err := r.Transition(stopping.ID, StatusStopping)
	require.NoError(t, err)

	upcoming := r.ExpiringWithin(5 * time.Minute)
	require.Len(t, upcoming, 1)
	assert.Equal(t, soon.ID, upcoming[0].ID)
}

func TestRegistryRemoveFreesPair(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("xss-01", "alice", time.Hour, 0, 0)
	require.NoError(t, err)

	r.Remove(s.ID)
	_, err = r.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Create("xss-01", "alice", time.Hour, 0, 0)
	assert.NoError(t, err)
}
