// Package orchestrator owns the session lifecycle: spawning challenge
// containers, validating flag submissions, and tearing sessions down on
// stop, expiry, or unrecoverable health failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/keymutex"

	"github.com/markmysler/dvc-sub001/internal/catalog"
	"github.com/markmysler/dvc-sub001/internal/engine"
	"github.com/markmysler/dvc-sub001/internal/flag"
	"github.com/markmysler/dvc-sub001/internal/secprofile"
	"github.com/markmysler/dvc-sub001/pkg/audit"
	"github.com/markmysler/dvc-sub001/pkg/config"
	derrors "github.com/markmysler/dvc-sub001/pkg/errors"
	"github.com/markmysler/dvc-sub001/pkg/session"
)

// Container labels attached to every session container. The session label is
// the discovery key for the orphan sweep and the health monitor.
const (
	LabelChallenge = "dvc.challenge.id"
	LabelUser      = "dvc.challenge.user"
	LabelSession   = "dvc.challenge.session"
	LabelStarted   = "dvc.challenge.started"
	LabelTimeout   = "dvc.challenge.timeout"
)

// Orchestrator drives sessions through their lifecycle. All container engine
// calls go through the ContainerEngine interface so tests can substitute a
// recording mock.
type Orchestrator struct {
	reg      *session.Registry
	catalog  catalog.Catalog
	eng      engine.ContainerEngine
	flags    *flag.System
	profiles secprofile.Resolver
	auditLog *audit.Log
	confProv config.Provider
	kmu      keymutex.KeyMutex
	wg       sync.WaitGroup

	mu          sync.Mutex
	graceTimers map[string]*time.Timer

	l *zap.SugaredLogger
}

// Opts holds the dependencies needed to construct an Orchestrator.
type Opts struct {
	Registry       *session.Registry
	Catalog        catalog.Catalog
	Engine         engine.ContainerEngine
	Flags          *flag.System
	Profiles       secprofile.Resolver
	AuditLog       *audit.Log
	ConfigProvider config.Provider
	KeyMutex       keymutex.KeyMutex
}

// New creates an Orchestrator from explicitly provided dependencies.
// KeyMutex defaults to a hashed key mutex if not provided.
func New(opts Opts) *Orchestrator {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	return &Orchestrator{
		reg:         opts.Registry,
		catalog:     opts.Catalog,
		eng:         opts.Engine,
		flags:       opts.Flags,
		profiles:    opts.Profiles,
		auditLog:    opts.AuditLog,
		confProv:    opts.ConfigProvider,
		kmu:         kmu,
		graceTimers: make(map[string]*time.Timer),
		l:           zap.S(),
	}
}

// Registry exposes the session registry for read-only consumers such as the
// metrics collector and the admin API.
func (o *Orchestrator) Registry() *session.Registry { return o.reg }

// Wait blocks until all background provisioning and teardown goroutines
// have completed, or ctx is cancelled.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawn registers a new session and kicks off container provisioning in the
// background. The returned session is in status starting; callers poll
// GetSession for the transition to running.
func (o *Orchestrator) Spawn(ctx context.Context, challengeID, userID string) (session.Session, error) {
	chall, err := o.catalog.Get(challengeID)
	if err != nil {
		return session.Session{}, derrors.UnknownChallenge(challengeID)
	}
	conf := o.confProv.GetConfig()

	key := challengeID + "/" + userID
	o.kmu.LockKey(key)
	defer func() { _ = o.kmu.UnlockKey(key) }()

	// The registry enforces the duplicate and concurrency limits under its
	// own lock, so two spawns for different pairs cannot both slip past the
	// global cap.
	sess, err := o.reg.Create(challengeID, userID, conf.Orchestrator.SessionTTL,
		conf.Orchestrator.MaxConcurrentSessions, conf.Orchestrator.MaxSessionsPerUser)
	switch {
	case errors.Is(err, session.ErrDuplicate):
		return session.Session{}, derrors.DuplicateSession(challengeID, userID)
	case errors.Is(err, session.ErrGlobalLimit):
		return session.Session{}, derrors.ConcurrencyLimit(
			fmt.Sprintf("session limit of %d reached, stop a session and retry", conf.Orchestrator.MaxConcurrentSessions))
	case errors.Is(err, session.ErrUserLimit):
		return session.Session{}, derrors.ConcurrencyLimit(
			fmt.Sprintf("user %s already has %d active sessions", userID, conf.Orchestrator.MaxSessionsPerUser))
	case err != nil:
		return session.Session{}, derrors.Wrap(derrors.KindValidation, "session could not be created", err)
	}
	o.recordTransition(sess, "", session.StatusStarting, "spawn requested")
	spawnOps.WithLabelValues(challengeID).Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.provision(sess, chall, conf)
	}()

	return sess, nil
}

// provision runs in the background after Spawn returns 202 to the caller.
// The flag is generated here, injected into the container environment, and
// immediately discarded; it is recomputed on every validation.
func (o *Orchestrator) provision(sess session.Session, chall *catalog.Challenge, conf *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.Orchestrator.EngineCallTimeout)
	defer cancel()

	profile := o.profiles.Resolve(chall.Container.SecurityProfile)
	spawnedAt := sess.CreatedAt.Unix()
	timeout := int64(conf.Orchestrator.SessionTTL.Seconds())

	env := make(map[string]string, len(chall.Container.Environment)+6)
	for k, v := range chall.Container.Environment {
		env[k] = v
	}
	env["CHALLENGE_ID"] = sess.ChallengeID
	env["USER_ID"] = sess.UserID
	env["SESSION_ID"] = sess.ID
	env["SESSION_START"] = strconv.FormatInt(spawnedAt, 10)
	env["SESSION_TIMEOUT"] = strconv.FormatInt(timeout, 10)
	env["FLAG"] = o.flags.Generate(sess.ChallengeID, sess.UserID, spawnedAt)

	spec := engine.CreateSpec{
		Name:   engine.ContainerName(sess.ChallengeID, sess.ID),
		Image:  chall.Container.Image,
		Ports:  chall.Container.Ports,
		Env:    env,
		Labels: o.sessionLabels(sess, timeout),
		Memory: firstNonEmpty(chall.Container.Resources.Memory, profile.Memory),
		CPUs:   firstNonEmpty(chall.Container.Resources.CPUs, profile.CPUs),
		PidsLimit: func() int64 {
			if chall.Container.Resources.PidsLimit > 0 {
				return chall.Container.Resources.PidsLimit
			}
			return profile.PidsLimit
		}(),
		Profile: profile,
	}

	created, err := o.eng.CreateAndStart(ctx, spec)
	if err != nil {
		perr := derrors.Provision("container provisioning failed", err)
		o.l.Errorf("Provisioning failed for session %s (challenge %s): %v", sess.ID, sess.ChallengeID, perr)
		provisionFailures.WithLabelValues(sess.ChallengeID).Inc()
		o.recordTransition(sess, session.StatusStarting, session.StatusError, perr.Error())
		o.reg.Remove(sess.ID)
		return
	}

	accessURL := accessURLFor(chall.Container.Ports, created.Ports)
	if err := o.reg.SetRunning(sess.ID, created.ID, accessURL); err != nil {
		// The session was stopped or expired while the container was coming
		// up. The container has no owner, so take it back down.
		o.l.Warnf("Session %s gone after provisioning, removing container %s: %v", sess.ID, created.ID, err)
		o.teardownContainer(created.ID)
		return
	}
	o.recordTransition(sess, session.StatusStarting, session.StatusRunning, "container started")
	o.l.Infof("Session %s running: challenge %s for user %s at %s", sess.ID, sess.ChallengeID, sess.UserID, accessURL)
}

// Stop tears the session down. It is idempotent: stopping an already
// stopping or stopped session is a no-op, and a missing container only means
// someone beat us to it.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, reason string) error {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return derrors.InvalidSession(sessionID)
	}

	o.cancelGraceTimer(sessionID)

	from, err := o.reg.Transition(sessionID, session.StatusStopping)
	if from == session.StatusStopping || from.Terminal() {
		// Another stopper got here first; stopping twice is fine.
		return nil
	}
	if err != nil {
		return derrors.Wrap(derrors.KindInvalidSession, "session cannot be stopped", err)
	}
	o.recordTransition(sess, from, session.StatusStopping, reason)

	// Re-read after the transition: provisioning may have set the container
	// ID between our snapshot and the move to stopping. Once the session is
	// stopping no further SetRunning can land, so this read is the last word
	// on whether a container exists.
	if fresh, err := o.reg.Get(sessionID); err == nil {
		sess = fresh
	}

	if sess.ContainerID != "" {
		conf := o.confProv.GetConfig()
		engCtx, cancel := context.WithTimeout(ctx, conf.Orchestrator.EngineCallTimeout)
		defer cancel()
		o.teardownContainerCtx(engCtx, sess.ContainerID)
	}

	if _, err := o.reg.Transition(sessionID, session.StatusStopped); err != nil {
		return err
	}
	o.recordTransition(sess, session.StatusStopping, session.StatusStopped, reason)
	o.scheduleEviction(sessionID)
	o.l.Infof("Session %s stopped: %s", sessionID, reason)
	return nil
}

// StopAsync launches Stop in a tracked goroutine. Used by HTTP handlers so
// teardown latency never blocks the response.
func (o *Orchestrator) StopAsync(sessionID, reason string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Stop(context.Background(), sessionID, reason); err != nil {
			o.l.Errorf("Background stop of session %s failed: %v", sessionID, err)
		}
	}()
}

// HandleTerminal is the health monitor's callback for sessions whose
// container could not be recovered. The session ends in error, not stopped,
// so the outcome stays distinguishable from a clean teardown. A stop
// already in flight wins the race and keeps its own terminal state.
func (o *Orchestrator) HandleTerminal(sessionID, reason string) {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return
	}
	if sess.Status.Terminal() || sess.Status == session.StatusStopping {
		return
	}

	o.cancelGraceTimer(sessionID)

	from, err := o.reg.Transition(sessionID, session.StatusError)
	if err != nil {
		if !from.Terminal() && from != session.StatusStopping {
			o.l.Errorf("Terminal teardown of session %s failed: %v", sessionID, err)
		}
		return
	}
	o.recordTransition(sess, from, session.StatusError, reason)
	if sess.ContainerID != "" {
		o.teardownContainer(sess.ContainerID)
	}
	o.scheduleEviction(sessionID)
	o.l.Warnf("Session %s failed terminally: %s", sessionID, reason)
}

// ValidateFlagSubmission checks a submitted flag against the value derived
// from the session identity. A correct submission starts the grace window
// exactly once; later correct submissions report the window without
// extending it.
func (o *Orchestrator) ValidateFlagSubmission(sessionID, submitted string) (bool, time.Duration, error) {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return false, 0, derrors.InvalidSession(sessionID)
	}
	if sess.Status != session.StatusRunning {
		return false, 0, derrors.Validation(fmt.Sprintf("session %s is %s, flags can only be submitted against running sessions", sessionID, sess.Status))
	}

	correct := o.flags.Validate(submitted, sess.ChallengeID, sess.UserID, sess.CreatedAt.Unix())
	flagSubmissions.WithLabelValues(sess.ChallengeID, strconv.FormatBool(correct)).Inc()
	if !correct {
		return false, 0, nil
	}

	grace := o.confProv.GetConfig().Orchestrator.GracePeriod
	o.mu.Lock()
	if _, scheduled := o.graceTimers[sessionID]; !scheduled {
		o.graceTimers[sessionID] = time.AfterFunc(grace, func() {
			o.mu.Lock()
			delete(o.graceTimers, sessionID)
			o.mu.Unlock()
			if err := o.Stop(context.Background(), sessionID, "grace period elapsed after correct flag"); err != nil {
				o.l.Errorf("Grace teardown of session %s failed: %v", sessionID, err)
			}
		})
		o.l.Infof("Correct flag for session %s, teardown in %s", sessionID, grace)
	}
	o.mu.Unlock()
	return true, grace, nil
}

// GetSession returns a snapshot of one session.
func (o *Orchestrator) GetSession(sessionID string) (session.Session, error) {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return session.Session{}, derrors.InvalidSession(sessionID)
	}
	return sess, nil
}

// ListActive returns all non-terminal sessions, oldest first.
func (o *Orchestrator) ListActive() []session.Session {
	return o.reg.ListActive()
}

// SweepOrphans removes labeled challenge containers that no registered
// session owns. Run once at startup so containers surviving a crash of this
// process do not linger.
func (o *Orchestrator) SweepOrphans(ctx context.Context) error {
	ids, err := o.eng.ListLabeled(ctx, LabelSession)
	if err != nil {
		return fmt.Errorf("listing labeled containers: %w", err)
	}
	owned := make(map[string]struct{})
	for _, sess := range o.reg.ListActive() {
		if sess.ContainerID != "" {
			owned[sess.ContainerID] = struct{}{}
		}
	}
	swept := 0
	for _, id := range ids {
		if _, ok := owned[id]; ok {
			continue
		}
		o.l.Warnf("Sweeping orphaned challenge container %s", id)
		o.teardownContainerCtx(ctx, id)
		swept++
	}
	if swept > 0 {
		orphansSwept.Add(float64(swept))
		o.l.Infof("Orphan sweep removed %d containers", swept)
	}
	return nil
}

// scheduleEviction drops a terminal session from the registry once the
// retention window passes. The window keeps the final status visible to
// pollers while bounding how many finished sessions the registry holds.
func (o *Orchestrator) scheduleEviction(sessionID string) {
	retention := o.confProv.GetConfig().Orchestrator.TerminalRetention
	if retention <= 0 {
		return
	}
	time.AfterFunc(retention, func() {
		o.reg.Remove(sessionID)
	})
}

func (o *Orchestrator) cancelGraceTimer(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if timer, ok := o.graceTimers[sessionID]; ok {
		timer.Stop()
		delete(o.graceTimers, sessionID)
	}
}

func (o *Orchestrator) teardownContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.confProv.GetConfig().Orchestrator.EngineCallTimeout)
	defer cancel()
	o.teardownContainerCtx(ctx, containerID)
}

func (o *Orchestrator) teardownContainerCtx(ctx context.Context, containerID string) {
	if err := o.eng.Stop(ctx, containerID); err != nil && err != engine.ErrNotFound {
		o.l.Errorf("Failed to stop container %s: %v", containerID, err)
	}
	if err := o.eng.Remove(ctx, containerID); err != nil && err != engine.ErrNotFound {
		o.l.Errorf("Failed to remove container %s: %v", containerID, err)
	}
}

func (o *Orchestrator) sessionLabels(sess session.Session, timeoutSeconds int64) map[string]string {
	return map[string]string{
		LabelChallenge: sess.ChallengeID,
		LabelUser:      sess.UserID,
		LabelSession:   sess.ID,
		LabelStarted:   strconv.FormatInt(sess.CreatedAt.Unix(), 10),
		LabelTimeout:   strconv.FormatInt(timeoutSeconds, 10),
	}
}

func (o *Orchestrator) recordTransition(sess session.Session, from, to session.Status, reason string) {
	if o.auditLog == nil {
		return
	}
	if err := o.auditLog.Record(sess.ID, sess.ChallengeID, sess.UserID, string(from), string(to), reason); err != nil {
		o.l.Errorf("Failed to record transition %s -> %s for session %s: %v", from, to, sess.ID, err)
	}
}

// accessURLFor picks the first declared port that got a host binding. Single
// port challenges are the common case; multi-port images still get a stable
// primary URL.
func accessURLFor(declared []string, published map[string]string) string {
	for _, p := range declared {
		if addr, ok := published[p]; ok && addr != "" {
			return "http://" + addr
		}
	}
	for _, addr := range published {
		if addr != "" {
			return "http://" + addr
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
