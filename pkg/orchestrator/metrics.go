package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define Metrics
var (
	spawnOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvc_spawn_ops_total",
			Help: "The total number of session spawns attempted per challenge",
		},
		[]string{"challenge_id"},
	)
	provisionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvc_provision_failures_total",
			Help: "Sessions that never reached running because container provisioning failed",
		},
		[]string{"challenge_id"},
	)
	flagSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvc_flag_submissions_total",
			Help: "Flag submissions per challenge, labeled by whether they were correct",
		},
		[]string{"challenge_id", "correct"},
	)
	expiredSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvc_expired_sessions_total",
		Help: "Sessions torn down because their lifetime elapsed",
	})
	orphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvc_orphans_swept_total",
		Help: "Labeled challenge containers removed at startup because no session owned them",
	})
)
