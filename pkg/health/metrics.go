package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	containerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvc_container_restarts_total",
			Help: "Automatic restarts of unhealthy challenge containers per challenge",
		},
		[]string{"challenge_id"},
	)
)
