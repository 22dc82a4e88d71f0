// Package engine abstracts the external container engine. The orchestrator
// and health monitor depend on the ContainerEngine interface; the Docker
// implementation lives in docker.go and everything else treats containers as
// opaque handles.
package engine

import (
	"context"
	"errors"

	"github.com/markmysler/dvc-sub001/internal/secprofile"
)

// ErrNotFound is returned when the engine no longer knows the container.
// Callers treat it as "stop tracking", not as a failure.
var ErrNotFound = errors.New("container not found")

// HealthState is the engine-reported liveness of one container.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStarting  HealthState = "starting"
	HealthNone      HealthState = "none" // no health check configured
	HealthUnknown   HealthState = "unknown"
)

// CreateSpec is everything the engine needs to create and start one
// challenge container. The security profile is already resolved; the engine
// applies it mechanically and never weakens it.
type CreateSpec struct {
	Name      string
	Image     string
	Ports     []string // container ports, e.g. "80/tcp"
	Env       map[string]string
	Labels    map[string]string
	Memory    string // e.g. "256m", profile ceiling already applied
	CPUs      string // e.g. "0.5"
	PidsLimit int64
	Profile   *secprofile.Profile
}

// Created is the engine's confirmation of a started container.
type Created struct {
	ID    string
	Ports map[string]string // container port -> host address, e.g. "80/tcp" -> "127.0.0.1:49154"
}

// ContainerEngine is the minimal engine surface the core depends on.
type ContainerEngine interface {
	CreateAndStart(ctx context.Context, spec CreateSpec) (*Created, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	InspectHealth(ctx context.Context, containerID string) (HealthState, error)
	ListLabeled(ctx context.Context, labelKey string) ([]string, error)
}
