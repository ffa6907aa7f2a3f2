// Package runtime drives the container runtime: pull, run, stop, remove,
// and health inspection, each with a hard timeout.
package runtime

import (
	"context"
	"time"
)

// Health is the runtime-reported health state of a container.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthNone      Health = "none"
)

// HealthCheckSpec configures an in-container health command.
type HealthCheckSpec struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// RunSpec describes a container to start.
type RunSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Network       string
	RestartPolicy string
	HealthCheck   *HealthCheckSpec
	Labels        map[string]string
}

// Driver is the runtime contract the coordinator depends on. A hard
// per-operation timeout is enforced internally by each implementation.
// That timeout is derived from the caller's context, so a caller's
// earlier deadline or cancellation also ends the operation, lifecycle
// commands (run, stop, remove) included.
type Driver interface {
	// Pull pulls image, retrying transient failures up to 3 times with
	// exponential backoff starting at 2s. Permanent failures (e.g.
	// manifest unknown) are not retried.
	Pull(ctx context.Context, image string) error

	// Run starts a container per spec, first stopping and removing any
	// existing container with the same name.
	Run(ctx context.Context, spec RunSpec) (containerID string, err error)

	// Stop stops the named container. Succeeds if the container is absent.
	Stop(ctx context.Context, name string) error

	// Remove removes the named container. Succeeds if the container is absent.
	Remove(ctx context.Context, name string) error

	// InspectHealth returns the runtime-reported health of the named
	// container, or HealthNone if it was not configured with a health
	// command or does not exist.
	InspectHealth(ctx context.Context, name string) (Health, error)

	// ExecProbe runs an HTTP GET against path inside the named
	// container's network namespace and reports whether it returned a
	// 2xx/3xx status. Used by the health prober's second tier.
	ExecProbe(ctx context.Context, name string, port int, path string) (bool, error)

	// PublishedPorts returns every host port currently published by any
	// container the runtime knows about, used by the port allocator's
	// runtime-enumeration source.
	PublishedPorts(ctx context.Context) (map[int]struct{}, error)

	// Status reports whether a named container currently exists and, if
	// so, its ID and whether it is running. Used by the reconciler to
	// detect drift between recorded and actual container state.
	Status(ctx context.Context, name string) (exists bool, containerID string, running bool, err error)
}

// Timeouts match spec.md §4.1 exactly.
const (
	PullTimeout    = 300 * time.Second
	RunTimeout     = 60 * time.Second
	StopTimeout    = 30 * time.Second
	RemoveTimeout  = 30 * time.Second
	InspectTimeout = 5 * time.Second

	pullRetries     = 3
	pullBaseBackoff = 2 * time.Second
)

// IsTransient distinguishes retryable pull failures from permanent ones.
// Implementations call this to decide whether to retry; exported so
// tests and callers can reason about the same classification.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	ce, ok := err.(*Error)
	if !ok {
		return true // unknown shape: treat conservatively as retryable
	}
	return ce.Transient
}

// Error wraps a runtime failure with a transience classification.
type Error struct {
	Op        string
	Transient bool
	Cause     error
}

func (e *Error) Error() string { return e.Op + ": " + e.Cause.Error() }
func (e *Error) Unwrap() error { return e.Cause }
