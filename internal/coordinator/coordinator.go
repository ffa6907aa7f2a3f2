// Package coordinator implements the blue-green slot state machine:
// deploy, promote, rollback, and cleanup, each serialized per scope and
// built from the same ordered side-effect sequence the external
// interface depends on (container lifecycle, then health, then proxy,
// then registry).
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/tidewayhq/tideway/internal/coordinator/scopelock"
	"github.com/tidewayhq/tideway/internal/healthprobe"
	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/portalloc"
	"github.com/tidewayhq/tideway/internal/proxy"
	"github.com/tidewayhq/tideway/internal/registry"
	"github.com/tidewayhq/tideway/internal/runtime"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// GraceWindow is how long a demoted slot stays in state=grace before it
// becomes eligible for cleanup.
const GraceWindow = 48 * time.Hour

// DeployOptions are the caller-tunable knobs for Deploy.
type DeployOptions struct {
	SkipHealthcheck bool
	AutoPromote     bool
	HealthPath      string
	ContainerPort   int
	Env             map[string]string
}

// DeployResult is the outcome of a successful deploy.
type DeployResult struct {
	Slot          slotmodel.Name  `json:"slot"`
	Port          int             `json:"port"`
	PreviewURL    string          `json:"previewUrl"`
	IsFirstDeploy bool            `json:"isFirstDeploy"`
	ActiveSlot    *slotmodel.Name `json:"activeSlot"`
	Promotion     *PromoteResult  `json:"promotion,omitempty"`
}

// PromoteResult is the outcome of a successful promote or rollback.
type PromoteResult struct {
	ActiveSlot     slotmodel.Name
	PreviousSlot   *slotmodel.Name
	URL            string
	GraceSlot      *slotmodel.Name
	GraceEndsAt    time.Time
	HoursRemaining float64
}

// RollbackResult is the outcome of a successful rollback.
type RollbackResult struct {
	RolledBackTo   slotmodel.Name
	PreviousActive *slotmodel.Name
	URL            string
}

// CleanupReport describes the disposition of one slot during a cleanup
// sweep.
type CleanupReport struct {
	Project     string
	Environment slotmodel.Environment
	Slot        slotmodel.Name
	Cleaned     bool
	Reason      string
}

// Coordinator is the slot state machine. It is safe for concurrent use;
// all mutating operations serialize per (project, environment).
type Coordinator struct {
	registry *registry.Registry
	driver   runtime.Driver
	allocate *portalloc.Allocator
	health   *healthprobe.Prober
	proxyCfg *proxy.Configurator
	locks    *scopelock.Table
	log      logger.Logger
	network  string
}

// New builds a Coordinator from its collaborators.
func New(reg *registry.Registry, driver runtime.Driver, allocator *portalloc.Allocator, health *healthprobe.Prober, proxyCfg *proxy.Configurator, network string, log logger.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		driver:   driver,
		allocate: allocator,
		health:   health,
		proxyCfg: proxyCfg,
		locks:    scopelock.New(),
		log:      log,
		network:  network,
	}
}

func scopeKey(project string, env slotmodel.Environment) string {
	return project + "-" + string(env)
}

// withScopeLock runs fn with the named scope's lock held, surfacing
// scope_busy if it cannot be acquired within scopelock.AcquireTimeout.
func (c *Coordinator) withScopeLock(ctx context.Context, project string, env slotmodel.Environment, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, scopelock.AcquireTimeout)
	defer cancel()

	release, err := c.locks.Acquire(lockCtx, scopeKey(project, env))
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Deploy runs the deploy operation in full: allocate a port, pull,
// start, health-gate, then commit. See spec.md §4.6.
func (c *Coordinator) Deploy(ctx context.Context, project string, env slotmodel.Environment, image string, opts DeployOptions) (*DeployResult, error) {
	var result *DeployResult
	err := c.withScopeLock(ctx, project, env, func(ctx context.Context) error {
		r, err := c.deploy(ctx, project, env, image, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (c *Coordinator) deploy(ctx context.Context, project string, env slotmodel.Environment, image string, opts DeployOptions) (*DeployResult, error) {
	scope, err := c.registry.Load(ctx, project, env)
	if err != nil {
		return nil, err
	}
	isFirstDeploy := scope.Blue.Empty() && scope.Green.Empty()

	target := slotmodel.Blue
	if scope.ActiveSlot != nil {
		target = scope.ActiveSlot.Opposite()
	}
	containerName := slotmodel.ContainerName(project, env, target)

	rng, err := c.registry.EnvironmentRange(env)
	if err != nil {
		return nil, err
	}
	port, err := c.allocate.Allocate(ctx, env, rng, target)
	if err != nil {
		return nil, err
	}

	if err := c.registry.ClaimPort(ctx, project, env, target, port); err != nil {
		c.log.Error("failed to record claimed port in ledger", logger.Err(err))
	}

	if err := c.driver.Pull(ctx, image); err != nil {
		c.releasePort(ctx, port)
		return nil, apperr.Wrap(apperr.KindImageUnavailable, fmt.Sprintf("pull %s", image), err)
	}

	if err := c.driver.Stop(ctx, containerName); err != nil {
		c.releasePort(ctx, port)
		return nil, err
	}
	if err := c.driver.Remove(ctx, containerName); err != nil {
		c.releasePort(ctx, port)
		return nil, err
	}

	containerPort := opts.ContainerPort
	if containerPort == 0 {
		containerPort = port
	}
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}

	envVars := map[string]string{
		"PROJECT":     project,
		"ENVIRONMENT": string(env),
		"SLOT":        string(target),
		"PORT":        fmt.Sprintf("%d", containerPort),
	}
	for k, v := range opts.Env {
		envVars[k] = v
	}

	var healthCheck *runtime.HealthCheckSpec
	if !opts.SkipHealthcheck {
		healthCheck = &runtime.HealthCheckSpec{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("wget -qO- http://127.0.0.1:%d%s || exit 1", containerPort, healthPath)},
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     3,
			StartPeriod: 5 * time.Second,
		}
	}

	containerID, err := c.driver.Run(ctx, runtime.RunSpec{
		Name:          containerName,
		Image:         image,
		HostPort:      port,
		ContainerPort: containerPort,
		Env:           envVars,
		Network:       c.network,
		HealthCheck:   healthCheck,
		Labels: map[string]string{
			"tideway.project":     project,
			"tideway.environment": string(env),
			"tideway.slot":        string(target),
		},
	})
	if err != nil {
		c.releasePort(ctx, port)
		return nil, err
	}

	if !opts.SkipHealthcheck {
		healthy := c.health.WaitHealthy(ctx, containerName, port, healthPath, healthprobe.DefaultDeployDeadline)
		if !healthy {
			_ = c.driver.Stop(ctx, containerName)
			_ = c.driver.Remove(ctx, containerName)
			c.releasePort(ctx, port)
			return nil, apperr.New(apperr.KindUnhealthy, fmt.Sprintf("%s did not become healthy within %s", containerName, healthprobe.DefaultDeployDeadline))
		}
	}

	if err := c.registry.CommitDeploy(ctx, scope, target, port, containerID, image, time.Now()); err != nil {
		return nil, err
	}

	result := &DeployResult{
		Slot:          target,
		Port:          port,
		PreviewURL:    fmt.Sprintf("http://localhost:%d", port),
		IsFirstDeploy: isFirstDeploy,
		ActiveSlot:    scope.ActiveSlot,
	}

	if opts.AutoPromote {
		promo, err := c.promote(ctx, scope, &target)
		if err != nil {
			return result, err
		}
		result.Promotion = promo
	}

	return result, nil
}

// Promote runs the promote operation. See spec.md §4.6.
func (c *Coordinator) Promote(ctx context.Context, project string, env slotmodel.Environment, target *slotmodel.Name) (*PromoteResult, error) {
	var result *PromoteResult
	err := c.withScopeLock(ctx, project, env, func(ctx context.Context) error {
		scope, err := c.registry.Load(ctx, project, env)
		if err != nil {
			return err
		}
		r, err := c.promote(ctx, scope, target)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (c *Coordinator) promote(ctx context.Context, scope *slotmodel.Scope, target *slotmodel.Name) (*PromoteResult, error) {
	var targetName slotmodel.Name
	if target != nil {
		targetName = *target
	} else {
		candidates := scope.DeployedCandidates()
		if len(candidates) != 1 {
			return nil, apperr.New(apperr.KindNoPromotableSlot, fmt.Sprintf("expected exactly one deployed slot, found %d", len(candidates)))
		}
		targetName = candidates[0]
	}

	targetSlot := scope.Slot(targetName)
	containerName := slotmodel.ContainerName(scope.Project, scope.Environment, targetName)
	healthy := c.health.WaitHealthy(ctx, containerName, targetSlot.Port, "/health", healthprobe.DefaultGateDeadline)
	if !healthy {
		return nil, apperr.New(apperr.KindUnhealthy, fmt.Sprintf("%s failed final health gate", containerName))
	}

	var previous *slotmodel.Name
	if scope.ActiveSlot != nil && *scope.ActiveSlot != targetName {
		p := *scope.ActiveSlot
		previous = &p
	}

	upstreams := []proxy.Upstream{{Host: "127.0.0.1", Port: targetSlot.Port, Slot: targetName}}
	if previous != nil {
		prevSlot := scope.Slot(*previous)
		if !prevSlot.Empty() {
			upstreams = append(upstreams, proxy.Upstream{Host: "127.0.0.1", Port: prevSlot.Port, Slot: *previous})
		}
	}

	if err := c.proxyCfg.RenderAndReload(ctx, proxy.SiteSpec{
		Project:     scope.Project,
		Environment: scope.Environment,
		Domains:     defaultDomains(scope),
		ActiveSlot:  targetName,
		Upstreams:   upstreams,
	}); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := c.registry.CommitPromote(ctx, scope, targetName, GraceWindow, now); err != nil {
		return nil, err
	}

	result := &PromoteResult{
		ActiveSlot:   targetName,
		PreviousSlot: previous,
		URL:          fmt.Sprintf("http://localhost:%d", targetSlot.Port),
	}
	if previous != nil {
		endsAt := now.Add(GraceWindow)
		result.GraceSlot = previous
		result.GraceEndsAt = endsAt
		result.HoursRemaining = GraceWindow.Hours()
	}
	return result, nil
}

// Rollback runs the rollback operation. See spec.md §4.6.
func (c *Coordinator) Rollback(ctx context.Context, project string, env slotmodel.Environment) (*RollbackResult, error) {
	var result *RollbackResult
	err := c.withScopeLock(ctx, project, env, func(ctx context.Context) error {
		scope, err := c.registry.Load(ctx, project, env)
		if err != nil {
			return err
		}

		graceSlotName, ok := scope.GraceSlot()
		if !ok {
			return apperr.New(apperr.KindNothingToRollBack, fmt.Sprintf("no grace slot for %s/%s", project, env))
		}

		graceSlot := scope.Slot(graceSlotName)
		containerName := slotmodel.ContainerName(project, env, graceSlotName)
		healthy := c.health.WaitHealthy(ctx, containerName, graceSlot.Port, "/health", healthprobe.DefaultGateDeadline)
		if !healthy {
			return apperr.New(apperr.KindGraceUnhealthy, fmt.Sprintf("%s failed rollback health gate", containerName))
		}

		var previousActive *slotmodel.Name
		if scope.ActiveSlot != nil {
			p := *scope.ActiveSlot
			previousActive = &p
		}

		upstreams := []proxy.Upstream{{Host: "127.0.0.1", Port: graceSlot.Port, Slot: graceSlotName}}
		if previousActive != nil {
			prevSlot := scope.Slot(*previousActive)
			if !prevSlot.Empty() {
				upstreams = append(upstreams, proxy.Upstream{Host: "127.0.0.1", Port: prevSlot.Port, Slot: *previousActive})
			}
		}

		if err := c.proxyCfg.RenderAndReload(ctx, proxy.SiteSpec{
			Project:     project,
			Environment: env,
			Domains:     defaultDomains(scope),
			ActiveSlot:  graceSlotName,
			Upstreams:   upstreams,
		}); err != nil {
			return err
		}

		if err := c.registry.CommitRollback(ctx, scope, graceSlotName, GraceWindow, time.Now()); err != nil {
			return err
		}

		result = &RollbackResult{
			RolledBackTo:   graceSlotName,
			PreviousActive: previousActive,
			URL:            fmt.Sprintf("http://localhost:%d", graceSlot.Port),
		}
		return nil
	})
	return result, err
}

// Cleanup sweeps grace slots past their expiry (or all, if force is
// true) across every scope matching project/env (either may be empty
// to mean "any").
func (c *Coordinator) Cleanup(ctx context.Context, project, env string, force bool) ([]CleanupReport, error) {
	scopes, err := c.registry.ListScopes(ctx, project, env)
	if err != nil {
		return nil, err
	}

	var reports []CleanupReport
	for _, scope := range scopes {
		scopeReports, err := c.cleanupScope(ctx, scope, force)
		if err != nil {
			c.log.Error("cleanup failed for scope", "project", scope.Project, "environment", scope.Environment, logger.Err(err))
			continue
		}
		reports = append(reports, scopeReports...)
	}
	return reports, nil
}

func (c *Coordinator) cleanupScope(ctx context.Context, scope *slotmodel.Scope, force bool) ([]CleanupReport, error) {
	var reports []CleanupReport
	err := c.withScopeLock(ctx, scope.Project, scope.Environment, func(ctx context.Context) error {
		now := time.Now()
		for _, name := range []slotmodel.Name{slotmodel.Blue, slotmodel.Green} {
			slot := scope.Slot(name)
			if slot.State != slotmodel.StateGrace {
				continue
			}
			if !force && now.Before(slot.GraceExpiresAt) {
				reports = append(reports, CleanupReport{
					Project: scope.Project, Environment: scope.Environment, Slot: name,
					Cleaned: false, Reason: "grace window not yet expired",
				})
				continue
			}

			containerName := slotmodel.ContainerName(scope.Project, scope.Environment, name)
			if err := c.driver.Stop(ctx, containerName); err != nil {
				return err
			}
			if err := c.driver.Remove(ctx, containerName); err != nil {
				return err
			}
			if err := c.registry.CommitCleanup(ctx, scope, name); err != nil {
				return err
			}
			reports = append(reports, CleanupReport{
				Project: scope.Project, Environment: scope.Environment, Slot: name,
				Cleaned: true, Reason: "grace window expired",
			})
		}
		return nil
	})
	return reports, err
}

// defaultDomains derives the proxy site's server_name list from the
// scope's (project, environment) when no explicit domain list was
// configured elsewhere.
func defaultDomains(scope *slotmodel.Scope) []string {
	if scope.Environment == slotmodel.Production {
		return []string{fmt.Sprintf("%s.apps.tideway.internal", scope.Project)}
	}
	return []string{fmt.Sprintf("%s-%s.apps.tideway.internal", scope.Project, scope.Environment)}
}

func (c *Coordinator) releasePort(ctx context.Context, port int) {
	if err := c.registry.ReleasePort(ctx, port); err != nil {
		c.log.Error("failed to release port after failed deploy", "port", port, logger.Err(err))
	}
}
