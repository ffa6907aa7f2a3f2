package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/runtime"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// Reconciler repairs drift between the filesystem of record and
// runtime-observed container state, and refreshes the relational
// mirror from the filesystem. It never touches the proxy: a dangling
// upstream is corrected on the next deploy/promote, not by the
// reconciler.
type Reconciler struct {
	registry *Registry
	driver   runtime.Driver
	log      logger.Logger
}

// NewReconciler builds a Reconciler over the given registry and runtime.
func NewReconciler(reg *Registry, driver runtime.Driver, log logger.Logger) *Reconciler {
	return &Reconciler{registry: reg, driver: driver, log: log}
}

// Run performs one reconciliation pass across every persisted scope,
// concurrently, and logs (never returns) per-scope failures so one
// broken scope never blocks the rest.
func (r *Reconciler) Run(ctx context.Context) error {
	scopes, err := r.registry.ListScopes(ctx, "", "")
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			if err := r.reconcileScope(ctx, scope); err != nil {
				r.log.Error("reconcile scope failed", "project", scope.Project, "environment", scope.Environment, logger.Err(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// reconcileScope compares recorded slot state against the runtime's
// view of the container that should back it, correcting drift:
//
//   - recorded non-empty, container absent: the slot is marked deployed,
//     never active, retaining its last-known port/image so an operator
//     can inspect and explicitly re-promote or redeploy (the container
//     was removed out of band, or the run that created it never
//     finished).
//   - recorded empty, container present: an orphan started outside a
//     tracked operation; it is stopped and removed.
//   - recorded state disagrees with "live but unrecorded as active": the
//     slot is marked deployed, never active, per the project's policy
//     on a crash between container start and registry commit — an
//     operator must explicitly re-promote.
func (r *Reconciler) reconcileScope(ctx context.Context, scope *slotmodel.Scope) error {
	changed := false
	for _, name := range []slotmodel.Name{slotmodel.Blue, slotmodel.Green} {
		slot := scope.Slot(name)
		containerName := slotmodel.ContainerName(scope.Project, scope.Environment, name)
		exists, containerID, running, err := r.driver.Status(ctx, containerName)
		if err != nil {
			return err
		}

		switch {
		case slot.Empty() && exists:
			r.log.Warn("removing orphaned container for empty slot", "container", containerName)
			if err := r.driver.Stop(ctx, containerName); err != nil {
				return err
			}
			if err := r.driver.Remove(ctx, containerName); err != nil {
				return err
			}

		case !slot.Empty() && !exists:
			r.log.Warn("recorded slot has no backing container, marking deployed for re-promotion", "container", containerName, "state", slot.State)
			if err := r.registry.MarkDeployedWithoutPromotion(ctx, scope, name); err != nil {
				return err
			}
			changed = true

		case !slot.Empty() && exists && !running:
			r.log.Warn("recorded slot's container is stopped, releasing", "container", containerName, "state", slot.State)
			if err := r.driver.Remove(ctx, containerName); err != nil {
				return err
			}
			if err := r.registry.CommitCleanup(ctx, scope, name); err != nil {
				return err
			}
			changed = true

		case !slot.Empty() && exists && running && slot.ContainerID != containerID:
			// Same name, different container: a crashed run left a
			// stale ID recorded. Accept the live container but never
			// promote it implicitly.
			slot.ContainerID = containerID
			if err := r.registry.MarkDeployedWithoutPromotion(ctx, scope, name); err != nil {
				return err
			}
			changed = true
		}
	}
	if changed {
		r.log.Info("reconciled scope drift", "project", scope.Project, "environment", scope.Environment)
		return nil
	}
	// No runtime drift means no persist call above; push the scope to the
	// mirror anyway so a mirror write lost after a filesystem commit
	// converges on this pass.
	if err := r.registry.mirror.upsertScope(ctx, scopeToDoc(scope)); err != nil {
		r.log.Warn("relational mirror refresh failed", "project", scope.Project, "environment", scope.Environment, logger.Err(err))
	}
	return nil
}

// DefaultInterval is the reconciler's periodic run cadence, per the
// scheduled-job default.
const DefaultInterval = time.Hour

// watchDebounce coalesces a burst of filesystem events (a scope write
// touches the temp file, then the rename, then the directory fsync)
// into a single reconcile pass.
const watchDebounce = 2 * time.Second

// Watch runs an extra reconcile pass whenever a file under the
// registry's slots directory is written, created or renamed, so that
// out-of-band edits (an operator editing a scope file by hand, or an
// external tool writing to it directly) are picked up between sweeps.
// It does not tell those edits apart from the controller's own scope
// writes, which trigger a pass as well. It blocks until ctx is canceled.
func (r *Reconciler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	slotsDir := filepath.Join(r.registry.fs.root, "slots")
	if err := watcher.Add(slotsDir); err != nil {
		return err
	}

	var pending *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("registry filesystem watch error", logger.Err(err))
		case <-trigger:
			r.log.Info("detected out-of-band registry change, reconciling")
			if err := r.Run(ctx); err != nil {
				r.log.Error("out-of-band reconcile failed", logger.Err(err))
			}
		}
	}
}
