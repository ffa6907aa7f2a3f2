// Package scheduler runs the controller's periodic background jobs:
// the grace-slot cleanup sweep and the registry reconciler.
package scheduler

import (
	"context"
	"time"

	"github.com/tidewayhq/tideway/internal/coordinator"
	"github.com/tidewayhq/tideway/internal/platform/logger"
)

// CleanupRunner is the subset of the coordinator the scheduler depends
// on for the cleanup job.
type CleanupRunner interface {
	Cleanup(ctx context.Context, project, env string, force bool) ([]coordinator.CleanupReport, error)
}

// Reconciler is the subset of the registry reconciler the scheduler
// depends on.
type Reconciler interface {
	Run(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals until its context is canceled.
// Job errors are logged, never propagated: a single failed sweep must
// not stop future sweeps.
type Scheduler struct {
	cleanup           CleanupRunner
	reconciler        Reconciler
	cleanupInterval   time.Duration
	reconcileInterval time.Duration
	log               logger.Logger
}

// New builds a Scheduler. A zero reconciler disables the reconcile job
// (used in tests that only care about cleanup).
func New(cleanup CleanupRunner, reconciler Reconciler, cleanupInterval, reconcileInterval time.Duration, log logger.Logger) *Scheduler {
	return &Scheduler{
		cleanup:           cleanup,
		reconciler:        reconciler,
		cleanupInterval:   cleanupInterval,
		reconcileInterval: reconcileInterval,
		log:               log,
	}
}

// Run blocks, firing both jobs on their own tickers, until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) {
	cleanupTicker := time.NewTicker(s.cleanupInterval)
	defer cleanupTicker.Stop()
	reconcileTicker := time.NewTicker(s.reconcileInterval)
	defer reconcileTicker.Stop()

	// Reconcile once on startup, per spec.md §4.6.
	s.runReconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			s.runCleanup(ctx)
		case <-reconcileTicker.C:
			s.runReconcile(ctx)
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.cleanup.Cleanup(ctx, "", "", false); err != nil {
		s.log.Error("scheduled cleanup sweep failed", logger.Err(err))
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.Run(ctx); err != nil {
		s.log.Error("scheduled reconciliation failed", logger.Err(err))
	}
}
