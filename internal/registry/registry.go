// Package registry is the dual-store registry: a filesystem-of-record
// plus a best-effort relational mirror, with a background reconciler
// that repairs drift between them and against runtime-observed state.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tidewayhq/tideway/internal/platform/apperr"
	"github.com/tidewayhq/tideway/internal/platform/logger"
	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// Registry is the coordinator's single persistence collaborator.
type Registry struct {
	fs     *fileStore
	mirror *mirror
	log    logger.Logger
}

// New opens the registry rooted at root, with an optional relational
// mirror at mirrorDSN (empty disables mirroring). ranges seeds ssot.json's
// environment port-range table the first time it is created; pass nil to
// accept the built-in production/staging/preview defaults.
func New(root, mirrorDSN string, ranges map[string]slotmodel.PortRange, log logger.Logger) (*Registry, error) {
	fs, err := newFileStore(root, ranges)
	if err != nil {
		return nil, err
	}
	m, err := newMirror(mirrorDSN, log)
	if err != nil {
		// Mirror failures never fail registry construction; filesystem
		// is still fully authoritative on its own.
		log.Error("relational mirror unavailable, continuing filesystem-only", logger.Err(err))
		m = nil
	}
	return &Registry{fs: fs, mirror: m, log: log}, nil
}

func (r *Registry) Close() error {
	return r.mirror.Close()
}

// Load reads a scope from the filesystem of record, creating an empty
// in-memory scope if no file yet exists (a scope is created implicitly
// on first deploy, per spec.md §3 Lifecycle).
func (r *Registry) Load(_ context.Context, project string, env slotmodel.Environment) (*slotmodel.Scope, error) {
	doc, exists, err := r.fs.readScope(project, env)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRegistryCorrupt, fmt.Sprintf("load scope %s/%s", project, env), err)
	}
	if !exists {
		return slotmodel.NewScope(project, env), nil
	}
	return scopeFromDoc(doc)
}

// ListScopes enumerates every persisted scope, optionally filtered by
// project and/or environment (either may be empty to mean "any").
func (r *Registry) ListScopes(_ context.Context, project string, env string) ([]*slotmodel.Scope, error) {
	docs, err := r.fs.listScopeFiles()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRegistryCorrupt, "list scopes", err)
	}
	var out []*slotmodel.Scope
	for _, doc := range docs {
		if project != "" && doc.Project != project {
			continue
		}
		if env != "" && doc.Environment != env {
			continue
		}
		scope, err := scopeFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, nil
}

// CommitDeploy persists a target slot entering state=deployed, appends a
// history row, and mirrors best-effort. The active slot (if any) is left
// untouched.
func (r *Registry) CommitDeploy(ctx context.Context, scope *slotmodel.Scope, target slotmodel.Name, port int, containerID, image string, now time.Time) error {
	slot := scope.Slot(target)
	fromState := slot.State
	slot.State = slotmodel.StateDeployed
	slot.Port = port
	slot.ContainerID = containerID
	slot.Image = image
	slot.DeployedAt = now
	slot.GraceExpiresAt = time.Time{}

	if err := r.persist(ctx, scope); err != nil {
		return err
	}
	r.appendHistory(ctx, scope, target, string(fromState), string(slotmodel.StateDeployed), image, port, "deploy")
	return nil
}

// CommitPromote flips target to active and, if there was a previously
// active slot, demotes it to grace with a fresh expiry. Written as a
// single file write so readers never observe a partially-applied flip.
func (r *Registry) CommitPromote(ctx context.Context, scope *slotmodel.Scope, target slotmodel.Name, graceWindow time.Duration, now time.Time) error {
	var previous *slotmodel.Name
	if scope.ActiveSlot != nil {
		p := *scope.ActiveSlot
		previous = &p
	}

	targetSlot := scope.Slot(target)
	fromState := targetSlot.State
	targetSlot.State = slotmodel.StateActive
	scope.ActiveSlot = &target

	if previous != nil && *previous != target {
		prevSlot := scope.Slot(*previous)
		prevSlot.State = slotmodel.StateGrace
		prevSlot.GraceExpiresAt = now.Add(graceWindow)
	}

	if err := r.persist(ctx, scope); err != nil {
		return err
	}
	r.appendHistory(ctx, scope, target, string(fromState), string(slotmodel.StateActive), targetSlot.Image, targetSlot.Port, "promote")
	return nil
}

// CommitRollback flips the grace slot back to active and demotes the
// previously-active slot into a fresh grace window.
func (r *Registry) CommitRollback(ctx context.Context, scope *slotmodel.Scope, graceSlotName slotmodel.Name, graceWindow time.Duration, now time.Time) error {
	var previousActive *slotmodel.Name
	if scope.ActiveSlot != nil {
		p := *scope.ActiveSlot
		previousActive = &p
	}

	graceSlot := scope.Slot(graceSlotName)
	fromState := graceSlot.State
	graceSlot.State = slotmodel.StateActive
	graceSlot.GraceExpiresAt = time.Time{}
	scope.ActiveSlot = &graceSlotName

	if previousActive != nil {
		prev := scope.Slot(*previousActive)
		prev.State = slotmodel.StateGrace
		prev.GraceExpiresAt = now.Add(graceWindow)
	}

	if err := r.persist(ctx, scope); err != nil {
		return err
	}
	r.appendHistory(ctx, scope, graceSlotName, string(fromState), string(slotmodel.StateActive), graceSlot.Image, graceSlot.Port, "rollback")
	return nil
}

// CommitCleanup returns a slot to empty, releasing its port.
func (r *Registry) CommitCleanup(ctx context.Context, scope *slotmodel.Scope, name slotmodel.Name) error {
	slot := scope.Slot(name)
	fromState := slot.State
	releasedPort := slot.Port

	*slot = slotmodel.Slot{Name: name, State: slotmodel.StateEmpty}
	if scope.ActiveSlot != nil && *scope.ActiveSlot == name {
		scope.ActiveSlot = nil
	}

	if err := r.persist(ctx, scope); err != nil {
		return err
	}
	if err := r.releasePort(ctx, releasedPort); err != nil {
		r.log.Error("failed to release port from ledger", "port", releasedPort, logger.Err(err))
	}
	r.appendHistory(ctx, scope, name, string(fromState), string(slotmodel.StateEmpty), "", releasedPort, "cleanup")
	return nil
}

// MarkDeployedWithoutPromotion is the reconciler's corrective action: a
// slot whose backing container is missing, or is live under a different
// container ID than recorded, is forced back to "deployed", never
// "active", keeping its port and image, so an operator must explicitly
// re-promote. See spec.md §9's concurrent-promote-after-crash decision.
func (r *Registry) MarkDeployedWithoutPromotion(ctx context.Context, scope *slotmodel.Scope, name slotmodel.Name) error {
	slot := scope.Slot(name)
	if scope.ActiveSlot != nil && *scope.ActiveSlot == name {
		scope.ActiveSlot = nil
	}
	slot.State = slotmodel.StateDeployed
	slot.GraceExpiresAt = time.Time{}
	return r.persist(ctx, scope)
}

// persist writes the scope to the filesystem of record, updates the
// port ledger to match the scope's current slots, and mirrors
// best-effort.
func (r *Registry) persist(ctx context.Context, scope *slotmodel.Scope) error {
	doc := scopeToDoc(scope)
	if err := r.fs.writeScope(doc); err != nil {
		return apperr.Wrap(apperr.KindRegistryCorrupt, "write scope", err)
	}
	if err := r.syncLedger(scope); err != nil {
		r.log.Error("failed to sync port ledger", logger.Err(err))
	}
	if err := r.mirror.upsertScope(ctx, doc); err != nil {
		r.log.Warn("relational mirror upsert failed, will reconcile later", logger.Err(err))
	}
	return nil
}

func (r *Registry) appendHistory(ctx context.Context, scope *slotmodel.Scope, slot slotmodel.Name, from, to, image string, port int, operator string) {
	row := HistoryRow{
		Project:     scope.Project,
		Environment: string(scope.Environment),
		Slot:        string(slot),
		FromState:   from,
		ToState:     to,
		Image:       image,
		Port:        port,
		Timestamp:   time.Now(),
		Operator:    operator,
		Outcome:     "success",
	}
	if err := r.mirror.appendHistory(ctx, row); err != nil {
		r.log.Warn("relational mirror history append failed", logger.Err(err))
	}
}

// History returns the most recent deployment history rows for a scope.
func (r *Registry) History(ctx context.Context, project, env string, limit int) ([]HistoryRow, error) {
	return r.mirror.history(ctx, project, env, limit)
}

// HeldPorts implements portalloc.LedgerSource: every port recorded in
// the host-global port ledger.
func (r *Registry) HeldPorts(_ context.Context) (map[int]struct{}, error) {
	doc, err := r.fs.readSSOT()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRegistryCorrupt, "read ssot.json", err)
	}
	held := make(map[int]struct{}, len(doc.PortLedger))
	for portStr := range doc.PortLedger {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		held[port] = struct{}{}
	}
	return held, nil
}

// ReleasePort removes a port from the ledger directly; used when a
// deploy or health check fails after a port was allocated but before
// any slot recorded it.
func (r *Registry) ReleasePort(_ context.Context, port int) error {
	return r.releasePort(context.Background(), port)
}

func (r *Registry) releasePort(_ context.Context, port int) error {
	if port == 0 {
		return nil
	}
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	doc, err := r.fs.readSSOT()
	if err != nil {
		return err
	}
	delete(doc.PortLedger, strconv.Itoa(port))
	return r.fs.writeSSOT(doc)
}

// ClaimPort records a port as held by (project, env, slot) in the ledger.
func (r *Registry) ClaimPort(_ context.Context, project string, env slotmodel.Environment, slot slotmodel.Name, port int) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	doc, err := r.fs.readSSOT()
	if err != nil {
		return err
	}
	doc.PortLedger[strconv.Itoa(port)] = ledgerEntry{Project: project, Environment: string(env), Slot: string(slot)}
	return r.fs.writeSSOT(doc)
}

// syncLedger ensures every non-empty slot's port is present in the
// ledger bound to this scope's project, per scope invariant 6.
func (r *Registry) syncLedger(scope *slotmodel.Scope) error {
	r.fs.mu.Lock()
	defer r.fs.mu.Unlock()
	doc, err := r.fs.readSSOT()
	if err != nil {
		return err
	}
	for _, slot := range []*slotmodel.Slot{&scope.Blue, &scope.Green} {
		if slot.Empty() || slot.Port == 0 {
			continue
		}
		doc.PortLedger[strconv.Itoa(slot.Port)] = ledgerEntry{
			Project:     scope.Project,
			Environment: string(scope.Environment),
			Slot:        string(slot.Name),
		}
	}
	return r.fs.writeSSOT(doc)
}

// EnvironmentRange returns the configured port range for env.
func (r *Registry) EnvironmentRange(env slotmodel.Environment) (slotmodel.PortRange, error) {
	doc, err := r.fs.readSSOT()
	if err != nil {
		return slotmodel.PortRange{}, err
	}
	rng, ok := doc.Environments[string(env)]
	if !ok {
		return slotmodel.PortRange{}, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown environment %q", env))
	}
	return slotmodel.PortRange{Start: rng.Start, End: rng.End}, nil
}

func scopeToDoc(scope *slotmodel.Scope) *scopeDoc {
	doc := &scopeDoc{
		Project:     scope.Project,
		Environment: string(scope.Environment),
		Slots: map[string]slotDoc{
			string(slotmodel.Blue):  slotToDoc(&scope.Blue),
			string(slotmodel.Green): slotToDoc(&scope.Green),
		},
	}
	if scope.ActiveSlot != nil {
		s := string(*scope.ActiveSlot)
		doc.ActiveSlot = &s
	}
	return doc
}

func slotToDoc(slot *slotmodel.Slot) slotDoc {
	d := slotDoc{
		State:     string(slot.State),
		Port:      slot.Port,
		Container: slot.ContainerID,
		Image:     slot.Image,
	}
	if !slot.DeployedAt.IsZero() {
		t := slot.DeployedAt
		d.DeployedAt = &t
	}
	if !slot.GraceExpiresAt.IsZero() {
		t := slot.GraceExpiresAt
		d.GraceExpiresAt = &t
	}
	return d
}

func scopeFromDoc(doc *scopeDoc) (*slotmodel.Scope, error) {
	scope := slotmodel.NewScope(doc.Project, slotmodel.Environment(doc.Environment))
	blueDoc, ok := doc.Slots[string(slotmodel.Blue)]
	if !ok {
		return nil, apperr.New(apperr.KindRegistryCorrupt, fmt.Sprintf("scope %s/%s missing blue slot", doc.Project, doc.Environment))
	}
	greenDoc, ok := doc.Slots[string(slotmodel.Green)]
	if !ok {
		return nil, apperr.New(apperr.KindRegistryCorrupt, fmt.Sprintf("scope %s/%s missing green slot", doc.Project, doc.Environment))
	}
	scope.Blue = slotFromDoc(slotmodel.Blue, blueDoc)
	scope.Green = slotFromDoc(slotmodel.Green, greenDoc)
	if doc.ActiveSlot != nil {
		name := slotmodel.Name(*doc.ActiveSlot)
		scope.ActiveSlot = &name
	}
	if err := validateInvariants(scope); err != nil {
		return nil, err
	}
	return scope, nil
}

func slotFromDoc(name slotmodel.Name, doc slotDoc) slotmodel.Slot {
	s := slotmodel.Slot{
		Name:        name,
		State:       slotmodel.State(doc.State),
		Port:        doc.Port,
		ContainerID: doc.Container,
		Image:       doc.Image,
	}
	if doc.DeployedAt != nil {
		s.DeployedAt = *doc.DeployedAt
	}
	if doc.GraceExpiresAt != nil {
		s.GraceExpiresAt = *doc.GraceExpiresAt
	}
	return s
}

// validateInvariants checks on load that at most one slot is active, at
// most one is in grace, and two non-empty slots do not share a port; a
// violation means the on-disk document is corrupt.
func validateInvariants(scope *slotmodel.Scope) error {
	activeCount := 0
	graceCount := 0
	for _, s := range []*slotmodel.Slot{&scope.Blue, &scope.Green} {
		if s.State == slotmodel.StateActive {
			activeCount++
		}
		if s.State == slotmodel.StateGrace {
			graceCount++
		}
	}
	if activeCount > 1 {
		return apperr.New(apperr.KindRegistryCorrupt, fmt.Sprintf("scope %s/%s has more than one active slot", scope.Project, scope.Environment))
	}
	if graceCount > 1 {
		return apperr.New(apperr.KindRegistryCorrupt, fmt.Sprintf("scope %s/%s has more than one grace slot", scope.Project, scope.Environment))
	}
	if !scope.Blue.Empty() && !scope.Green.Empty() && scope.Blue.Port == scope.Green.Port {
		return apperr.New(apperr.KindRegistryCorrupt, fmt.Sprintf("scope %s/%s has duplicate slot ports", scope.Project, scope.Environment))
	}
	return nil
}
