package gc

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/cradle/lock"
)

// Snapshot is the opaque index state read from a module while its lock is
// held. Each module's ReadDB returns its own concrete type; the Resolver
// sees them as any.
type Snapshot = any

// Module describes a storage module that participates in garbage collection.
type Module struct {
	Name string

	// Locker coordinates GC with active operations. TryLock returns false
	// when another operation is in progress; GC skips the module and
	// retries on the next run.
	Locker lock.Locker

	// ReadDB reads the module's current index state.
	// Called while the lock is held - must not re-acquire it.
	ReadDB func(ctx context.Context) (Snapshot, error)

	// Collect removes the given resource IDs.
	// Called while the lock is held - must not re-acquire it.
	Collect func(ctx context.Context, ids []string) error
}

// Resolver analyses snapshots from all successfully-read modules and returns
// the resource IDs to delete per module (keyed by Module.Name).
type Resolver func(snapshots map[string]Snapshot) map[string][]string

// Orchestrator runs GC across all registered modules.
type Orchestrator struct {
	modules  []Module
	resolver Resolver
}

// New creates an Orchestrator with the given cross-module Resolver.
func New(resolver Resolver) *Orchestrator {
	return &Orchestrator{resolver: resolver}
}

// Register adds a module to the GC cycle.
func (o *Orchestrator) Register(m Module) {
	o.modules = append(o.modules, m)
}

// Run executes one GC cycle:
//
//  1. For each module: TryLock → ReadDB → Unlock (skip if busy).
//  2. Resolver analyses all collected snapshots and returns deletion targets.
//  3. For each module with targets: TryLock → Collect → Unlock (skip if busy).
//
// Step 3 re-acquires the lock rather than holding it from step 1 to keep
// contention minimal. The window is safe because GC is conservative: it only
// deletes resources unreferenced by the snapshot, and resource creation
// registers the index record before touching the filesystem.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")
	snapshots := make(map[string]Snapshot, len(o.modules))

	for _, m := range o.modules {
		ok, err := m.Locker.TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "skip %s: TryLock error: %v", m.Name, err)
			continue
		}
		if !ok {
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.Name)
			continue
		}
		snap, readErr := m.ReadDB(ctx)
		m.Locker.Unlock(ctx) //nolint:errcheck,gosec
		if readErr != nil {
			logger.Warnf(ctx, "skip %s: read index: %v", m.Name, readErr)
			continue
		}
		snapshots[m.Name] = snap
	}

	targets := o.resolver(snapshots)
	if len(targets) == 0 {
		return nil
	}

	var errs []error
	for _, m := range o.modules {
		ids := targets[m.Name]
		if len(ids) == 0 {
			continue
		}
		ok, err := m.Locker.TryLock(ctx)
		if err != nil || !ok {
			logger.Warnf(ctx, "skip collect %s: lock busy, will retry next run", m.Name)
			continue
		}
		collectErr := m.Collect(ctx, ids)
		m.Locker.Unlock(ctx) //nolint:errcheck,gosec
		if collectErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, collectErr))
		}
	}
	return errors.Join(errs...)
}
