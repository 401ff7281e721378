package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/projecteru2/cradle/gc"
	"github.com/projecteru2/cradle/utils"
)

// gcSnapshot is the sandbox module's view handed to the GC resolver: the IDs
// the index knows about, and the IDs that have on-disk state.
type gcSnapshot struct {
	Known  map[string]struct{}
	OnDisk map[string]struct{}
}

const gcModuleName = "sandbox"

// GCModule exposes the sandbox index and its per-sandbox directories
// (runtime, log, swap) to the GC orchestrator. An orphan is a directory whose
// ID no longer appears in the index; Create writes the record before creating
// any directory, so a fresh sandbox is never mistaken for one.
func (e *Engine) GCModule() gc.Module {
	return gc.Module{
		Name:   gcModuleName,
		Locker: e.locker,
		ReadDB: func(_ context.Context) (gc.Snapshot, error) {
			snap := gcSnapshot{
				Known:  make(map[string]struct{}),
				OnDisk: make(map[string]struct{}),
			}
			if err := e.store.Read(func(idx *Index) error {
				for id := range idx.Sandboxes {
					snap.Known[id] = struct{}{}
				}
				return nil
			}); err != nil {
				return nil, err
			}
			for _, dir := range e.gcRoots() {
				for _, name := range utils.ScanSubdirs(dir) {
					snap.OnDisk[name] = struct{}{}
				}
			}
			return snap, nil
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			targets := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				targets[id] = struct{}{}
			}
			for _, dir := range e.gcRoots() {
				errs = append(errs, utils.RemoveMatching(ctx, dir, func(entry os.DirEntry) bool {
					_, ok := targets[entry.Name()]
					return ok
				})...)
			}
			return errors.Join(errs...)
		},
	}
}

// GCResolver returns the cross-module resolver for a single-module deployment:
// delete every on-disk sandbox directory whose ID the index does not know.
func (e *Engine) GCResolver() gc.Resolver {
	return func(snapshots map[string]gc.Snapshot) map[string][]string {
		raw, ok := snapshots[gcModuleName]
		if !ok {
			return nil
		}
		snap, ok := raw.(gcSnapshot)
		if !ok {
			return nil
		}
		var orphans []string
		for id := range snap.OnDisk {
			if _, known := snap.Known[id]; !known {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) == 0 {
			return nil
		}
		return map[string][]string{gcModuleName: orphans}
	}
}

// GC runs one garbage-collection cycle over the sandbox module.
func (e *Engine) GC(ctx context.Context) error {
	orch := gc.New(e.GCResolver())
	orch.Register(e.GCModule())
	return orch.Run(ctx)
}

func (e *Engine) gcRoots() []string {
	return []string{
		e.conf.RunDir,
		e.conf.LogDir,
		filepath.Join(e.conf.RootDir, "swap"),
	}
}
