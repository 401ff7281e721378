package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"
)

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ScanSubdirs returns the names of all immediate subdirectories of dir.
// Used by GC to enumerate per-sandbox runtime, log and swap directories.
func ScanSubdirs(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// RemoveMatching scans dir and removes entries where match returns true.
// Returns a slice of errors for entries that could not be removed.
func RemoveMatching(ctx context.Context, dir string, match func(os.DirEntry) bool) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read %s: %w", dir, err)}
	}

	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
		} else {
			log.WithFunc("gc").Infof(ctx, "GC removed: %s", path)
		}
	}
	return errs
}
