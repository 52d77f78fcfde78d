package pipeline

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// rename moves files into place.
var rename = os.Rename

// output is one file produced by a flow.
type output struct {
	path  string
	write func(path string) error
}

// moved records a staged file that reached its destination. backup holds the
// file it replaced, if any.
type moved struct {
	dst, backup string
}

// commit writes all outputs or none. Every output is first written under its
// final base name into a staging directory next to its destination; only
// when all writers succeeded are the staged files moved into place. Writers
// may create sibling files (e.g. the .raw of a .mhd); those move too.
//
// Files being replaced are parked in the staging directory while the moves
// run. If a move fails, the files already moved are taken back out and the
// parked files are restored.
func commit(outputs []output) (err error) {
	staging := make(map[string]string)
	defer func() {
		for _, dir := range staging {
			os.RemoveAll(dir)
		}
	}()

	for _, o := range outputs {
		dir := filepath.Dir(o.path)
		stage, ok := staging[dir]
		if !ok {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			stage, err = os.MkdirTemp(dir, ".volreg-staging-*")
			if err != nil {
				return fmt.Errorf("failed to create staging directory: %w", err)
			}
			staging[dir] = stage
		}
		if err := o.write(filepath.Join(stage, filepath.Base(o.path))); err != nil {
			return fmt.Errorf("failed to write %s: %w", o.path, err)
		}
	}

	var done []moved
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			os.Remove(done[i].dst)
			if done[i].backup != "" {
				rename(done[i].backup, done[i].dst)
			}
		}
	}
	for _, dir := range slices.Sorted(maps.Keys(staging)) {
		stage := staging[dir]
		entries, err := os.ReadDir(stage)
		if err != nil {
			rollback()
			return fmt.Errorf("failed to list staged files: %w", err)
		}
		for _, e := range entries {
			m := moved{dst: filepath.Join(dir, e.Name())}
			if _, err := os.Lstat(m.dst); err == nil {
				m.backup = filepath.Join(stage, ".prev-"+e.Name())
				if err := rename(m.dst, m.backup); err != nil {
					rollback()
					return fmt.Errorf("failed to replace %s: %w", m.dst, err)
				}
			}
			if err := rename(filepath.Join(stage, e.Name()), m.dst); err != nil {
				if m.backup != "" {
					rename(m.backup, m.dst)
				}
				rollback()
				return fmt.Errorf("failed to move %s into place: %w", m.dst, err)
			}
			done = append(done, m)
		}
	}
	return nil
}
