package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/taskengine/internal/model"
)

// defaultGCInterval is used when the caller doesn't set one explicitly.
const defaultGCInterval = 7 * 24 * time.Hour

// startGC launches the weekly housekeeping sweep (§6): purging terminal
// task rows older than one week and, if a sandbox directory is
// configured, removing files under it no longer referenced by any task
// row still in the store. The two sweeps touch disjoint state (the store vs.
// the filesystem) so they run concurrently under one errgroup, bounded by
// ctx so Stop() cancels an in-flight sweep instead of waiting it out.
func (s *Scheduler) startGC(ctx context.Context) {
	interval := s.gcInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runGCSweep(ctx)
			}
		}
	}()
}

func (s *Scheduler) runGCSweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cutoff := time.Now().Add(-7 * 24 * time.Hour)
		n, err := s.store.PurgeOlderThan(cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logf("gc: purged %d terminal task rows older than %s", n, cutoff.Format(time.RFC3339))
		}
		return nil
	})

	if s.sandboxDir != "" {
		g.Go(func() error {
			return s.sweepOrphanSandboxFiles(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		s.logf("gc sweep error: %v", err)
	}
}

// sweepOrphanSandboxFiles removes regular files directly under each uid
// subdirectory of the sandbox that aren't referenced by any task row still
// in the store, reclaiming space left behind by tasks whose rows were
// already purged by the store sweep above.
func (s *Scheduler) sweepOrphanSandboxFiles(ctx context.Context) error {
	ids, err := s.store.SearchTasks(model.Filter{})
	if err != nil {
		return err
	}

	referenced := map[string]bool{}
	for _, id := range ids {
		t, err := s.store.GetTask(id)
		if err != nil {
			continue
		}
		for _, f := range t.Config.Files {
			referenced[f.Path] = true
		}
	}

	entries, err := os.ReadDir(s.sandboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !entry.IsDir() {
			continue
		}
		uidDir := filepath.Join(s.sandboxDir, entry.Name())
		files, err := os.ReadDir(uidDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			path := filepath.Join(uidDir, f.Name())
			if !f.IsDir() && !referenced[path] {
				os.Remove(path)
			}
		}
	}
	return nil
}
