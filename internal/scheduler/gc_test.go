package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale/taskengine/internal/model"
	"github.com/rescale/taskengine/internal/notifybus"
	"github.com/rescale/taskengine/internal/store"
)

func newGCTestScheduler(t *testing.T, sandboxDir string) *Scheduler {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := New(Options{
		Store:      st,
		Bus:        notifybus.New(nil),
		SandboxDir: sandboxDir,
		TickPeriod: 20 * time.Millisecond,
	})
	// GC runs on its own ticker; tests drive runGCSweep directly instead of
	// waiting out a real interval.
	return s
}

func TestRunGCSweepPurgesOldTerminalTasks(t *testing.T) {
	s := newGCTestScheduler(t, "")
	s.Start()
	defer s.Stop()

	task, err := s.Construct(basicDownloadConfig(t, "uid-1"))
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	if err := s.Remove(task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	stored, err := s.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	stored.Status.MTime = time.Now().Add(-60 * 24 * time.Hour)
	if err := s.store.UpdateTask(stored); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	s.runGCSweep(context.Background())

	if _, err := s.store.GetTask(task.ID); err == nil {
		t.Fatalf("expected task row to be purged")
	}
}

func TestSweepOrphanSandboxFilesRemovesUnreferenced(t *testing.T) {
	sandbox := t.TempDir()
	s := newGCTestScheduler(t, sandbox)

	uidDir := filepath.Join(sandbox, "uid-1")
	if err := os.MkdirAll(uidDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	keptPath := filepath.Join(uidDir, "keep.bin")
	orphanPath := filepath.Join(uidDir, "orphan.bin")
	for _, p := range []string{keptPath, orphanPath} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	s.Start()
	defer s.Stop()
	if _, err := s.Construct(model.Config{
		UID:    "uid-1",
		Action: model.ActionDownload,
		URL:    "https://example.invalid/file",
		Files:  []model.FileSpec{{Path: keptPath}},
	}); err != nil {
		t.Fatalf("Construct: %v", err)
	}

	if err := s.sweepOrphanSandboxFiles(context.Background()); err != nil {
		t.Fatalf("sweepOrphanSandboxFiles: %v", err)
	}

	if _, err := os.Stat(keptPath); err != nil {
		t.Fatalf("expected referenced file to survive: %v", err)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("expected orphan file to be removed, stat err = %v", err)
	}
}

func TestSweepOrphanSandboxFilesNoSandboxDirIsNoop(t *testing.T) {
	s := newGCTestScheduler(t, filepath.Join(t.TempDir(), "does-not-exist"))
	s.Start()
	defer s.Stop()

	if err := s.sweepOrphanSandboxFiles(context.Background()); err != nil {
		t.Fatalf("sweepOrphanSandboxFiles on missing dir: %v", err)
	}
}
