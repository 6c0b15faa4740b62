package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id uint32) *model.Task {
	return &model.Task{
		ID: id,
		Config: model.Config{
			UID:      "com.example.app",
			Bundle:   "batch-1",
			Action:   model.ActionDownload,
			Mode:     model.ModeForeground,
			URL:      "https://example.com/f",
			Priority: 3,
		},
		Progress: model.Progress{Sizes: []int64{100}, Processed: []int64{0}},
		Status:   model.Status{State: model.StateInitialized, MTime: time.Unix(1000, 0)},
		CTime:    time.Unix(1000, 0),
	}
}

func TestCreateAndGetTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task := sampleTask(1)
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Config.Bundle != "batch-1" || got.Config.URL != "https://example.com/f" {
		t.Fatalf("round trip mismatch: %+v", got.Config)
	}
	if got.Progress.Sizes[0] != 100 {
		t.Fatalf("progress round trip mismatch: %+v", got.Progress)
	}
}

func TestGetTaskMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask(999); err != ErrNotFound {
		t.Fatalf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskPersistsStateChange(t *testing.T) {
	s := newTestStore(t)
	task := sampleTask(2)
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Status.State = model.StateRunning
	task.Tries = 1
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := s.GetTask(2)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status.State != model.StateRunning || got.Tries != 1 {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestListQoSEntriesFiltersByActionAndTerminal(t *testing.T) {
	s := newTestStore(t)
	running := sampleTask(1)
	running.Status.State = model.StateRunning
	if err := s.CreateTask(running); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	done := sampleTask(2)
	done.Status.State = model.StateCompleted
	if err := s.CreateTask(done); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	upload := sampleTask(3)
	upload.Config.Action = model.ActionUpload
	upload.Status.State = model.StateWaiting
	if err := s.CreateTask(upload); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	entries, err := s.ListQoSEntries(model.ActionDownload)
	if err != nil {
		t.Fatalf("ListQoSEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != 1 {
		t.Fatalf("entries = %+v, want just task 1", entries)
	}
}

func TestSearchTasksByBundleAndState(t *testing.T) {
	s := newTestStore(t)
	for i := uint32(1); i <= 3; i++ {
		task := sampleTask(i)
		if i == 3 {
			task.Config.Bundle = "batch-2"
		}
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("CreateTask(%d): %v", i, err)
		}
	}

	ids, err := s.SearchTasks(model.Filter{Bundle: "batch-1"})
	if err != nil {
		t.Fatalf("SearchTasks: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}

	state := model.StateInitialized
	ids, err = s.SearchTasks(model.Filter{State: &state})
	if err != nil {
		t.Fatalf("SearchTasks: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3 entries", ids)
	}
}

func TestPurgeOlderThanRemovesOnlyTerminalPastCutoff(t *testing.T) {
	s := newTestStore(t)
	old := sampleTask(1)
	old.Status.State = model.StateCompleted
	old.Status.MTime = time.Unix(1000, 0)
	if err := s.CreateTask(old); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	recent := sampleTask(2)
	recent.Status.State = model.StateCompleted
	recent.Status.MTime = time.Unix(100000, 0)
	if err := s.CreateTask(recent); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	running := sampleTask(3)
	running.Status.State = model.StateRunning
	running.Status.MTime = time.Unix(1000, 0)
	if err := s.CreateTask(running); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	n, err := s.PurgeOlderThan(time.Unix(50000, 0))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	if _, err := s.GetTask(1); err != ErrNotFound {
		t.Fatalf("task 1 should be purged, got err=%v", err)
	}
	if _, err := s.GetTask(2); err != nil {
		t.Fatalf("task 2 should survive: %v", err)
	}
	if _, err := s.GetTask(3); err != nil {
		t.Fatalf("task 3 should survive: %v", err)
	}
}
