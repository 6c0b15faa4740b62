package runqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRescheduleStartsNewAndCancelsDropped(t *testing.T) {
	q := New()
	var flag atomic.Bool
	q.Start(1, "uid-a", func() {}, &flag)

	toStart := q.Reschedule([]uint32{2})
	if len(toStart) != 1 || toStart[0] != 2 {
		t.Fatalf("toStart = %v, want [2]", toStart)
	}
	if !flag.Load() {
		t.Fatal("expected cooperative-cancel flag set for displaced task 1")
	}
	if !q.IsRunning(1) {
		t.Fatal("task 1 should still occupy its slot until grace clears or it finishes")
	}
}

func TestTaskFinishRemovesEntry(t *testing.T) {
	q := New()
	var flag atomic.Bool
	q.Start(1, "uid-a", func() {}, &flag)

	uid, ok := q.TaskFinish(1)
	if !ok || uid != "uid-a" {
		t.Fatalf("TaskFinish = (%q, %v)", uid, ok)
	}
	if q.IsRunning(1) {
		t.Fatal("task 1 should no longer be running")
	}
}

func TestTaskFinishUnknownTaskReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.TaskFinish(99); ok {
		t.Fatal("expected ok=false for an untracked task")
	}
}

func TestClearGraceTimeoutsReclaimsAfterWindow(t *testing.T) {
	q := New()
	cancelled := false
	q.Start(1, "uid-a", func() { cancelled = true }, nil)
	q.Reschedule(nil)
	if !cancelled {
		t.Fatal("expected context cancel called on reschedule-out")
	}

	if forced := q.ClearGraceTimeouts(time.Now()); len(forced) != 0 {
		t.Fatalf("expected no forced reclaim before grace elapses, got %v", forced)
	}

	future := time.Now().Add(gracePeriod + time.Second)
	forced := q.ClearGraceTimeouts(future)
	if len(forced) != 1 || forced[0] != 1 {
		t.Fatalf("forced = %v, want [1]", forced)
	}
	if q.IsRunning(1) {
		t.Fatal("task 1 should be reclaimed after grace window")
	}
}

func TestClearTimeoutTasksStopsMonthOldEntries(t *testing.T) {
	q := New()
	var flag atomic.Bool
	q.Start(1, "uid-a", func() {}, &flag)

	now := time.Now()
	ctimes := map[uint32]time.Time{1: now.Add(-40 * 24 * time.Hour)}

	stopped := q.ClearTimeoutTasks(now, ctimes)
	if len(stopped) != 1 || stopped[0] != 1 {
		t.Fatalf("stopped = %v, want [1]", stopped)
	}
	if !flag.Load() {
		t.Fatal("expected cancel flag set for month-old task")
	}
}

func TestTryRestartReentersRunningSet(t *testing.T) {
	q := New()
	var flag atomic.Bool
	q.Start(1, "uid-a", func() {}, &flag)
	q.TaskFinish(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = ctx

	q.TryRestart(1, "uid-a", cancel, &flag)
	if !q.IsRunning(1) {
		t.Fatal("expected task 1 to be running again after TryRestart")
	}
}
