// Package runqueue holds the set of currently live transfer engines,
// indexed by task id and by owning uid (§4.3). It is owned by the
// scheduler's single event-loop goroutine; all mutation happens there, so
// the map itself needs no lock beyond what guards concurrent reads from
// the QoS pass. Engines themselves run on their own goroutine and report
// back over the shared event bus (package events), never by calling back
// into the queue directly.
package runqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// gracePeriod bounds how long a cooperative cancel is given to finish
// before the queue forcibly reclaims the slot (§4.3, §4.5 "Cancellation").
const gracePeriod = 10 * time.Second

// oneMonth is the ctime age at which clear_timeout_tasks stops a task
// regardless of its progress (§4.3).
const oneMonth = 30 * 24 * time.Hour

// entry tracks one live engine.
type entry struct {
	TaskID    uint32
	UID       string
	Cancel    context.CancelFunc
	Cancelled *atomic.Bool

	startedAt         time.Time
	cancelRequestedAt time.Time
	cancelPending     bool
}

// Queue is the running-engine tracker.
type Queue struct {
	mu      sync.Mutex
	running map[uint32]*entry
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{running: make(map[uint32]*entry)}
}

// Start registers a newly-launched engine. cancel is the context
// cancellation for its goroutine; cancelled is the shared atomic flag the
// download engine polls between body chunks (§4.5).
func (q *Queue) Start(taskID uint32, uid string, cancel context.CancelFunc, cancelled *atomic.Bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[taskID] = &entry{
		TaskID:    taskID,
		UID:       uid,
		Cancel:    cancel,
		Cancelled: cancelled,
		startedAt: time.Now(),
	}
}

// IsRunning reports whether taskID currently occupies a running-queue slot.
func (q *Queue) IsRunning(taskID uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[taskID]
	return ok
}

// RunningSet snapshots the currently-running task ids, for feeding into
// qos.Compute's displacement calculation.
func (q *Queue) RunningSet() map[uint32]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uint32]bool, len(q.running))
	for id := range q.running {
		out[id] = true
	}
	return out
}

// Reschedule diffs admitList against the running set. It returns the task
// ids that need a new engine started (not yet present) and requests
// cooperative cancellation, via the shared atomic flag and the context
// cancel func, for running ids no longer admitted. Those cancelled ids are
// not removed yet — ClearGraceTimeouts reclaims them once the grace window
// elapses, or TaskFinish reclaims them as soon as the engine reports done.
func (q *Queue) Reschedule(admitList []uint32) (toStart []uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	admitSet := make(map[uint32]bool, len(admitList))
	for _, id := range admitList {
		admitSet[id] = true
		if _, ok := q.running[id]; !ok {
			toStart = append(toStart, id)
		}
	}

	now := time.Now()
	for id, e := range q.running {
		if admitSet[id] || e.cancelPending {
			continue
		}
		if e.Cancelled != nil {
			e.Cancelled.Store(true)
		}
		if e.Cancel != nil {
			e.Cancel()
		}
		e.cancelPending = true
		e.cancelRequestedAt = now
	}
	return toStart
}

// TaskFinish removes taskID from the running set, e.g. on completion,
// failure, or a clean cooperative-cancel exit. It returns the owning uid
// and whether the task was actually present.
func (q *Queue) TaskFinish(taskID uint32) (uid string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.running[taskID]
	if !ok {
		return "", false
	}
	delete(q.running, taskID)
	return e.UID, true
}

// TryRestart re-enters taskID into the running set immediately, bypassing
// a full reschedule pass — used when a cancelled engine turns out to have
// been retryable (e.g. a 408 raced the cancel).
func (q *Queue) TryRestart(taskID uint32, uid string, cancel context.CancelFunc, cancelled *atomic.Bool) {
	q.Start(taskID, uid, cancel, cancelled)
}

// ClearGraceTimeouts forcibly reclaims entries whose cooperative cancel
// has not completed within gracePeriod. The runtime-level cancel was
// already issued by Reschedule; this call just stops waiting for it and
// drops the slot so a new engine can take it.
func (q *Queue) ClearGraceTimeouts(now time.Time) []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var forced []uint32
	for id, e := range q.running {
		if !e.cancelPending {
			continue
		}
		if now.Sub(e.cancelRequestedAt) < gracePeriod {
			continue
		}
		forced = append(forced, id)
		delete(q.running, id)
	}
	return forced
}

// ClearTimeoutTasks returns the ids of running tasks whose ctime predates
// oneMonth and requests their cancellation, mirroring Reschedule's
// cancel-signal behavior (§4.3 "clear_timeout_tasks").
func (q *Queue) ClearTimeoutTasks(now time.Time, ctimes map[uint32]time.Time) []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stopped []uint32
	for id, e := range q.running {
		ct, ok := ctimes[id]
		if !ok || now.Sub(ct) < oneMonth {
			continue
		}
		if e.Cancelled != nil {
			e.Cancelled.Store(true)
		}
		if e.Cancel != nil {
			e.Cancel()
		}
		e.cancelPending = true
		e.cancelRequestedAt = now
		stopped = append(stopped, id)
	}
	return stopped
}

// Len reports how many engines are currently tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}
