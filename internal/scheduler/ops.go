package scheduler

import (
	"math/rand"
	"net"
	"time"

	"github.com/rescale/taskengine/internal/diskspace"
	"github.com/rescale/taskengine/internal/model"
)

// Construct implements the construct() verb (§4.1): it validates cfg,
// admits it against the per-app quota, assigns a task id, persists the
// Initialized row, and requests a reschedule pass.
func (s *Scheduler) Construct(cfg model.Config) (*model.Task, error) {
	if cfg.URL == "" {
		return nil, model.NewCodedError(model.ErrParameterCheck, nil)
	}
	if err := validateFiles(cfg.Files, s.sandboxBaseFor(cfg.UID)); err != nil {
		return nil, model.NewCodedError(model.ErrParameterCheck, err)
	}

	var out *model.Task
	var outErr error
	s.post(func() {
		count, err := s.store.CountNonTerminal(cfg.UID, cfg.Mode)
		if err != nil {
			outErr = err
			return
		}
		quota := s.quotas.BackgroundPerApp
		if cfg.Mode == model.ModeForeground {
			quota = s.quotas.ForegroundPerApp
		}
		if quota > 0 && int(count) >= quota {
			outErr = model.NewCodedError(model.ErrTaskEnqueueErr, nil)
			return
		}

		if cfg.Action == model.ActionDownload && len(cfg.Files) > 0 {
			if err := checkDiskSpace(cfg.Files[0].Path); err != nil && diskspace.IsInsufficientSpaceError(err) {
				outErr = model.NewCodedError(model.ErrParameterCheck, err)
				return
			}
		}

		task := &model.Task{
			ID:     newTaskID(),
			Config: cfg,
			Progress: model.Progress{
				State:  model.StateInitialized,
				Extras: map[string]string{},
			},
			Status: model.Status{State: model.StateInitialized, Reason: model.ReasonDefault, MTime: time.Now()},
			CTime:  time.Now(),
		}
		if err := s.store.CreateTask(task); err != nil {
			outErr = err
			return
		}
		s.constraints[task.ID] = netConstraint{kind: cfg.Network, metered: cfg.Metered, roaming: cfg.Roaming}
		s.ctimes[task.ID] = task.CTime
		out = task
		s.requestReschedule()
	})
	return out, outErr
}

// newTaskID picks a random non-zero id; collisions are astronomically
// unlikely at the task volumes this service runs at and CreateTask's
// unique constraint on task_id catches the rest.
func newTaskID() uint32 {
	return rand.Uint32() | 1
}

// Start implements the start() verb: Initialized/Paused/Stopped -> Waiting,
// then reschedule.
func (s *Scheduler) Start(taskID uint32) error {
	var err error
	s.post(func() {
		err = s.transition(taskID, model.StateWaiting, model.ReasonDefault)
		if err == nil {
			s.requestReschedule()
		}
	})
	return err
}

// Pause implements pause(): Running/Retrying/Waiting -> Paused.
func (s *Scheduler) Pause(taskID uint32) error {
	var err error
	s.post(func() {
		err = s.transition(taskID, model.StatePaused, model.ReasonUserOperation)
		if err == nil {
			s.requestReschedule()
		}
	})
	return err
}

// Resume implements resume(): Paused -> Waiting only (spec.md §8: "Resume a
// task not in Paused -> TaskStateErr"). The Failed -> Waiting escape hatch
// for Download tasks belongs to start() alone (model.AllowedFailedResume),
// not here — transition's generic exception check doesn't know which verb
// called it, so Resume must reject a Failed task itself rather than let it
// fall through to that exception.
func (s *Scheduler) Resume(taskID uint32) error {
	var err error
	s.post(func() {
		var t *model.Task
		t, err = s.store.GetTask(taskID)
		if err != nil {
			return
		}
		if t.Status.State != model.StatePaused {
			err = model.NewCodedError(model.ErrTaskStateErr, nil)
			return
		}
		err = s.transition(taskID, model.StateWaiting, model.ReasonUserOperation)
		if err == nil {
			s.requestReschedule()
		}
	})
	return err
}

// Stop implements stop(): any non-terminal state -> Stopped, cancelling a
// live engine if one is running.
func (s *Scheduler) Stop(taskID uint32) error {
	var err error
	s.post(func() {
		err = s.transition(taskID, model.StateStopped, model.ReasonUserOperation)
		if err != nil {
			return
		}
		s.runq.Reschedule(s.admitListWithout(taskID))
		s.requestReschedule()
	})
	return err
}

// admitListWithout snapshots every currently-running id except taskID, so
// a direct stop()/remove() can ask runqueue.Reschedule to cancel just that
// one id without running a full QoS pass first.
func (s *Scheduler) admitListWithout(taskID uint32) []uint32 {
	running := s.runq.RunningSet()
	out := make([]uint32, 0, len(running))
	for id := range running {
		if id != taskID {
			out = append(out, id)
		}
	}
	return out
}

// Remove implements remove(): marks the task Removed and keeps the row
// for search()/GC rather than deleting it immediately (§9 open question —
// "fully tracked until GC", see DESIGN.md).
func (s *Scheduler) Remove(taskID uint32) error {
	var err error
	s.post(func() {
		err = s.transition(taskID, model.StateRemoved, model.ReasonUserOperation)
		if err != nil {
			return
		}
		s.runq.Reschedule(s.admitListWithout(taskID))
		delete(s.constraints, taskID)
		delete(s.ctimes, taskID)
		s.requestReschedule()
	})
	return err
}

// Touch implements touch(): refresh a task's mtime without a state change,
// used by the client to signal it is still interested in a Waiting task.
func (s *Scheduler) Touch(taskID uint32) error {
	var err error
	s.post(func() {
		var t *model.Task
		t, err = s.store.GetTask(taskID)
		if err != nil {
			return
		}
		t.Status.MTime = time.Now()
		err = s.store.UpdateTask(t)
	})
	return err
}

// Query implements query(): a single task lookup.
func (s *Scheduler) Query(taskID uint32) (*model.Task, error) {
	var out *model.Task
	var err error
	s.post(func() {
		out, err = s.store.GetTask(taskID)
	})
	return out, err
}

// Search implements search(): the filtered id listing.
func (s *Scheduler) Search(filter model.Filter) ([]uint32, error) {
	var ids []uint32
	var err error
	s.post(func() {
		ids, err = s.store.SearchTasks(filter)
	})
	return ids, err
}

// OpenChannel implements open_channel(): hands the caller a connected
// net.Conn half, registered under pid on the notification bus.
func (s *Scheduler) OpenChannel(pid uint32) net.Conn {
	return s.bus.OpenChannel(pid)
}

// AdoptChannel registers an already-connected net.Conn (e.g. one accepted
// by the IPC server's Unix-domain-socket listener) as pid's notification
// channel.
func (s *Scheduler) AdoptChannel(pid uint32, conn net.Conn) {
	s.bus.AdoptChannel(pid, conn)
}

// Subscribe implements subscribe(): pid starts receiving taskID's events.
func (s *Scheduler) Subscribe(taskID, pid uint32) error {
	return s.bus.Subscribe(taskID, pid)
}

// Unsubscribe implements unsubscribe().
func (s *Scheduler) Unsubscribe(taskID, pid uint32) {
	s.bus.Unsubscribe(taskID, pid)
}

// OnNetworkChange implements on_network_change(): the OS bridge reports a
// new connectivity state and the loop migrates any task it no longer
// satisfies to Waiting.
func (s *Scheduler) OnNetworkChange(n model.NetworkState) {
	s.post(func() {
		migrations, changed := s.env.UpdateNetwork(n, s.liveViews())
		for _, m := range migrations {
			_ = s.transition(m.TaskID, m.State, m.Reason)
		}
		if changed {
			s.requestReschedule()
		}
	})
}

// OnAccountChange implements on_account_change(): a uid's account became
// inactive (signed out, profile removed); its running tasks are demoted.
func (s *Scheduler) OnAccountChange(active map[string]bool) {
	s.post(func() {
		migrations, changed := s.env.UpdateAccount(active, s.liveViews())
		for _, m := range migrations {
			_ = s.transition(m.TaskID, m.State, m.Reason)
		}
		if changed {
			s.requestReschedule()
		}
	})
}

// OnAppStateChange implements on_app_state_change(): a new uid took the
// foreground; the previous foreground uid's tasks get a grace period
// before they are demoted (handled by onTick's ClearTimeoutDemotions).
func (s *Scheduler) OnAppStateChange(uid string) {
	s.post(func() {
		if s.env.UpdateTopUID(uid) {
			s.requestReschedule()
		}
	})
}
