package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rescale/taskengine/internal/engine"
	"github.com/rescale/taskengine/internal/httpx"
	"github.com/rescale/taskengine/internal/model"
	"github.com/rescale/taskengine/internal/qos"
)

// doReschedule runs the full admission pass: it computes Download and
// Upload admission independently (§4.2 "Download and Upload are scheduled
// independently with their own caps"), diffs each against the running
// queue, starts newly-admitted engines, and signals cooperative
// cancellation for displaced ones.
func (s *Scheduler) doReschedule() {
	s.rescheduleOne(model.ActionDownload)
	s.rescheduleOne(model.ActionUpload)
}

func (s *Scheduler) rescheduleOne(action model.Action) {
	entries, err := s.store.ListQoSEntries(action)
	if err != nil {
		s.logf("ListQoSEntries(%s): %v", action, err)
		return
	}

	runningAll := s.runq.RunningSet()
	runningForAction := map[uint32]bool{}
	for _, e := range entries {
		if runningAll[e.TaskID] {
			runningForAction[e.TaskID] = true
		}
	}

	env := s.env.Snapshot()
	caps := qos.Caps{
		RunningCap:    s.caps.runningCapFor(env.RSS),
		PerAppCap:     s.caps.PerAppRunningCap,
		ForegroundCap: s.caps.ForegroundRunningCap,
	}

	changes := qos.Compute(entries, env.Network, s.constraintFor, env.ForegroundUID, runningForAction, caps)

	for _, id := range changes.Displaced {
		_ = s.transition(id, model.StateWaiting, model.ReasonRunningTaskMeetsLimit)
	}

	toStart := s.runq.Reschedule(changes.Admit)
	for _, id := range toStart {
		s.launch(id)
	}
}

// constraintFor satisfies qos.Compute's constraint callback, reading the
// network requirement out of the side cache populated at construct time
// (QosEntry itself carries only the sort keys, not Config).
func (s *Scheduler) constraintFor(e model.QosEntry) (model.NetworkKind, bool, bool) {
	c, ok := s.constraints[e.TaskID]
	if !ok {
		return model.NetworkAny, false, false
	}
	return c.kind, c.metered, c.roaming
}

// launch starts one engine goroutine for taskID and wires its running
// queue bookkeeping. Any construct-time validation already happened; this
// is pure "go run the transfer."
func (s *Scheduler) launch(taskID uint32) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logf("launch: GetTask(%d): %v", taskID, err)
		return
	}
	if err := s.transition(taskID, model.StateRunning, model.ReasonDefault); err != nil {
		s.logf("launch: transition(%d, Running): %v", taskID, err)
		return
	}

	client, err := httpx.NewTransferClient(30*time.Second, task.Config.Proxy, task.Config.CertPins)
	if err != nil {
		s.logf("launch: build client for task %d: %v", taskID, err)
		_ = s.transition(taskID, model.StateFailed, model.ReasonBuildRequestFailed)
		s.requestReschedule()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := &atomic.Bool{}
	s.runq.Start(taskID, task.Config.UID, cancel, cancelled)
	s.ctimes[taskID] = task.CTime

	go func() {
		res := s.runEngine(ctx, task, engine.Options{
			Client:          client,
			Bus:             s.bridge,
			Cancelled:       cancelled,
			IsNetworkOnline: func() bool { return s.env.Snapshot().Network.Online },
		})
		s.post(func() { s.onEngineDone(taskID, res) })
	}()
}

// defaultRunEngine dispatches to engine.RunDownload/RunUpload by action;
// tests substitute Scheduler.runEngine to avoid real HTTP calls.
func (s *Scheduler) defaultRunEngine(ctx context.Context, task *model.Task, opts engine.Options) engine.Result {
	switch task.Config.Action {
	case model.ActionDownload:
		destPath := ""
		if len(task.Config.Files) > 0 {
			destPath = task.Config.Files[0].Path
		}
		return engine.RunDownload(ctx, task, destPath, opts)
	case model.ActionUpload:
		return engine.RunUpload(ctx, task, opts)
	default:
		return engine.Result{State: model.StateFailed, Reason: model.ReasonRequestError}
	}
}

// onEngineDone runs on the loop goroutine once an engine pass returns: it
// reclaims the running-queue slot, persists the outcome, and — for a
// retryable outcome on a task that still has retry budget — re-queues it
// as Waiting so the next reschedule pass can restart it.
func (s *Scheduler) onEngineDone(taskID uint32, res engine.Result) {
	s.finishRunning(taskID, res)
}

func (s *Scheduler) finishRunning(taskID uint32, res engine.Result) {
	s.runq.TaskFinish(taskID)

	if res.State == model.StateWaiting && res.Reason == model.ReasonNetworkOffline {
		if err := s.transition(taskID, model.StateWaiting, res.Reason); err != nil {
			s.logf("finishRunning: transition(%d, Waiting): %v", taskID, err)
		}
		s.requestReschedule()
		return
	}

	if err := s.transition(taskID, res.State, res.Reason); err != nil {
		s.logf("finishRunning: transition(%d, %s): %v", taskID, res.State, err)
	}
	s.requestReschedule()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
