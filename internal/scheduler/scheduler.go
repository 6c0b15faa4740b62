// Package scheduler is the central coordinator of §4.1/§4.3/§5: a single
// event-loop goroutine owns the scheduler and running-queue indexes, drives
// the QoS admission computation, starts and cancels transfer engines, and
// applies every state transition to the store atomically. Engines never
// mutate scheduler state directly — they report back through onEngineDone,
// which the loop processes like any other command.
//
// The event-loop shape is lifted from the teacher's daemon.Daemon: a
// ticker-driven goroutine with its own stop channel and WaitGroup, except
// here the "work" dispatched per tick is reschedule/GC/timeout-sweep
// instead of job polling.
package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rescale/taskengine/internal/diskspace"
	"github.com/rescale/taskengine/internal/engine"
	"github.com/rescale/taskengine/internal/envstate"
	"github.com/rescale/taskengine/internal/events"
	"github.com/rescale/taskengine/internal/logging"
	"github.com/rescale/taskengine/internal/model"
	"github.com/rescale/taskengine/internal/notifybus"
	"github.com/rescale/taskengine/internal/runqueue"
	"github.com/rescale/taskengine/internal/store"
	"github.com/rescale/taskengine/internal/validation"
)

// Caps mirrors config.QoSConfig; kept independent so scheduler has no
// import-time dependency on the config package's file-loading concerns.
type Caps struct {
	PerAppRunningCap     int
	ForegroundRunningCap int
	RunningCapNormal     int
	RunningCapLow        int
	RunningCapCritical   int
}

func (c Caps) runningCapFor(level model.RSSLevel) int {
	switch level {
	case model.RSSCritical:
		return c.RunningCapCritical
	case model.RSSLow:
		return c.RunningCapLow
	default:
		return c.RunningCapNormal
	}
}

// QuotaCaps bounds how many non-terminal tasks a single uid may hold per
// mode at construct time (§4.1 "Per-app quotas").
type QuotaCaps struct {
	BackgroundPerApp int
	ForegroundPerApp int
}

// Options configures a new Scheduler.
type Options struct {
	Store      *store.Store
	Bus        *notifybus.Bus
	Logger     *logging.Logger
	Caps       Caps
	Quotas     QuotaCaps
	SandboxDir string // if set, every file path must resolve within SandboxDir/<uid>
	TickPeriod time.Duration
	GCInterval time.Duration // if zero, defaultGCInterval is used
}

// engineRunner abstracts engine.RunDownload/RunUpload so tests can
// substitute a fake without making an HTTP call.
type engineRunner func(ctx context.Context, task *model.Task, opts engine.Options) engine.Result

type netConstraint struct {
	kind    model.NetworkKind
	metered bool
	roaming bool
}

// Scheduler is the single-writer event loop described by §5. All exported
// methods post a closure onto cmdCh and block for its reply, so every
// mutation — public command or internal signal — runs on the loop
// goroutine, one at a time.
type Scheduler struct {
	store  *store.Store
	bus    *notifybus.Bus
	env    *envstate.Handler
	runq   *runqueue.Queue
	logger *logging.Logger

	caps       Caps
	quotas     QuotaCaps
	sandboxDir string
	tickPeriod time.Duration
	gcInterval time.Duration

	bridge *events.EventBus
	runEngine engineRunner

	cmdCh  chan func()
	stopCh chan struct{}
	gcCtx    context.Context
	gcCancel context.CancelFunc
	wg       sync.WaitGroup

	// loop-goroutine-only state (never touched off-loop)
	rescheduleDue bool
	constraints   map[uint32]netConstraint
	ctimes        map[uint32]time.Time
}

// New builds a Scheduler; call Start to begin its event loop.
func New(opts Options) *Scheduler {
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = time.Second
	}
	gcCtx, gcCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       opts.Store,
		bus:         opts.Bus,
		env:         envstate.New(),
		runq:        runqueue.New(),
		logger:      opts.Logger,
		caps:        opts.Caps,
		quotas:      opts.Quotas,
		sandboxDir:  opts.SandboxDir,
		tickPeriod:  opts.TickPeriod,
		gcInterval:  opts.GCInterval,
		bridge:      events.NewEventBus(256),
		cmdCh:       make(chan func()),
		stopCh:      make(chan struct{}),
		gcCtx:       gcCtx,
		gcCancel:    gcCancel,
		constraints: map[uint32]netConstraint{},
		ctimes:      map[uint32]time.Time{},
	}
	s.runEngine = s.defaultRunEngine
	return s
}

// Start primes the environment snapshot and launches the event loop and the
// background GC sweep.
func (s *Scheduler) Start() {
	s.env.Init()
	s.wg.Add(1)
	go s.loop()
	s.startGC(s.gcCtx)
}

// Stop requests the loop and GC sweep to exit and waits for both to drain.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.gcCancel()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()

	sub := s.bridge.SubscribeAll()

	for {
		select {
		case <-s.stopCh:
			return
		case cmd := <-s.cmdCh:
			cmd()
		case ev := <-sub:
			s.onBridgeEvent(ev)
		case <-ticker.C:
			s.onTick()
		}
		if s.rescheduleDue {
			s.rescheduleDue = false
			s.doReschedule()
		}
	}
}

// post runs fn on the loop goroutine and blocks until it returns.
func (s *Scheduler) post(fn func()) {
	done := make(chan struct{})
	s.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

func (s *Scheduler) requestReschedule() {
	s.rescheduleDue = true
}

// onTick runs the periodic housekeeping the loop owns: memory-pressure
// sampling, the month-old timeout sweep, the background-grace sweep, and
// draining the notification bus.
func (s *Scheduler) onTick() {
	if level, err := envstate.SampleRSSLevel(); err == nil {
		if s.env.UpdateRSSLevel(level) {
			s.requestReschedule()
		}
	}

	now := time.Now()
	for _, id := range s.runq.ClearGraceTimeouts(now) {
		s.finishRunning(id, engine.Result{State: model.StateFailed, Reason: model.ReasonOthersError})
	}
	for _, id := range s.runq.ClearTimeoutTasks(now, s.ctimes) {
		s.transition(id, model.StateStopped, model.ReasonTaskSurvivalOneMonth)
		s.requestReschedule()
	}
	for _, m := range s.env.ClearTimeoutDemotions(now, s.liveViews()) {
		s.transition(m.TaskID, m.State, m.Reason)
		s.requestReschedule()
	}

	if s.bus != nil {
		s.bus.Drain()
	}
}

func (s *Scheduler) liveViews() []envstate.TaskView {
	running := s.runq.RunningSet()
	views := make([]envstate.TaskView, 0, len(running))
	for id := range running {
		t, err := s.store.GetTask(id)
		if err != nil {
			continue
		}
		views = append(views, envstate.TaskView{
			TaskID:  id,
			UID:     t.Config.UID,
			Mode:    t.Config.Mode,
			State:   t.Status.State,
			Network: t.Config.Network,
			Metered: t.Config.Metered,
			Roaming: t.Config.Roaming,
		})
	}
	return views
}

// onBridgeEvent forwards an internal engine event onto the client-facing
// notification bus (spec §4.7's event set).
func (s *Scheduler) onBridgeEvent(ev events.Event) {
	if s.bus == nil {
		return
	}
	switch e := ev.(type) {
	case *events.ProgressEvent:
		s.bus.PublishProgress(e.TaskID, e.FileIndex, e.Processed, e.TotalProcessed, e.Sizes)
	case *events.HttpResponseEvent:
		s.bus.PublishHttpResponse(e.TaskID, e.Version, e.Status, e.Reason, e.Headers)
	case *events.HeaderReceiveEvent:
		s.bus.PublishHeaderReceive(e.TaskID, e.TotalSize)
	case *events.FaultEvent:
		s.bus.PublishFault(e.TaskID, e.Kind, e.Reason)
	case *events.WaitNotifyEvent:
		s.bus.PublishWaitNotify(e.TaskID, e.Cause)
	}
}

// transition persists a state change and publishes the matching bus
// event; it is the only place the loop writes Status to the store.
func (s *Scheduler) transition(taskID uint32, next model.State, reason model.Reason) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !model.CanTransition(t.Status.State, next) {
		if !(t.Status.State == model.StateFailed && next == model.StateWaiting && model.AllowedFailedResume(t.Config.Action)) {
			return model.NewCodedError(model.ErrTaskStateErr, nil)
		}
	}
	t.Status.State = next
	t.Status.Reason = reason
	t.Status.MTime = time.Now()
	if next == model.StateWaiting && reason != model.ReasonNeedRetry {
		t.Status.WaitingNetworkAt = time.Now()
	}
	if err := s.store.UpdateTask(t); err != nil {
		return err
	}

	switch next {
	case model.StateCompleted:
		s.notify(func() { s.bus.PublishCompleted(taskID) })
	case model.StateFailed:
		s.notify(func() { s.bus.PublishFailed(taskID, reason) })
	case model.StateWaiting:
		s.notify(func() { s.bus.PublishWaitNotify(taskID, reason) })
	case model.StatePaused:
		s.notify(func() { s.bus.PublishPaused(taskID, reason) })
	case model.StateRunning:
		s.notify(func() { s.bus.PublishResumed(taskID) })
	case model.StateRemoved:
		s.notify(func() { s.bus.PublishRemoved(taskID) })
	}
	return nil
}

func (s *Scheduler) notify(fn func()) {
	if s.bus != nil {
		fn()
	}
}

// sandboxBaseFor returns the directory every file path of uid's tasks must
// resolve within, or "" if no sandbox is configured.
func (s *Scheduler) sandboxBaseFor(uid string) string {
	if s.sandboxDir == "" {
		return ""
	}
	return filepath.Join(s.sandboxDir, uid)
}

func validateFiles(files []model.FileSpec, sandboxBase string) error {
	for _, f := range files {
		if err := validation.ValidateFilePath(f.Path); err != nil {
			return err
		}
		if sandboxBase != "" {
			if err := validation.ValidatePathInDirectory(f.Path, sandboxBase); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkDiskSpace(destPath string) error {
	if destPath == "" {
		return nil
	}
	return diskspace.CheckAvailableSpace(destPath, 0, 0.05)
}
