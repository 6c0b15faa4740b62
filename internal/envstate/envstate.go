// Package envstate tracks the environment signals the scheduler reacts to:
// network kind, foreground app uid, active account set, and memory-pressure
// level. It holds the current model.EnvSnapshot and, on each update,
// computes which running/waiting tasks the change invalidates so the
// scheduler can migrate them without re-deriving the rule itself.
package envstate

import (
	"net"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/rescale/taskengine/internal/model"
)

// backgroundGrace is how long a task is given after its owning uid leaves
// the foreground before it is demoted (§4.6).
const backgroundGrace = 60 * time.Second

// memLowThreshold and memCriticalThreshold bucket gopsutil's UsedPercent
// into model.RSSLevel.
const (
	memLowThreshold      = 80.0
	memCriticalThreshold = 92.0
)

// TaskView is the minimal per-task shape envstate needs to decide whether a
// change invalidates it; callers project this from the store.
type TaskView struct {
	TaskID  uint32
	UID     string
	Mode    model.Mode
	State   model.State
	Network model.NetworkKind
	Metered bool
	Roaming bool
}

// Migration is one task's forced state change in response to an
// environment change, expressed independently of the store so envstate
// never imports it.
type Migration struct {
	TaskID uint32
	State  model.State
	Reason model.Reason
}

// Handler owns the current environment snapshot plus the bookkeeping for
// the background-grace timer.
type Handler struct {
	mu sync.Mutex

	snapshot model.EnvSnapshot

	prevForegroundUID string
	foregroundLeftAt  time.Time
}

// New constructs a Handler; call Init to prime the snapshot.
func New() *Handler {
	return &Handler{}
}

// Init primes the snapshot from the live environment: network kind,
// current memory pressure. Foreground uid and account set start empty
// until the OS bridge reports them.
func (h *Handler) Init() model.EnvSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snapshot = model.EnvSnapshot{
		Network:        probeNetwork(),
		ActiveAccounts: map[string]bool{},
		RSS:            probeRSSLevel(),
	}
	return h.snapshot
}

// Snapshot returns a copy of the current environment state.
func (h *Handler) Snapshot() model.EnvSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

// UpdateNetwork installs a new network state and returns the Waiting
// migrations for any live task view whose network constraint it no longer
// satisfies, plus whether the scheduler should reschedule.
func (h *Handler) UpdateNetwork(n model.NetworkState, live []TaskView) ([]Migration, bool) {
	h.mu.Lock()
	changed := h.snapshot.Network != n
	h.snapshot.Network = n
	h.mu.Unlock()

	if !changed {
		return nil, false
	}

	var out []Migration
	for _, t := range live {
		if !t.State.InRunningQueue() && t.State != model.StateWaiting {
			continue
		}
		if !n.Satisfies(t.Network, t.Metered, t.Roaming) {
			out = append(out, Migration{TaskID: t.TaskID, State: model.StateWaiting, Reason: model.ReasonUnsupportedNetworkType})
		}
	}
	return out, true
}

// UpdateAccount installs the new active-account set and returns the
// migrations for tasks owned by a uid that is no longer active.
func (h *Handler) UpdateAccount(active map[string]bool, live []TaskView) ([]Migration, bool) {
	h.mu.Lock()
	h.snapshot.ActiveAccounts = active
	h.mu.Unlock()

	var out []Migration
	for _, t := range live {
		if !t.State.InRunningQueue() {
			continue
		}
		if !active[t.UID] {
			out = append(out, Migration{TaskID: t.TaskID, State: model.StateWaiting, Reason: model.ReasonAccountStopped})
		}
	}
	return out, len(out) > 0
}

// UpdateTopUID installs the new foreground uid. Tasks owned by the
// previous foreground uid are only demoted once backgroundGrace has
// elapsed, checked via ClearTimeoutDemotions; the returned bool alone
// tells the scheduler whether to reschedule.
func (h *Handler) UpdateTopUID(uid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot.ForegroundUID == uid {
		return false
	}
	h.prevForegroundUID = h.snapshot.ForegroundUID
	h.foregroundLeftAt = time.Now()
	h.snapshot.ForegroundUID = uid
	return true
}

// ClearTimeoutDemotions returns the Paused migrations for live foreground
// tasks owned by a uid that left the foreground more than backgroundGrace
// ago and has not returned.
func (h *Handler) ClearTimeoutDemotions(now time.Time, live []TaskView) []Migration {
	h.mu.Lock()
	prevUID := h.prevForegroundUID
	leftAt := h.foregroundLeftAt
	curUID := h.snapshot.ForegroundUID
	h.mu.Unlock()

	if prevUID == "" || prevUID == curUID || leftAt.IsZero() {
		return nil
	}
	if now.Sub(leftAt) < backgroundGrace {
		return nil
	}

	var out []Migration
	for _, t := range live {
		if t.Mode != model.ModeForeground || t.UID != prevUID {
			continue
		}
		if !t.State.InRunningQueue() {
			continue
		}
		out = append(out, Migration{TaskID: t.TaskID, State: model.StatePaused, Reason: model.ReasonAppBackgroundOrTerminate})
	}
	return out
}

// UpdateRSSLevel installs the new memory-pressure bucket. The scheduler
// rereads the running cap (ServiceConfig.RunningCapFor) off this change;
// envstate itself issues no task migrations for it.
func (h *Handler) UpdateRSSLevel(level model.RSSLevel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot.RSS == level {
		return false
	}
	h.snapshot.RSS = level
	return true
}

// SampleRSSLevel reads current memory pressure from gopsutil and buckets
// it; callers run this on a ticker and feed the result to UpdateRSSLevel.
func SampleRSSLevel() (model.RSSLevel, error) {
	return probeRSSLevelErr()
}

func probeRSSLevel() model.RSSLevel {
	level, err := probeRSSLevelErr()
	if err != nil {
		return model.RSSNormal
	}
	return level
}

func probeRSSLevelErr() (model.RSSLevel, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return model.RSSNormal, err
	}
	switch {
	case v.UsedPercent >= memCriticalThreshold:
		return model.RSSCritical, nil
	case v.UsedPercent >= memLowThreshold:
		return model.RSSLow, nil
	default:
		return model.RSSNormal, nil
	}
}

// probeNetwork classifies connectivity from the local interface table: any
// non-loopback interface that is up and carries an address is treated as
// Online{Any}. Metered/roaming are always false; the force_metered and
// force_roaming config settings are not applied here.
func probeNetwork() model.NetworkState {
	ifaces, err := net.Interfaces()
	if err != nil {
		return model.NetworkState{Online: false}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return model.NetworkState{Online: true, Kind: model.NetworkAny}
	}
	return model.NetworkState{Online: false}
}
