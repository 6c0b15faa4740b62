// Package qos computes the bounded admission set the scheduler hands to
// the running queue: which tasks, per action, are allowed to occupy a
// transfer engine right now.
package qos

import (
	"container/heap"

	"github.com/rescale/taskengine/internal/model"
)

// eligibleItem is one candidate on the priority heap; it wraps the
// projection the store hands back so qos never loads a full Task.
type eligibleItem struct {
	entry model.QosEntry
	index int
}

// byPriority orders items by (mode==Foreground, -priority, -ctime): the
// heap pops the highest-priority candidate first, so Less is inverted the
// way tachyon's PriorityQueue inverts it for a max-heap.
type byPriority []*eligibleItem

func (pq byPriority) Len() int { return len(pq) }

func (pq byPriority) Less(i, j int) bool {
	a, b := pq[i].entry, pq[j].entry
	af := a.Mode == model.ModeForeground
	bf := b.Mode == model.ModeForeground
	if af != bf {
		return af // foreground first
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CTime.Equal(b.CTime) {
		return a.CTime.Before(b.CTime) // older first
	}
	return a.TaskID < b.TaskID
}

func (pq byPriority) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *byPriority) Push(x interface{}) {
	item := x.(*eligibleItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *byPriority) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// Caps bounds how many tasks of an action may run concurrently.
type Caps struct {
	// RunningCap is the total cap, derived from the current rss level.
	RunningCap int
	// PerAppCap bounds how many of a single uid's tasks may run at once.
	PerAppCap int
	// ForegroundCap bounds foreground tasks; they are admitted above
	// RunningCap up to this cap.
	ForegroundCap int
}

// Changes is the result of one admission computation: the task ids that
// should be running, and the ones that must be pushed back to Waiting
// because the running cap was reached.
type Changes struct {
	Admit     []uint32
	Displaced []uint32
}

// eligible reports whether entry may run at all given the current
// environment: its state must be runnable, its network constraint must be
// satisfied, and if it is Foreground its uid must own the foreground.
func eligible(e model.QosEntry, net model.NetworkState, constraint func(model.QosEntry) (model.NetworkKind, bool, bool), foregroundUID string) bool {
	switch e.State {
	case model.StateInitialized, model.StateWaiting, model.StateRunning, model.StateRetrying:
	default:
		return false
	}
	kind, metered, roaming := constraint(e)
	if !net.Satisfies(kind, metered, roaming) {
		return false
	}
	if e.Mode == model.ModeForeground && e.UID != foregroundUID {
		return false
	}
	return true
}

// Compute builds the admission set for one action's entries. constraint
// looks up each entry's declared network requirement (callers thread this
// from the task's Config since QosEntry itself only carries the sort
// keys). Displaced lists exactly the ids in runningNow that are not in
// Admit; an id outside runningNow never appears in it.
func Compute(entries []model.QosEntry, net model.NetworkState, constraint func(model.QosEntry) (model.NetworkKind, bool, bool), foregroundUID string, runningNow map[uint32]bool, caps Caps) Changes {
	pq := make(byPriority, 0, len(entries))
	for _, e := range entries {
		if !eligible(e, net, constraint, foregroundUID) {
			continue
		}
		item := &eligibleItem{entry: e}
		pq = append(pq, item)
	}
	heap.Init(&pq)

	perApp := map[string]int{}
	totalAdmitted := 0
	foregroundAdmitted := 0

	var admit []uint32
	for pq.Len() > 0 {
		item := heap.Pop(&pq).(*eligibleItem)
		e := item.entry

		isForeground := e.Mode == model.ModeForeground
		if perApp[e.UID] >= caps.PerAppCap {
			continue
		}
		if isForeground {
			if foregroundAdmitted >= caps.ForegroundCap {
				continue
			}
		} else if totalAdmitted >= caps.RunningCap {
			continue
		}

		admit = append(admit, e.TaskID)
		perApp[e.UID]++
		if isForeground {
			foregroundAdmitted++
		} else {
			totalAdmitted++
		}
	}

	admitSet := make(map[uint32]bool, len(admit))
	for _, id := range admit {
		admitSet[id] = true
	}

	var displaced []uint32
	for id, running := range runningNow {
		if running && !admitSet[id] {
			displaced = append(displaced, id)
		}
	}

	return Changes{Admit: admit, Displaced: displaced}
}
