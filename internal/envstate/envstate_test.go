package envstate

import (
	"testing"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

func TestInitPrimesSnapshot(t *testing.T) {
	h := New()
	snap := h.Init()
	if snap.ActiveAccounts == nil {
		t.Fatal("ActiveAccounts should be initialized, not nil")
	}
}

func TestUpdateNetworkDemotesUnsatisfiedTasks(t *testing.T) {
	h := New()
	h.Init()

	live := []TaskView{
		{TaskID: 1, State: model.StateRunning, Network: model.NetworkWifi},
		{TaskID: 2, State: model.StateRunning, Network: model.NetworkAny},
	}

	migrations, changed := h.UpdateNetwork(model.NetworkState{Online: true, Kind: model.NetworkCellular}, live)
	if !changed {
		t.Fatal("expected changed=true on first network update")
	}
	if len(migrations) != 1 || migrations[0].TaskID != 1 {
		t.Fatalf("migrations = %+v, want just task 1 demoted", migrations)
	}
	if migrations[0].Reason != model.ReasonUnsupportedNetworkType {
		t.Fatalf("reason = %v", migrations[0].Reason)
	}
}

func TestUpdateNetworkNoopWhenUnchanged(t *testing.T) {
	h := New()
	h.Init()
	n := model.NetworkState{Online: true, Kind: model.NetworkAny}
	h.UpdateNetwork(n, nil)

	_, changed := h.UpdateNetwork(n, nil)
	if changed {
		t.Fatal("expected changed=false when network state repeats")
	}
}

func TestUpdateAccountDemotesStoppedUID(t *testing.T) {
	h := New()
	h.Init()
	live := []TaskView{{TaskID: 5, UID: "uid-a", State: model.StateRunning}}

	migrations, changed := h.UpdateAccount(map[string]bool{"uid-b": true}, live)
	if !changed || len(migrations) != 1 {
		t.Fatalf("migrations = %+v changed=%v", migrations, changed)
	}
	if migrations[0].Reason != model.ReasonAccountStopped {
		t.Fatalf("reason = %v", migrations[0].Reason)
	}
}

func TestClearTimeoutDemotionsRespectsGraceWindow(t *testing.T) {
	h := New()
	h.Init()
	h.UpdateTopUID("uid-a")
	h.UpdateTopUID("uid-b")

	live := []TaskView{{TaskID: 7, UID: "uid-a", Mode: model.ModeForeground, State: model.StateRunning}}

	now := h.foregroundLeftAt.Add(30 * time.Second)
	if m := h.ClearTimeoutDemotions(now, live); len(m) != 0 {
		t.Fatalf("expected no demotion before grace elapses, got %+v", m)
	}

	now = h.foregroundLeftAt.Add(61 * time.Second)
	m := h.ClearTimeoutDemotions(now, live)
	if len(m) != 1 || m[0].TaskID != 7 {
		t.Fatalf("expected task 7 demoted after grace, got %+v", m)
	}
	if m[0].Reason != model.ReasonAppBackgroundOrTerminate {
		t.Fatalf("reason = %v", m[0].Reason)
	}
}

func TestUpdateRSSLevelReportsChange(t *testing.T) {
	h := New()
	h.Init()
	h.UpdateRSSLevel(model.RSSLow)
	if changed := h.UpdateRSSLevel(model.RSSLow); changed {
		t.Fatal("expected no change when RSS level repeats")
	}
	if changed := h.UpdateRSSLevel(model.RSSCritical); !changed {
		t.Fatal("expected change to Critical")
	}
}
