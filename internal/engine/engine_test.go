package engine

import (
	"testing"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

func TestNetworkRetryDecisionForegroundFails(t *testing.T) {
	res := networkRetryDecision(model.Config{Mode: model.ModeForeground, Retry: true})
	if res.State != model.StateFailed || res.Reason != model.ReasonNetworkOffline {
		t.Fatalf("result = %+v", res)
	}
}

func TestNetworkRetryDecisionBackgroundWithRetryWaits(t *testing.T) {
	res := networkRetryDecision(model.Config{Mode: model.ModeBackground, Retry: true})
	if res.State != model.StateWaiting || res.Reason != model.ReasonNetworkOffline {
		t.Fatalf("result = %+v", res)
	}
}

func TestNetworkRetryDecisionBackgroundNoRetryFails(t *testing.T) {
	res := networkRetryDecision(model.Config{Mode: model.ModeBackground, Retry: false})
	if res.State != model.StateFailed || res.Reason != model.ReasonNetworkOffline {
		t.Fatalf("result = %+v", res)
	}
}

func TestSpeedWatchdogTripsBelowFloor(t *testing.T) {
	w := newSpeedWatchdog(model.SpeedLimit{MinBytesPerSec: 1000, Window: time.Second})
	start := time.Now()
	if w.observe(start, 500) {
		t.Fatalf("should not trip before the window elapses")
	}
	if !w.observe(start.Add(2*time.Second), 500) {
		t.Fatalf("expected trip once the window elapses under the floor")
	}
}

func TestSpeedWatchdogDisabledWithoutLimit(t *testing.T) {
	w := newSpeedWatchdog(model.SpeedLimit{})
	if w.observe(time.Now(), 1) {
		t.Fatalf("zero-value limit should never trip")
	}
}
