// Package engine implements the resumable HTTP transfer engine (§4.4/§4.5):
// the download path (range/resume, conditional headers, 408 retry budget,
// low-speed watchdog) and the upload path (per-file stream and multipart
// batch shapes). Each engine instance owns one task for the duration of one
// pass; the running queue (package runqueue) starts and cancels it, and it
// reports outcomes back to the scheduler purely through its return value
// plus events published on the shared bus — it never mutates scheduler or
// persistence state directly.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rescale/taskengine/internal/events"
	"github.com/rescale/taskengine/internal/httpx"
	"github.com/rescale/taskengine/internal/model"
)

// progressInterval rate-limits ProgressEvent publication (§4.7).
const progressInterval = 250 * time.Millisecond

// maxProtocolRetries bounds the 408 retry budget (§4.4/§7).
const maxProtocolRetries = 2

// Options bundles the dependencies one engine pass needs, supplied by the
// scheduler so engine stays free of any direct store/envstate import.
type Options struct {
	Client httpClient

	// Bus receives Progress/HttpResponse/HeaderReceive events as the
	// transfer proceeds; the engine publishes no Fault or WaitNotify events.
	Bus *events.EventBus

	// Cancelled is the shared cooperative-abort flag the running queue
	// sets on reschedule-out or forced stop (§5 "Cancellation").
	Cancelled *atomic.Bool

	// IsNetworkOnline reports current connectivity for the network_retry
	// decision (§4.4 "Error taxonomy"); nil means always online.
	IsNetworkOnline func() bool
}

// httpClient is the narrow surface engine needs from *http.Client, so
// tests can substitute a fake transport without a real socket.
type httpClient = httpx.Doer

// Result is the outcome of one engine pass: the state/reason the caller
// should persist and publish, mirroring the state machine's transition
// vocabulary.
type Result struct {
	State  model.State
	Reason model.Reason
}

func (o *Options) cancelled() bool {
	return o.Cancelled != nil && o.Cancelled.Load()
}

func (o *Options) online() bool {
	if o.IsNetworkOnline == nil {
		return true
	}
	return o.IsNetworkOnline()
}

func (o *Options) publish(ev events.Event) {
	if o.Bus != nil {
		o.Bus.Publish(ev)
	}
}

// networkRetryWait is how long engine waits, polling IsNetworkOnline,
// before deciding the outage is sustained (§4.4).
const networkRetryWait = 5 * time.Second

// networkRetryDecision implements the Fail-vs-Wait split of §4.4/§7:
// Foreground or no-retry tasks Fail on sustained offline; Background
// tasks with retry enabled Wait instead, to be resumed by the scheduler
// once connectivity returns.
func networkRetryDecision(cfg model.Config) Result {
	if cfg.Mode == model.ModeForeground || !cfg.Retry {
		return Result{State: model.StateFailed, Reason: model.ReasonNetworkOffline}
	}
	return Result{State: model.StateWaiting, Reason: model.ReasonNetworkOffline}
}

// awaitNetworkOrFail blocks (bounded by networkRetryWait, cooperatively
// cancellable) for connectivity to return; it reports whether the network
// came back before the deadline.
func awaitNetworkOrFail(ctx context.Context, opts *Options) bool {
	if opts.online() {
		return true
	}
	deadline := time.Now().Add(networkRetryWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if opts.cancelled() || ctx.Err() != nil {
			return false
		}
		if opts.online() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return opts.online()
}

// speedWatchdog fails a transfer whose throughput stays below a
// configured floor for a sustained window (§4.4 "low-speed watchdog").
type speedWatchdog struct {
	limit       model.SpeedLimit
	windowStart time.Time
	windowBytes int64
	tripped     bool
}

func newSpeedWatchdog(limit model.SpeedLimit) *speedWatchdog {
	return &speedWatchdog{limit: limit}
}

// observe records n newly-transferred bytes at now and reports whether the
// watchdog has tripped.
func (w *speedWatchdog) observe(now time.Time, n int64) bool {
	if w.limit.MinBytesPerSec <= 0 || w.limit.Window <= 0 {
		return false
	}
	if w.windowStart.IsZero() {
		w.windowStart = now
	}
	w.windowBytes += n

	elapsed := now.Sub(w.windowStart)
	if elapsed < w.limit.Window {
		return false
	}
	rate := float64(w.windowBytes) / elapsed.Seconds()
	w.windowStart = now
	w.windowBytes = 0
	if rate < float64(w.limit.MinBytesPerSec) {
		w.tripped = true
	}
	return w.tripped
}
