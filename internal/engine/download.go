package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rescale/taskengine/internal/events"
	"github.com/rescale/taskengine/internal/httpx"
	"github.com/rescale/taskengine/internal/model"
	"github.com/rescale/taskengine/internal/util/buffers"
)

// RunDownload drives one download pass for task against destPath,
// implementing §4.4 end to end: resume detection, conditional range
// construction, response classification, the chunked copy loop with
// progress events and the low-speed watchdog, and completion.
func RunDownload(ctx context.Context, task *model.Task, destPath string, opts Options) Result {
	cfg := task.Config

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}
	}
	defer f.Close()

	hasDownloaded, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}
	}

	task.Progress.Index = 0
	if len(task.Progress.Processed) == 0 {
		task.Progress.Processed = []int64{0}
	}
	if task.Progress.Extras == nil {
		task.Progress.Extras = map[string]string{}
	}
	task.Progress.Processed[0] = hasDownloaded
	task.Status.State = model.StateRunning

	req, rangeFailure, err := buildDownloadRequest(ctx, cfg, task.Progress.Extras, hasDownloaded)
	if rangeFailure {
		return Result{State: model.StateFailed, Reason: model.ReasonUnsupportedRangeRequest}
	}
	if err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
	}
	// A resume with no stored validator goes out as a plain request: drop
	// the old bytes so the full response starts the file afresh.
	if hasDownloaded > 0 && req.Header.Get("Range") == "" {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonIoError}
		}
		if err := f.Truncate(0); err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonIoError}
		}
		hasDownloaded = 0
		task.Progress.Processed[0] = 0
	}

	tries := 0
	for {
		result, retry, clearAndRestart := attemptDownload(ctx, f, task, req, hasDownloaded, opts)
		if clearAndRestart {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return Result{State: model.StateFailed, Reason: model.ReasonIoError}
			}
			if err := f.Truncate(0); err != nil {
				return Result{State: model.StateFailed, Reason: model.ReasonIoError}
			}
			hasDownloaded = 0
			task.Progress.Processed[0] = 0
			req, rangeFailure, err = buildDownloadRequest(ctx, cfg, nil, 0)
			if rangeFailure || err != nil {
				return Result{State: model.StateFailed, Reason: model.ReasonUnsupportedRangeRequest}
			}
			continue
		}
		if retry {
			tries++
			task.Tries = tries
			if tries > maxProtocolRetries {
				return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}
			}
			req, _, err = buildDownloadRequest(ctx, cfg, task.Progress.Extras, hasDownloaded)
			if err != nil {
				return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
			}
			continue
		}
		return result
	}
}

// buildDownloadRequest implements the request-construction rules of §4.4.
// rangeFailure reports the "resume + user range with no stored validator"
// terminal case.
func buildDownloadRequest(ctx context.Context, cfg model.Config, extras map[string]string, hasDownloaded int64) (*http.Request, bool, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, false, err
	}
	u.RawPath = u.EscapedPath()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, false, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	etag := extras["etag"]
	lastMod := extras["last-modified"]
	hasValidator := etag != "" || lastMod != ""
	userRange := cfg.Range.Begins != 0 || cfg.Range.Ends != 0

	switch {
	case hasDownloaded > 0 && userRange:
		if !hasValidator {
			return nil, true, nil
		}
		setConditional(req, etag, lastMod)
		req.Header.Set("Range", rangeHeader(cfg.Range.Begins+hasDownloaded, cfg.Range.Ends))
	case hasDownloaded > 0:
		if !hasValidator {
			// Plain request with no Range header; RunDownload sees the
			// missing header and truncates the file before sending it.
			return req, false, nil
		}
		setConditional(req, etag, lastMod)
		req.Header.Set("Range", rangeHeader(hasDownloaded, -1))
	case userRange:
		req.Header.Set("Range", rangeHeader(cfg.Range.Begins, cfg.Range.Ends))
	}

	return req, false, nil
}

func setConditional(req *http.Request, etag, lastMod string) {
	if etag != "" {
		req.Header.Set("If-Range", etag)
	} else if lastMod != "" {
		req.Header.Set("If-Range", lastMod)
	}
}

func rangeHeader(begins, ends int64) string {
	if ends < 0 {
		return fmt.Sprintf("bytes=%d-", begins)
	}
	return fmt.Sprintf("bytes=%d-%d", begins, ends)
}

// attemptDownload issues req once and classifies the response. retry
// means "408, try again within budget"; clearAndRestart means "server
// returned 200 to a conditional resume of a download with no user range,
// wipe local bytes and start over".
func attemptDownload(ctx context.Context, f *os.File, task *model.Task, req *http.Request, hasDownloaded int64, opts Options) (result Result, retry bool, clearAndRestart bool) {
	resp, err := opts.Client.Do(req)
	if err != nil {
		if !awaitNetworkOrFail(ctx, &opts) {
			return networkRetryDecision(task.Config), false, false
		}
		return Result{State: model.StateWaiting, Reason: model.ReasonNeedRetry}, false, false
	}
	defer resp.Body.Close()

	extras := map[string]string{}
	for k, v := range resp.Header {
		if len(v) > 0 {
			extras[strings.ToLower(k)] = v[0]
		}
	}
	for k, v := range extras {
		task.Progress.Extras[k] = v
	}

	opts.publish(&events.HttpResponseEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventHttpResponse, Time: time.Now()},
		TaskID:    task.ID, Version: resp.Proto, Status: resp.StatusCode, Reason: resp.Status, Headers: extras,
	})

	wasRange := req.Header.Get("Range") != ""

	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return Result{}, true, false

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}, false, false

	case resp.StatusCode >= 400:
		return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}, false, false

	case resp.StatusCode == http.StatusOK && wasRange:
		userRange := task.Config.Range.Begins != 0 || task.Config.Range.Ends != 0
		if hasDownloaded > 0 && !userRange {
			return Result{}, false, true
		}
		return Result{State: model.StateFailed, Reason: model.ReasonUnsupportedRangeRequest}, false, false

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		contentLength := resp.ContentLength
		if contentLength < 0 && task.Config.Precise {
			return Result{State: model.StateFailed, Reason: model.ReasonGetFileSizeFailed}, false, false
		}

		total := hasDownloaded + maxInt64(contentLength, 0)
		if len(task.Progress.Sizes) == 0 {
			task.Progress.Sizes = []int64{total}
		} else {
			task.Progress.Sizes[0] = total
		}

		opts.publish(&events.HeaderReceiveEvent{
			BaseEvent: events.BaseEvent{EventType: events.EventHeaderReceive, Time: time.Now()},
			TaskID:    task.ID, TotalSize: total,
		})

		res := copyBody(ctx, f, resp.Body, task, opts)
		return res, false, false

	default:
		return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}, false, false
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// copyBody streams resp into f, updating progress and polling
// cancellation/the low-speed watchdog between chunks, then completes the
// task on success.
func copyBody(ctx context.Context, f *os.File, body io.Reader, task *model.Task, opts Options) Result {
	bufp := buffers.GetChunkBuffer()
	defer buffers.PutChunkBuffer(bufp)
	buf := *bufp

	watchdog := newSpeedWatchdog(task.Config.MinSpeed)
	lastPublish := time.Now()

	for {
		if opts.cancelled() {
			return Result{State: model.StatePaused, Reason: model.ReasonUserOperation}
		}
		if err := ctx.Err(); err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonContinuousTaskTimeout}
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return Result{State: model.StateFailed, Reason: model.ReasonIoError}
			}
			task.Progress.Processed[0] += int64(n)
			task.Progress.TotalProcessed += int64(n)

			now := time.Now()
			if watchdog.observe(now, int64(n)) {
				return Result{State: model.StateFailed, Reason: model.ReasonLowSpeed}
			}
			if now.Sub(lastPublish) >= progressInterval {
				lastPublish = now
				opts.publish(&events.ProgressEvent{
					BaseEvent:      events.BaseEvent{EventType: events.EventProgress, Time: now},
					TaskID:         task.ID,
					FileIndex:      0,
					Processed:      task.Progress.Processed[0],
					TotalProcessed: task.Progress.TotalProcessed,
					Sizes:          append([]int64(nil), task.Progress.Sizes...),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if !awaitNetworkOrFail(ctx, &opts) {
				return networkRetryDecision(task.Config)
			}
			return Result{State: model.StateWaiting, Reason: model.ReasonNeedRetry}
		}
	}

	if err := f.Sync(); err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}
	}

	if len(task.Progress.Sizes) > 0 {
		task.Progress.Sizes[0] = task.Progress.Processed[0]
	}
	return Result{State: model.StateCompleted, Reason: model.ReasonDefault}
}

var _ httpx.Doer = (*http.Client)(nil)
