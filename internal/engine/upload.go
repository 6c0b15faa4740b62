package engine

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rescale/taskengine/internal/events"
	"github.com/rescale/taskengine/internal/model"
	"github.com/rescale/taskengine/internal/util/buffers"
)

// uploadMethod returns cfg.Method when set; otherwise PUT for the current
// protocol version, while legacy
// callers (VersionLegacy) use POST instead (§6 "HTTP").
func uploadMethod(cfg model.Config) string {
	if cfg.Method != "" {
		return cfg.Method
	}
	if cfg.Version == model.VersionLegacy {
		return http.MethodPost
	}
	return http.MethodPut
}

// RunUpload drives one upload pass for task, implementing §4.5: the
// per-file stream shape for ordinary uploads, and the multipart shape
// (single or batch) when cfg.Multipart is set.
func RunUpload(ctx context.Context, task *model.Task, opts Options) Result {
	cfg := task.Config
	if len(cfg.Files) == 0 {
		return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
	}
	if task.Progress.Extras == nil {
		task.Progress.Extras = map[string]string{}
	}
	if len(task.Progress.Processed) < len(cfg.Files) {
		processed := make([]int64, len(cfg.Files))
		copy(processed, task.Progress.Processed)
		task.Progress.Processed = processed
	}
	if len(task.Progress.Sizes) < len(cfg.Files) {
		sizes := make([]int64, len(cfg.Files))
		for i := range sizes {
			sizes[i] = -1
		}
		copy(sizes, task.Progress.Sizes)
		task.Progress.Sizes = sizes
	}
	task.Status.State = model.StateRunning

	for i, spec := range cfg.Files {
		size, err := fileSize(spec.Path)
		if err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonGetFileSizeFailed}
		}
		task.Progress.Sizes[i] = size
	}

	if cfg.Multipart {
		return runMultipartUpload(ctx, task, opts)
	}
	return runStreamUpload(ctx, task, opts)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// uploadWindow computes the byte range to send for one file given the
// task's partial-upload window (§4.5 "Partial-upload window"). When no
// window is set (the zero RangeWindow) or begins/ends don't carve out a
// valid sub-range, the whole remainder is sent unchanged.
func uploadWindow(size, processed int64, rng model.RangeWindow) (begin, length int64) {
	if (rng.Begins == 0 && rng.Ends == 0) || rng.Begins >= size || rng.Begins > rng.Ends {
		return processed, size - processed
	}
	end := rng.Ends
	if end < 0 || end >= size {
		end = size - 1
	}
	want := end - rng.Begins + 1 - processed
	if want < 0 {
		want = 0
	}
	return rng.Begins + processed, want
}

// runStreamUpload implements the per-file stream shape: one request per
// remaining file, resuming from progress.processed[i].
func runStreamUpload(ctx context.Context, task *model.Task, opts Options) Result {
	cfg := task.Config
	tries := 0

	for task.Progress.Index < len(cfg.Files) {
		i := task.Progress.Index
		spec := cfg.Files[i]

		begin, length := uploadWindow(task.Progress.Sizes[i], task.Progress.Processed[i], cfg.Range)
		if length <= 0 {
			task.Progress.Index++
			continue
		}

		f, err := os.Open(spec.Path)
		if err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonUploadFileError}
		}
		if _, err := f.Seek(begin, io.SeekStart); err != nil {
			f.Close()
			return Result{State: model.StateFailed, Reason: model.ReasonUploadFileError}
		}

		reader := &reusableReader{file: f, start: begin, remaining: length}
		req, err := http.NewRequestWithContext(ctx, uploadMethod(cfg), cfg.URL, reader)
		if err != nil {
			f.Close()
			return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
		}
		req.GetBody = func() (io.ReadCloser, error) {
			reader.reset()
			return io.NopCloser(reader), nil
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		req.ContentLength = length
		req.Header.Set("Content-Length", strconv.FormatInt(length, 10))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}

		result, retry, done := sendUploadRequest(ctx, task, req, i, reader, opts)
		f.Close()
		if retry {
			tries++
			task.Tries = tries
			if tries > maxProtocolRetries {
				return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}
			}
			continue
		}
		if !done {
			return result
		}
		task.Progress.Index++
		tries = 0
	}

	return Result{State: model.StateCompleted, Reason: model.ReasonDefault}
}

// runMultipartUpload builds a single multipart/form-data body carrying
// every form item plus one part per remaining file, and sends it in one
// request — the batch shape sends all remaining files at once (§4.5).
func runMultipartUpload(ctx context.Context, task *model.Task, opts Options) Result {
	cfg := task.Config

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, item := range cfg.FormItems {
		if err := writer.WriteField(item.Name, item.Value); err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
		}
	}

	for i := task.Progress.Index; i < len(cfg.Files); i++ {
		spec := cfg.Files[i]
		part, err := writer.CreatePart(multipartHeader(spec))
		if err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
		}
		f, err := os.Open(spec.Path)
		if err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonUploadFileError}
		}
		n, err := io.Copy(part, f)
		f.Close()
		if err != nil {
			return Result{State: model.StateFailed, Reason: model.ReasonUploadFileError}
		}
		task.Progress.Processed[i] = n
		task.Progress.TotalProcessed += n
	}
	if err := writer.Close(); err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
	}

	req, err := http.NewRequestWithContext(ctx, uploadMethod(cfg), cfg.URL, bytes.NewReader(body.Bytes()))
	if err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonBuildRequestFailed}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = int64(body.Len())

	resp, err := opts.Client.Do(req)
	if err != nil {
		if !awaitNetworkOrFail(ctx, &opts) {
			return networkRetryDecision(cfg)
		}
		return Result{State: model.StateWaiting, Reason: model.ReasonNeedRetry}
	}
	defer resp.Body.Close()

	if err := drainToSink(task, len(cfg.Files)-1, resp.Body); err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		task.Progress.Index = len(cfg.Files)
		return Result{State: model.StateCompleted, Reason: model.ReasonDefault}
	}
	return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}
}

func multipartHeader(spec model.FileSpec) map[string][]string {
	mimeType := spec.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return map[string][]string{
		"Content-Disposition": {`form-data; name="` + spec.FileName + `"; filename="` + filepath.Base(spec.FileName) + `"`},
		"Content-Type":        {mimeType},
	}
}

// sendUploadRequest issues one stream-upload request and classifies the
// response exactly as §4.4's mirror rule states: 2xx advances, 408 is
// retried, everything else is ProtocolError.
func sendUploadRequest(ctx context.Context, task *model.Task, req *http.Request, fileIndex int, reader *reusableReader, opts Options) (result Result, retry bool, done bool) {
	resp, err := opts.Client.Do(req)
	if err != nil {
		if !awaitNetworkOrFail(ctx, &opts) {
			return networkRetryDecision(task.Config), false, false
		}
		return Result{State: model.StateWaiting, Reason: model.ReasonNeedRetry}, false, false
	}
	defer resp.Body.Close()

	if err := drainToSink(task, fileIndex, resp.Body); err != nil {
		return Result{State: model.StateFailed, Reason: model.ReasonIoError}, false, false
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		reader.reset()
		return Result{}, true, false
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		task.Progress.Processed[fileIndex] = reader.start + reader.sent
		task.Progress.TotalProcessed += reader.sent
		opts.publish(&events.ProgressEvent{
			BaseEvent:      events.BaseEvent{EventType: events.EventProgress, Time: time.Now()},
			TaskID:         task.ID,
			FileIndex:      fileIndex,
			Processed:      task.Progress.Processed[fileIndex],
			TotalProcessed: task.Progress.TotalProcessed,
			Sizes:          append([]int64(nil), task.Progress.Sizes...),
		})
		return Result{}, false, true
	default:
		return Result{State: model.StateFailed, Reason: model.ReasonProtocolError}, false, false
	}
}

// drainToSink writes a response body to the configured body-sink file for
// fileIndex, if one is configured (§4.5 "Response bodies are drained into
// the configured body-sink file per index").
func drainToSink(task *model.Task, fileIndex int, body io.Reader) error {
	if fileIndex < 0 || fileIndex >= len(task.Config.BodySinks) {
		_, err := io.Copy(io.Discard, body)
		return err
	}
	sink := task.Config.BodySinks[fileIndex]
	if sink == "" {
		_, err := io.Copy(io.Discard, body)
		return err
	}
	f, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	bufp := buffers.GetChunkBuffer()
	defer buffers.PutChunkBuffer(bufp)
	_, err = io.CopyBuffer(f, body, *bufp)
	return err
}

// reusableReader exposes reuse() as reset() (§4.5 "Reader semantics") so
// the HTTP layer can rewind and resend the body after a redirect (through
// the request's GetBody) or a 408 retry without double-counting progress: sent tracks bytes handed out during
// the current attempt only, separate from the durable processed counter.
type reusableReader struct {
	file      *os.File
	start     int64
	remaining int64
	sent      int64
}

func (r *reusableReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.file.Read(p)
	r.remaining -= int64(n)
	r.sent += int64(n)
	return n, err
}

// reset rewinds the reader for a retried attempt (reuse()).
func (r *reusableReader) reset() {
	sentSoFar := r.sent
	r.file.Seek(r.start, io.SeekStart)
	r.remaining += sentSoFar
	r.sent = 0
}
