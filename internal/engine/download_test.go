package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rescale/taskengine/internal/model"
)

func newDownloadTask(url string) *model.Task {
	return &model.Task{
		ID: 1,
		Config: model.Config{
			Action: model.ActionDownload,
			URL:    url,
			Mode:   model.ModeBackground,
		},
	}
}

func TestRunDownloadBasicCompletesWithFullLength(t *testing.T) {
	const size = 1042003
	payload := make([]byte, size)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := newDownloadTask(srv.URL)

	res := RunDownload(context.Background(), task, dest, Options{Client: srv.Client()})
	if res.State != model.StateCompleted || res.Reason != model.ReasonDefault {
		t.Fatalf("result = %+v", res)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != size {
		t.Fatalf("file size = %d, want %d", info.Size(), size)
	}
}

func TestRunDownloadResumesWithRangeAndEtag(t *testing.T) {
	const total = 1042003
	const already = 1032003
	remaining := make([]byte, total-already)

	var sawRange, sawIfRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		sawIfRange = r.Header.Get("If-Range")
		w.Header().Set("Content-Range", "bytes 1032003-1042002/1042003")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(remaining)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dest, make([]byte, already), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	task := newDownloadTask(srv.URL)
	task.Progress.Extras = map[string]string{"etag": `"abc123"`}

	res := RunDownload(context.Background(), task, dest, Options{Client: srv.Client()})
	if res.State != model.StateCompleted {
		t.Fatalf("result = %+v", res)
	}
	if sawRange == "" || sawIfRange != `"abc123"` {
		t.Fatalf("Range=%q If-Range=%q, want conditional resume headers", sawRange, sawIfRange)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != total {
		t.Fatalf("file size = %d, want %d", info.Size(), total)
	}
}

func TestRunDownloadRangeUnsupportedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("full body ignoring range"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(dest, make([]byte, 1000), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	task := newDownloadTask(srv.URL)
	task.Config.Range = model.RangeWindow{Begins: 5000, Ends: -1}
	task.Progress.Extras = map[string]string{"etag": `"abc"`}

	res := RunDownload(context.Background(), task, dest, Options{Client: srv.Client()})
	if res.State != model.StateFailed || res.Reason != model.ReasonUnsupportedRangeRequest {
		t.Fatalf("result = %+v", res)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 1000 {
		t.Fatalf("file size = %d, want unchanged 1000", info.Size())
	}
}

func TestRunDownloadRetries408TwiceThenSucceeds(t *testing.T) {
	attempts := 0
	payload := []byte("hello world")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	task := newDownloadTask(srv.URL)

	res := RunDownload(context.Background(), task, dest, Options{Client: srv.Client()})
	if res.State != model.StateCompleted || res.Reason != model.ReasonDefault {
		t.Fatalf("result = %+v", res)
	}
	if task.Tries != 2 {
		t.Fatalf("Tries = %d, want 2", task.Tries)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
