package notifybus

import (
	"io"
	"testing"

	"github.com/rescale/taskengine/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	payload, err := encodePayload(Payload{TaskID: 42, Status: 200, Version: "HTTP/1.1"})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}

	go func() {
		writeFrame(w, 7, KindHttpResponse, payload)
		w.Close()
	}()

	id, kind, got, err := readFrame(r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if id != 7 || kind != KindHttpResponse {
		t.Fatalf("id=%d kind=%d, want 7/%d", id, kind, KindHttpResponse)
	}
	decoded, err := DecodePayload(got)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.TaskID != 42 || decoded.Status != 200 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestTruncateHeadersOverLimitDropsRest(t *testing.T) {
	headers := map[string]string{}
	for i := 0; i < 2000; i++ {
		headers[string(rune('a'+i%26))+string(rune(i))] = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	}
	out := truncateHeaders(headers)
	if len(out) >= len(headers) {
		t.Fatalf("expected truncation, got %d of %d entries", len(out), len(headers))
	}
}

func TestSubscribeRequiresOpenChannel(t *testing.T) {
	bus := New(nil)
	err := bus.Subscribe(1, 99)
	if err == nil {
		t.Fatalf("expected ErrChannelNotOpen")
	}
	coded, ok := err.(*model.CodedError)
	if !ok || coded.Code != model.ErrChannelNotOpen {
		t.Fatalf("err = %v, want ErrChannelNotOpen", err)
	}
}

func TestDrainCoalescesProgressPerTask(t *testing.T) {
	bus := New(nil)
	conn := bus.OpenChannel(1)
	defer conn.Close()
	if err := bus.Subscribe(100, 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	received := make(chan Payload, 10)
	go func() {
		for {
			_, kind, payload, err := readFrame(conn)
			if err != nil {
				return
			}
			conn.Write([]byte{0, 0, 0, 0})
			if kind == KindProgress {
				p, _ := DecodePayload(payload)
				received <- p
			}
		}
	}()

	bus.PublishProgress(100, 0, 10, 10, []int64{100})
	bus.PublishProgress(100, 0, 20, 20, []int64{100})
	bus.PublishProgress(100, 0, 30, 30, []int64{100})
	bus.Drain()

	got := <-received
	if got.TotalProcessed != 30 {
		t.Fatalf("TotalProcessed = %d, want 30 (only the last progress should survive)", got.TotalProcessed)
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra progress frame: %+v", extra)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	conn := bus.OpenChannel(1)
	defer conn.Close()
	bus.Subscribe(5, 1)
	bus.Unsubscribe(5, 1)

	delivered := make(chan struct{}, 1)
	go func() {
		readFrame(conn)
		delivered <- struct{}{}
	}()

	bus.PublishCompleted(5)
	bus.Drain()

	select {
	case <-delivered:
		t.Fatalf("frame delivered to an unsubscribed pid")
	default:
	}
}
