// Package ipcapi implements the client command surface of §6: a
// request/reply protocol, newline-delimited JSON over a Unix domain
// socket, carrying the construct/start/pause/resume/stop/remove/touch/
// query/search/subscribe/unsubscribe/open_channel verbs.
package ipcapi

import (
	"encoding/json"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

// Verb identifies the command carried by a Request.
type Verb string

const (
	VerbConstruct    Verb = "construct"
	VerbStart        Verb = "start"
	VerbPause        Verb = "pause"
	VerbResume       Verb = "resume"
	VerbStop         Verb = "stop"
	VerbRemove       Verb = "remove"
	VerbTouch        Verb = "touch"
	VerbQuery        Verb = "query"
	VerbSearch       Verb = "search"
	VerbSubscribe    Verb = "subscribe"
	VerbUnsubscribe  Verb = "unsubscribe"
	VerbOpenChannel  Verb = "open_channel"
)

// Request is one client command. Only the fields relevant to Verb are set.
type Request struct {
	Verb    Verb          `json:"verb"`
	Config  *model.Config `json:"config,omitempty"`
	TaskIDs []uint32      `json:"task_ids,omitempty"`
	Token   string        `json:"token,omitempty"`
	Filter  *model.Filter `json:"filter,omitempty"`
	// PID identifies the calling process for open_channel/subscribe;
	// the caller supplies its own pid since the transport here is a
	// plain net.Conn rather than a credentialed socket.
	PID uint32 `json:"pid,omitempty"`
}

// PerTaskResult pairs a task id with the error code of applying the verb to it.
type PerTaskResult struct {
	TaskID uint32           `json:"task_id"`
	Code   model.ErrorCode  `json:"code"`
}

// TaskInfo is the reply payload for query/show.
type TaskInfo struct {
	ID       uint32              `json:"id"`
	Config   model.Config        `json:"config"`
	Progress model.Progress      `json:"progress"`
	Status   model.Status        `json:"status"`
	PerFile  []model.PerFileStatus `json:"per_file"`
	CTime    time.Time           `json:"ctime"`
	Tries    int                 `json:"tries"`
}

// Response is the reply to a Request. Exactly one of the Data-shaped
// fields is populated, selected by the verb that produced it.
type Response struct {
	Code      model.ErrorCode `json:"code"`
	Error     string          `json:"error,omitempty"`
	TaskID    uint32          `json:"task_id,omitempty"`
	Results   []PerTaskResult `json:"results,omitempty"`
	Info      *TaskInfo       `json:"info,omitempty"`
	TaskIDs   []uint32        `json:"task_ids,omitempty"`
}

// Encode serializes r to JSON.
func (r *Request) Encode() ([]byte, error) { return json.Marshal(r) }

// Encode serializes r to JSON.
func (r *Response) Encode() ([]byte, error) { return json.Marshal(r) }

// DecodeRequest parses a Request from JSON.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeResponse parses a Response from JSON.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OKResponse builds a bare success reply.
func OKResponse() *Response { return &Response{Code: model.ErrOk} }

// ErrResponse builds an error reply carrying code and a human cause.
func ErrResponse(code model.ErrorCode, err error) *Response {
	r := &Response{Code: code}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
