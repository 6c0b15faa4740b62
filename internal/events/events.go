// Package events implements the in-process publish/subscribe bus used to
// carry task state transitions and progress from the transfer engine and
// scheduler out to the client notification bus (package notifybus) and to
// the structured logger.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/taskengine/internal/model"
)

// EventType identifies the shape of an Event's payload.
type EventType string

const (
	EventLog           EventType = "log"
	EventStateChange   EventType = "state_change"
	EventProgress      EventType = "progress"
	EventHttpResponse  EventType = "http_response"
	EventFault         EventType = "fault"
	EventWaitNotify    EventType = "wait_notify"
	EventHeaderReceive EventType = "header_receive"
)

const (
	defaultBuffer = 1000
	maxBuffer     = 8192
)

// LogLevel mirrors the structured logger's severity levels.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for everything carried on the bus.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent supplies the common Type/Timestamp fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// LogEvent carries a structured log line onto the bus (used by the CLI
// admin surface to tail daemon activity without reading the log file).
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
	TaskID  uint32
	Error   error
}

// StateChangeEvent is emitted exactly once per accepted transition (§4.1).
type StateChangeEvent struct {
	BaseEvent
	TaskID   uint32
	OldState model.State
	NewState model.State
	Reason   model.Reason
}

// ProgressEvent carries a progress snapshot; the bus (notifybus) coalesces
// these per task within a single drain batch per §4.7.
type ProgressEvent struct {
	BaseEvent
	TaskID         uint32
	FileIndex      int
	Processed      int64
	TotalProcessed int64
	Sizes          []int64
}

// HttpResponseEvent is emitted once per successful response's headers.
type HttpResponseEvent struct {
	BaseEvent
	TaskID  uint32
	Version string
	Status  int
	Reason  string
	Headers map[string]string
}

// FaultEvent is delivered when a task transitions to a non-success
// terminal state.
type FaultEvent struct {
	BaseEvent
	TaskID uint32
	Kind   string
	Reason model.Reason
}

// WaitNotifyEvent tells subscribers why a task entered Waiting.
type WaitNotifyEvent struct {
	BaseEvent
	TaskID uint32
	Cause  model.Reason
}

// HeaderReceiveEvent signals that response headers have arrived but the
// body has not yet started streaming (used to unblock UI affordances that
// wait on Content-Length before showing a progress bar).
type HeaderReceiveEvent struct {
	BaseEvent
	TaskID    uint32
	TotalSize int64
}

// EventBus fans a published Event out to every matching subscriber channel.
// Sends are non-blocking: a full channel drops the event rather than
// blocking the publisher; engines publish from their own goroutines.
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels are buffered to
// bufferSize entries (clamped to [1, maxBuffer], defaulting to 1000).
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if bufferSize > maxBuffer {
		bufferSize = maxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel that receives every future event of eventType.
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll returns a channel that receives every event regardless of type.
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish fans event out to matching subscribers. Never blocks: a full
// subscriber channel drops the event and increments droppedEvents.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience wrapper for LogEvent.
func (eb *EventBus) PublishLog(level LogLevel, message string, taskID uint32, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: BaseEvent{EventType: EventLog, Time: time.Now()},
		Level:     level,
		Message:   message,
		TaskID:    taskID,
		Error:     err,
	})
}

// PublishStateChange is a convenience wrapper for StateChangeEvent.
func (eb *EventBus) PublishStateChange(taskID uint32, old, new model.State, reason model.Reason) {
	eb.Publish(&StateChangeEvent{
		BaseEvent: BaseEvent{EventType: EventStateChange, Time: time.Now()},
		TaskID:    taskID,
		OldState:  old,
		NewState:  new,
		Reason:    reason,
	})
}

// Unsubscribe removes ch from eventType's subscriber list.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	subs := eb.subscribers[eventType]
	for i, sub := range subs {
		if sub == ch {
			subs[i] = subs[len(subs)-1]
			eb.subscribers[eventType] = subs[:len(subs)-1]
			break
		}
	}
}

// UnsubscribeAll removes ch from every subscriber list it appears in.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	for eventType, subs := range eb.subscribers {
		for i, sub := range subs {
			if sub == ch {
				subs[i] = subs[len(subs)-1]
				eb.subscribers[eventType] = subs[:len(subs)-1]
				break
			}
		}
	}
	for i, sub := range eb.all {
		if sub == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the number of events dropped for full buffers.
func (eb *EventBus) GetDroppedEventCount() int64 { return eb.droppedEvents.Load() }

// ResetDroppedEventCount zeroes the dropped-event counter and returns its
// prior value, for periodic monitoring windows.
func (eb *EventBus) ResetDroppedEventCount() int64 { return eb.droppedEvents.Swap(0) }
