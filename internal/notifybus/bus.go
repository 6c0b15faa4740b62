package notifybus

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rescale/taskengine/internal/logging"
	"github.com/rescale/taskengine/internal/model"
)

// ackTimeout bounds how long the bus waits for a client's 4-byte ack
// after writing a frame (spec §4.7 "back-pressure").
const ackTimeout = 500 * time.Millisecond

// pendingEvent is one queued notification awaiting the next Drain.
type pendingEvent struct {
	taskID  uint32
	kind    NotifyKind
	payload Payload
}

// Bus is the process-wide notification bus: a pid->channel map and a
// task_id->subscriber-pid map, queuing events and flushing them on Drain.
//
// Channels never hold the pid->conn or task->subs mutex across a write;
// Send releases it before blocking on I/O (spec §5 "the notification bus
// holds its own mutexes on the pid->client map; clients never hold these
// across awaits").
type Bus struct {
	mu     sync.Mutex
	conns  map[uint32]net.Conn
	subs   map[uint32]map[uint32]struct{} // task id -> set of pid

	pending []pendingEvent

	nextID atomic.Uint64
	logger *logging.Logger
}

// New returns an empty bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		conns: map[uint32]net.Conn{},
		subs:  map[uint32]map[uint32]struct{}{},
		logger: logger,
	}
}

// OpenChannel implements the open_channel verb: it creates a connected
// pair of endpoints (modeling the real socketpair() the spec describes),
// keeps the server half keyed by pid, and returns the client half.
func (b *Bus) OpenChannel(pid uint32) net.Conn {
	serverSide, clientSide := net.Pipe()

	b.mu.Lock()
	if old, ok := b.conns[pid]; ok {
		old.Close()
	}
	b.conns[pid] = serverSide
	b.mu.Unlock()

	return clientSide
}

// AdoptChannel registers an already-connected net.Conn (e.g. one accepted
// by a real Unix-domain-socket server) as pid's channel, for transports
// where the channel is the connection itself rather than a socketpair
// handed back to an in-process caller.
func (b *Bus) AdoptChannel(pid uint32, conn net.Conn) {
	b.mu.Lock()
	if old, ok := b.conns[pid]; ok {
		old.Close()
	}
	b.conns[pid] = conn
	b.mu.Unlock()
}

// CloseChannel removes pid's channel and all of its task subscriptions.
func (b *Bus) CloseChannel(pid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.conns[pid]; ok {
		conn.Close()
		delete(b.conns, pid)
	}
	for taskID, set := range b.subs {
		delete(set, pid)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
}

// Subscribe adds pid as a subscriber of taskID. The channel must already
// be open (ErrChannelNotOpen otherwise).
func (b *Bus) Subscribe(taskID, pid uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conns[pid]; !ok {
		return model.NewCodedError(model.ErrChannelNotOpen, nil)
	}
	set, ok := b.subs[taskID]
	if !ok {
		set = map[uint32]struct{}{}
		b.subs[taskID] = set
	}
	set[pid] = struct{}{}
	return nil
}

// Unsubscribe removes pid from taskID's subscriber set.
func (b *Bus) Unsubscribe(taskID, pid uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[taskID]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(b.subs, taskID)
		}
	}
}

func (b *Bus) enqueue(taskID uint32, kind NotifyKind, payload Payload) {
	payload.TaskID = taskID
	b.mu.Lock()
	b.pending = append(b.pending, pendingEvent{taskID: taskID, kind: kind, payload: payload})
	b.mu.Unlock()
}

// PublishHttpResponse queues an HttpResponse event (once per successful
// response header set).
func (b *Bus) PublishHttpResponse(taskID uint32, version string, status int, reason string, headers map[string]string) {
	b.enqueue(taskID, KindHttpResponse, Payload{Version: version, Status: status, Reason: reason, Headers: headers})
}

// PublishProgress queues a progress update; consecutive progress updates
// for the same task are coalesced at Drain time.
func (b *Bus) PublishProgress(taskID uint32, fileIndex int, processed int64, totalProcessed int64, sizes []int64) {
	b.enqueue(taskID, KindProgress, Payload{
		FileIndex:      fileIndex,
		Processed:      processed,
		TotalProcessed: totalProcessed,
		Sizes:          append([]int64(nil), sizes...),
	})
}

// PublishHeaderReceive queues a HeaderReceive event once the total size
// of a download is known.
func (b *Bus) PublishHeaderReceive(taskID uint32, totalSize int64) {
	b.enqueue(taskID, KindHeaderReceive, Payload{TotalSize: totalSize})
}

// PublishCompleted/PublishFailed/PublishPaused/PublishResumed/PublishRemoved
// queue the corresponding NotifyData kind (spec §4.7).
func (b *Bus) PublishCompleted(taskID uint32) { b.enqueue(taskID, KindCompleted, Payload{}) }

func (b *Bus) PublishFailed(taskID uint32, reason model.Reason) {
	b.enqueue(taskID, KindFailed, Payload{Reason: reason.String()})
}

func (b *Bus) PublishPaused(taskID uint32, reason model.Reason) {
	b.enqueue(taskID, KindPaused, Payload{Reason: reason.String()})
}

func (b *Bus) PublishResumed(taskID uint32) { b.enqueue(taskID, KindResumed, Payload{}) }

func (b *Bus) PublishRemoved(taskID uint32) { b.enqueue(taskID, KindRemoved, Payload{}) }

// PublishFault queues a Faults(task_id, kind, reason) event.
func (b *Bus) PublishFault(taskID uint32, faultKind string, reason model.Reason) {
	b.enqueue(taskID, KindFault, Payload{FaultKind: faultKind, Reason: reason.String()})
}

// PublishWaitNotify queues a WaitNotify(task_id, cause) event.
func (b *Bus) PublishWaitNotify(taskID uint32, cause model.Reason) {
	b.enqueue(taskID, KindWaitNotify, Payload{Cause: cause.String()})
}

// BroadcastShutdown sends a Shutdown frame to every open channel and is
// used when the peer (the service) is going down.
func (b *Bus) BroadcastShutdown() {
	b.mu.Lock()
	pids := make([]uint32, 0, len(b.conns))
	for pid := range b.conns {
		pids = append(pids, pid)
	}
	b.mu.Unlock()

	for _, pid := range pids {
		b.sendTo(pid, 0, KindShutdown, Payload{})
	}
}

// Drain flushes all queued events to their subscribers, coalescing
// progress events per task id so only the last progress survives a batch
// (spec §4.7 "Progress events are coalesced per task").
func (b *Bus) Drain() {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}

	lastProgress := map[uint32]int{}
	for i, it := range items {
		if it.kind == KindProgress {
			lastProgress[it.taskID] = i
		}
	}

	for i, it := range items {
		if it.kind == KindProgress && lastProgress[it.taskID] != i {
			continue
		}
		b.deliver(it)
	}
}

func (b *Bus) deliver(it pendingEvent) {
	b.mu.Lock()
	set := b.subs[it.taskID]
	pids := make([]uint32, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	b.mu.Unlock()

	for _, pid := range pids {
		b.sendTo(pid, it.taskID, it.kind, it.payload)
	}
}

// sendTo writes one frame to pid's channel and waits (bounded by
// ackTimeout) for its 4-byte ack; failures are logged and not retried —
// the next periodic event carries fresh state (spec §4.7).
func (b *Bus) sendTo(pid, taskID uint32, kind NotifyKind, payload Payload) {
	b.mu.Lock()
	conn := b.conns[pid]
	b.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := encodePayload(payload)
	if err != nil {
		b.logf("failed to encode notifybus payload: %v", err)
		return
	}

	id := b.nextID.Add(1)
	if err := writeFrame(conn, id, kind, data); err != nil {
		b.logf("failed to write notifybus frame to pid %d: %v", pid, err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	ack := make([]byte, 4)
	if _, err := io.ReadFull(conn, ack); err != nil {
		b.logf("notifybus ack timed out for pid %d task %d: %v", pid, taskID, err)
	}
	conn.SetReadDeadline(time.Time{})
}

func (b *Bus) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Warn().Msgf(format, args...)
	}
}
