// Package notifybus implements the client notification bus of spec §4.7:
// one process-wide bus owning a pid->channel map and a task_id->pid
// subscription map, delivering HttpResponse/NotifyData/Fault/WaitNotify/
// Shutdown events over a little-endian framed wire protocol.
package notifybus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"sort"
)

// frameMagic opens every frame on the wire (spec §4.7).
const frameMagic uint32 = 0x43434646

// headerSize is magic(4) + msg id(8) + type(2) + total length(2).
const headerSize = 16

// maxHeaderBytes caps the serialized size of any headers map carried in a
// payload; keys past the limit are dropped rather than truncating mid-value.
const maxHeaderBytes = 8 * 1024

var (
	ErrBadMagic   = errors.New("notifybus: bad frame magic")
	ErrShortFrame = errors.New("notifybus: frame shorter than header")
)

// NotifyKind is the frame's 16-bit type field.
type NotifyKind uint16

const (
	KindHttpResponse NotifyKind = iota + 1
	KindProgress
	KindCompleted
	KindFailed
	KindPaused
	KindResumed
	KindRemoved
	KindHeaderReceive
	KindFault
	KindWaitNotify
	KindShutdown
)

// Payload is the union of fields any frame kind may carry; unused fields
// are omitted by the `omitempty` tags so each wire frame stays small.
type Payload struct {
	TaskID         uint32            `json:"task_id"`
	Version        string            `json:"version,omitempty"`
	Status         int               `json:"status,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	FileIndex      int               `json:"file_index,omitempty"`
	Processed      int64             `json:"processed,omitempty"`
	TotalProcessed int64             `json:"total_processed,omitempty"`
	Sizes          []int64           `json:"sizes,omitempty"`
	TotalSize      int64             `json:"total_size,omitempty"`
	Cause          string            `json:"cause,omitempty"`
	FaultKind      string            `json:"fault_kind,omitempty"`
}

// encodePayload JSON-encodes p, truncating its Headers map to
// maxHeaderBytes first (spec §4.7 "header serialization caps headers at
// 8 KiB; over-limit headers are truncated with the rest dropped").
func encodePayload(p Payload) ([]byte, error) {
	p.Headers = truncateHeaders(p.Headers)
	return json.Marshal(p)
}

func truncateHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]string{}
	used := 0
	for _, k := range keys {
		entry := len(k) + len(headers[k]) + 4 // rough per-entry JSON overhead
		if used+entry > maxHeaderBytes {
			break
		}
		out[k] = headers[k]
		used += entry
	}
	return out
}

// writeFrame serializes one frame to w: magic, id, kind, then the total
// length patched in after the payload is known.
func writeFrame(w io.Writer, id uint64, kind NotifyKind, payload []byte) error {
	total := headerSize + len(payload)
	if total > math.MaxUint16 {
		payload = payload[:math.MaxUint16-headerSize]
		total = math.MaxUint16
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	binary.LittleEndian.PutUint64(buf[4:12], id)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(kind))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(total))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame decodes one frame from r.
func readFrame(r io.Reader) (id uint64, kind NotifyKind, payload []byte, err error) {
	header := make([]byte, headerSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != frameMagic {
		return 0, 0, nil, ErrBadMagic
	}
	id = binary.LittleEndian.Uint64(header[4:12])
	kind = NotifyKind(binary.LittleEndian.Uint16(header[12:14]))
	total := binary.LittleEndian.Uint16(header[14:16])
	if int(total) < headerSize {
		return 0, 0, nil, ErrShortFrame
	}

	payload = make([]byte, int(total)-headerSize)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return id, kind, payload, nil
}

// DecodePayload parses a frame payload back into a Payload, for clients
// reading off the wire.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(data, &p)
	return p, err
}
