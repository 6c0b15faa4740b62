// Package buffers provides a reusable byte-buffer pool for the transfer
// engine's download/upload streaming loops, to avoid allocating a new
// chunk buffer on every HTTP body read.
package buffers

import (
	"sync"
	"sync/atomic"
)

// ChunkSize is the size of pooled streaming buffers.
const ChunkSize = 32 * 1024

var (
	chunkAllocations int64
	chunkReuses      int64
)

var chunkPool = &sync.Pool{
	New: func() interface{} {
		atomic.AddInt64(&chunkAllocations, 1)
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetChunkBuffer retrieves a ChunkSize buffer from the pool. The caller must
// return it with PutChunkBuffer when done.
func GetChunkBuffer() *[]byte {
	atomic.AddInt64(&chunkReuses, 1)
	return chunkPool.Get().(*[]byte)
}

// PutChunkBuffer returns buf to the pool. Only buffers of exactly ChunkSize
// are pooled; anything else is left for the garbage collector.
func PutChunkBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == ChunkSize {
		chunkPool.Put(buf)
	}
}

// Stats reports pool allocation/reuse counters for monitoring.
type Stats struct {
	BufferSize  int
	Allocations int64
	Reuses      int64
}

// GetStats returns a snapshot of the pool's allocation counters.
func GetStats() Stats {
	return Stats{
		BufferSize:  ChunkSize,
		Allocations: atomic.LoadInt64(&chunkAllocations),
		Reuses:      atomic.LoadInt64(&chunkReuses),
	}
}
